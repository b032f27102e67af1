package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/labcase/labcase/internal/platform/apperr"
)

const dateLayout = "2006-01-02"

type Service struct {
	patients PatientRepository
	doctors  DoctorRepository

	// resolveMu serializes ResolveOrCreatePatient so two requests for the same
	// new patient in this process do not both create it.
	resolveMu sync.Mutex
}

func NewService(patients PatientRepository, doctors DoctorRepository) *Service {
	return &Service{patients: patients, doctors: doctors}
}

// -- Patient --

func validatePatient(p *Patient) error {
	err := validation.ValidateStruct(p,
		validation.Field(&p.Name, validation.Required, validation.Length(1, 120)),
		validation.Field(&p.PaternalSurname, validation.Length(0, 120)),
		validation.Field(&p.MaternalSurname, validation.Length(0, 120)),
		validation.Field(&p.Email, is.EmailFormat),
		validation.Field(&p.BirthDate, validation.Date(dateLayout)),
	)
	return apperr.Validation(err)
}

func (s *Service) CreatePatient(ctx context.Context, p *Patient) error {
	trimPatient(p)
	if err := validatePatient(p); err != nil {
		return err
	}
	return s.patients.Create(ctx, p)
}

func (s *Service) GetPatient(ctx context.Context, id string) (*Patient, error) {
	return s.patients.GetByID(ctx, id)
}

// UpdatePatient applies a partial profile edit.
func (s *Service) UpdatePatient(ctx context.Context, id string, u PatientUpdate) (*Patient, error) {
	u.trim()
	err := validation.Errors{
		"name":       validation.Validate(u.Name, validation.NilOrNotEmpty),
		"email":      validation.Validate(u.Email, is.EmailFormat),
		"birth_date": validation.Validate(u.BirthDate, validation.Date(dateLayout)),
	}.Filter()
	if err != nil {
		return nil, apperr.Validation(err)
	}
	if len(u.fields()) == 0 {
		return nil, apperr.Validationf("no fields to update")
	}
	return s.patients.Update(ctx, id, u)
}

func (s *Service) ListPatients(ctx context.Context) ([]*Patient, error) {
	return s.patients.List(ctx)
}

func (s *Service) SearchPatients(ctx context.Context, term string) ([]*Patient, error) {
	return s.patients.Search(ctx, term)
}

func (s *Service) SearchPatientsByPhone(ctx context.Context, phone string) ([]*Patient, error) {
	if strings.TrimSpace(phone) == "" {
		return nil, apperr.Validationf("phone is required")
	}
	return s.patients.SearchByPhone(ctx, phone)
}

func (s *Service) FindPatientByName(ctx context.Context, name string) (*Patient, error) {
	return s.patients.FindByExactName(ctx, name)
}

// ResolveOrCreatePatient returns the patient whose full name matches
// seed.Name exactly (after normalization), creating one when there is none.
// Implicitly created patients carry placeholder sex and birth date unless the
// seed supplies them, and are dated at seed.ReceivedAt. The bool reports
// whether a patient was created.
func (s *Service) ResolveOrCreatePatient(ctx context.Context, seed PatientSeed) (*Patient, bool, error) {
	name := strings.Join(strings.Fields(seed.Name), " ")
	if name == "" {
		return nil, false, apperr.Validationf("patient name is required")
	}

	s.resolveMu.Lock()
	defer s.resolveMu.Unlock()

	existing, err := s.patients.FindByExactName(ctx, name)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, false, fmt.Errorf("resolve patient: %w", err)
	}

	p := &Patient{
		Name:      name,
		Phone:     strings.TrimSpace(seed.Phone),
		Address:   strings.TrimSpace(seed.Address),
		Sex:       strings.TrimSpace(seed.Sex),
		BirthDate: strings.TrimSpace(seed.BirthDate),
		CreatedAt: seed.ReceivedAt,
		UpdatedAt: seed.ReceivedAt,
	}
	if p.Sex == "" {
		p.Sex = PlaceholderSex
	}
	if p.BirthDate == "" {
		p.BirthDate = PlaceholderBirthDate
	}
	if err := s.patients.Create(ctx, p); err != nil {
		return nil, false, err
	}
	return p, true, nil
}

func trimPatient(p *Patient) {
	for _, f := range []*string{&p.Name, &p.PaternalSurname, &p.MaternalSurname, &p.Phone, &p.Email, &p.Address, &p.Sex, &p.BirthDate} {
		*f = strings.TrimSpace(*f)
	}
}

// -- Doctor --

func (s *Service) CreateDoctor(ctx context.Context, d *Doctor) error {
	for _, f := range []*string{&d.Name, &d.FirstSurname, &d.SecondSurname, &d.Phone, &d.Email, &d.Specialty, &d.Address} {
		*f = strings.TrimSpace(*f)
	}
	err := validation.ValidateStruct(d,
		validation.Field(&d.Name, validation.Required, validation.Length(1, 120)),
		validation.Field(&d.FirstSurname, validation.Required, validation.Length(1, 120)),
		validation.Field(&d.Email, is.EmailFormat),
	)
	if err != nil {
		return apperr.Validation(err)
	}
	return s.doctors.Create(ctx, d)
}

func (s *Service) GetDoctor(ctx context.Context, id string) (*Doctor, error) {
	return s.doctors.GetByID(ctx, id)
}

func (s *Service) ListDoctors(ctx context.Context) ([]*Doctor, error) {
	return s.doctors.List(ctx)
}

func (s *Service) SearchDoctors(ctx context.Context, term string) ([]*Doctor, error) {
	return s.doctors.Search(ctx, term)
}

func (s *Service) FindDoctorByName(ctx context.Context, name string) (*Doctor, error) {
	return s.doctors.FindByExactName(ctx, name)
}
