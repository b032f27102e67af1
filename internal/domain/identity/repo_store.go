package identity

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/labcase/labcase/internal/platform/apperr"
	"github.com/labcase/labcase/internal/platform/cache"
	"github.com/labcase/labcase/internal/platform/collection"
	"github.com/labcase/labcase/internal/platform/ids"
)

// -- Patient Repository --

type patientRepoStore struct {
	store  *collection.Store
	cache  cache.Cache
	ids    *ids.Generator
	logger zerolog.Logger
}

// NewPatientRepo returns a patient repository over the collection store.
// Search results are cached in c when it is not nil.
func NewPatientRepo(store *collection.Store, c cache.Cache, logger zerolog.Logger) PatientRepository {
	return &patientRepoStore{
		store:  store,
		cache:  c,
		ids:    ids.NewGenerator(store.Now),
		logger: logger.With().Str("repo", "patients").Logger(),
	}
}

func (r *patientRepoStore) Create(ctx context.Context, p *Patient) error {
	if p.ID == "" {
		p.ID = r.ids.New(ids.Patient)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = r.store.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	if err := r.store.Put(ctx, PatientCollection, patientRow(p)); err != nil {
		return fmt.Errorf("create patient: %w", err)
	}
	invalidate(ctx, r.cache, r.logger, PatientCollection)
	return nil
}

func (r *patientRepoStore) GetByID(ctx context.Context, id string) (*Patient, error) {
	row, err := r.store.Get(ctx, PatientCollection, id)
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return patientFromRow(row), nil
}

func (r *patientRepoStore) Update(ctx context.Context, id string, u PatientUpdate) (*Patient, error) {
	row, err := r.store.Update(ctx, PatientCollection, id, u.fields())
	if err != nil {
		return nil, fmt.Errorf("update patient: %w", err)
	}
	invalidate(ctx, r.cache, r.logger, PatientCollection)
	return patientFromRow(row), nil
}

func (r *patientRepoStore) List(ctx context.Context) ([]*Patient, error) {
	return r.scan(ctx, nil)
}

func (r *patientRepoStore) Search(ctx context.Context, term string) ([]*Patient, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	return cachedSearch(ctx, r.cache, r.logger, cache.Key(PatientCollection, term), func() ([]*Patient, error) {
		if term == "" {
			return r.scan(ctx, nil)
		}
		return r.scan(ctx, func(p *Patient) bool {
			return containsFold(term, p.Name, p.PaternalSurname, p.MaternalSurname, p.Phone, p.Email, p.Address, p.ID)
		})
	})
}

func (r *patientRepoStore) SearchByPhone(ctx context.Context, phone string) ([]*Patient, error) {
	phone = strings.TrimSpace(phone)
	return r.scan(ctx, func(p *Patient) bool {
		return phone != "" && strings.Contains(p.Phone, phone)
	})
}

func (r *patientRepoStore) FindByExactName(ctx context.Context, name string) (*Patient, error) {
	want := NormalizeName(name)
	matches, err := r.scan(ctx, func(p *Patient) bool {
		return want != "" && NormalizeName(p.FullName()) == want
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("patient named %q: %w", name, apperr.ErrNotFound)
	}
	oldest := matches[0]
	for _, p := range matches[1:] {
		if p.CreatedAt.Before(oldest.CreatedAt) {
			oldest = p
		}
	}
	return oldest, nil
}

func (r *patientRepoStore) scan(ctx context.Context, keep func(*Patient) bool) ([]*Patient, error) {
	rows, err := r.store.Scan(ctx, PatientCollection, nil)
	if err != nil {
		return nil, fmt.Errorf("scan patients: %w", err)
	}
	out := make([]*Patient, 0, len(rows))
	for _, row := range rows {
		p := patientFromRow(row)
		if keep == nil || keep(p) {
			out = append(out, p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return lessByName(out[i].FullName(), out[i].ID, out[j].FullName(), out[j].ID)
	})
	return out, nil
}

// -- Doctor Repository --

type doctorRepoStore struct {
	store  *collection.Store
	cache  cache.Cache
	ids    *ids.Generator
	logger zerolog.Logger
}

func NewDoctorRepo(store *collection.Store, c cache.Cache, logger zerolog.Logger) DoctorRepository {
	return &doctorRepoStore{
		store:  store,
		cache:  c,
		ids:    ids.NewGenerator(store.Now),
		logger: logger.With().Str("repo", "doctors").Logger(),
	}
}

func (r *doctorRepoStore) Create(ctx context.Context, d *Doctor) error {
	if d.ID == "" {
		d.ID = r.ids.New(ids.Doctor)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = r.store.Now()
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = d.CreatedAt
	}
	if err := r.store.Put(ctx, DoctorCollection, doctorRow(d)); err != nil {
		return fmt.Errorf("create doctor: %w", err)
	}
	invalidate(ctx, r.cache, r.logger, DoctorCollection)
	return nil
}

func (r *doctorRepoStore) GetByID(ctx context.Context, id string) (*Doctor, error) {
	row, err := r.store.Get(ctx, DoctorCollection, id)
	if err != nil {
		return nil, fmt.Errorf("get doctor: %w", err)
	}
	return doctorFromRow(row), nil
}

func (r *doctorRepoStore) List(ctx context.Context) ([]*Doctor, error) {
	return r.scan(ctx, nil)
}

func (r *doctorRepoStore) Search(ctx context.Context, term string) ([]*Doctor, error) {
	term = strings.ToLower(strings.TrimSpace(term))
	return cachedSearch(ctx, r.cache, r.logger, cache.Key(DoctorCollection, term), func() ([]*Doctor, error) {
		if term == "" {
			return r.scan(ctx, nil)
		}
		return r.scan(ctx, func(d *Doctor) bool {
			return containsFold(term, d.FullName(), d.Specialty, d.Phone, d.Email, d.ID)
		})
	})
}

func (r *doctorRepoStore) FindByExactName(ctx context.Context, name string) (*Doctor, error) {
	want := NormalizeName(name)
	matches, err := r.scan(ctx, func(d *Doctor) bool {
		return want != "" && NormalizeName(d.FullName()) == want
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("doctor named %q: %w", name, apperr.ErrNotFound)
	}
	oldest := matches[0]
	for _, d := range matches[1:] {
		if d.CreatedAt.Before(oldest.CreatedAt) {
			oldest = d
		}
	}
	return oldest, nil
}

func (r *doctorRepoStore) scan(ctx context.Context, keep func(*Doctor) bool) ([]*Doctor, error) {
	rows, err := r.store.Scan(ctx, DoctorCollection, nil)
	if err != nil {
		return nil, fmt.Errorf("scan doctors: %w", err)
	}
	out := make([]*Doctor, 0, len(rows))
	for _, row := range rows {
		d := doctorFromRow(row)
		if keep == nil || keep(d) {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return lessByName(out[i].FullName(), out[i].ID, out[j].FullName(), out[j].ID)
	})
	return out, nil
}

// -- search cache --

// cachedSearch serves key from c, falling back to load and storing the
// result. Cache failures are logged and never fail the search.
func cachedSearch[T any](ctx context.Context, c cache.Cache, logger zerolog.Logger, key string, load func() ([]T, error)) ([]T, error) {
	if c == nil {
		return load()
	}
	var cached []T
	hit, err := cache.GetJSON(ctx, c, key, &cached)
	if err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("search cache read failed")
	}
	if hit {
		return cached, nil
	}
	out, err := load()
	if err != nil {
		return nil, err
	}
	if err := cache.SetJSON(ctx, c, key, out); err != nil {
		logger.Warn().Err(err).Str("key", key).Msg("search cache write failed")
	}
	return out, nil
}

func invalidate(ctx context.Context, c cache.Cache, logger zerolog.Logger, collectionName string) {
	if c == nil {
		return
	}
	if err := c.DeletePrefix(ctx, collectionName+":"); err != nil {
		logger.Warn().Err(err).Str("collection", collectionName).Msg("search cache invalidation failed")
	}
}

func lessByName(nameA, idA, nameB, idB string) bool {
	a, b := NormalizeName(nameA), NormalizeName(nameB)
	if a != b {
		return a < b
	}
	return idA < idB
}
