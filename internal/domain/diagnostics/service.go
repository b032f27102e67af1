package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"

	"github.com/labcase/labcase/internal/domain/billing"
	"github.com/labcase/labcase/internal/domain/identity"
	"github.com/labcase/labcase/internal/platform/apperr"
	"github.com/labcase/labcase/internal/platform/blobstore"
	"github.com/labcase/labcase/internal/platform/ids"
	"github.com/labcase/labcase/internal/platform/metrics"
)

// DefaultAdvanceRetries bounds the read-guard-write cycle of a stage
// transition that keeps losing its compare-and-swap.
const DefaultAdvanceRetries = 3

// staleRecordAfter is how long a stage sub-record whose stage never committed
// blocks a different examination from replacing it.
const staleRecordAfter = 2 * time.Minute

// DefaultRecentLimit is the number of requests Recent returns by default.
const DefaultRecentLimit = 5

// People resolves the patient and doctor of a new request.
type People interface {
	ResolveOrCreatePatient(ctx context.Context, seed identity.PatientSeed) (*identity.Patient, bool, error)
	GetDoctor(ctx context.Context, id string) (*identity.Doctor, error)
	FindDoctorByName(ctx context.Context, name string) (*identity.Doctor, error)
}

// Ledger is the payment ledger as seen by the lifecycle.
type Ledger interface {
	PaidTotal(ctx context.Context, studyRequestID string) (float64, error)
	PaidTotals(ctx context.Context) (map[string]float64, error)
	RecordAdvance(ctx context.Context, studyRequestID string, amount float64, method string) (*billing.Payment, error)
	UpdateInvoiceNumber(ctx context.Context, studyRequestID, invoice string) error
}

type Service struct {
	requests StudyRequestRepository
	records  StudyRecordRepository
	people   People
	ledger   Ledger
	blobs    blobstore.Store

	ids            *ids.Generator
	now            func() time.Time
	advanceRetries int
	logger         zerolog.Logger
	metrics        *metrics.Recorder
}

func NewService(requests StudyRequestRepository, records StudyRecordRepository, people People, ledger Ledger) *Service {
	s := &Service{
		requests:       requests,
		records:        records,
		people:         people,
		ledger:         ledger,
		now:            time.Now,
		advanceRetries: DefaultAdvanceRetries,
		logger:         zerolog.Nop(),
	}
	s.ids = ids.NewGenerator(func() time.Time { return s.now() })
	return s
}

// SetBlobStore attaches the store attachments are uploaded to.
func (s *Service) SetBlobStore(b blobstore.Store) { s.blobs = b }

// SetLogger attaches a logger.
func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "lifecycle").Logger()
}

// SetMetrics attaches an optional metrics recorder.
func (s *Service) SetMetrics(m *metrics.Recorder) { s.metrics = m }

// SetClock overrides the clock used for stage timestamps.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// -- Create --

// Create registers a study request at the initiated stage. The patient is
// resolved by exact full name or created on the fly; the doctor is resolved
// by id, or by exact name when no id is given, and a doctor known only by
// name is kept as a name. The request is dated at its receipt date. A
// non-zero advance is booked as the first payment of the ledger.
func (s *Service) Create(ctx context.Context, in StudyRequestInput) (*StudyRequest, error) {
	trimInput(&in)
	studyType, receivedAt, err := validateInput(&in)
	if err != nil {
		return nil, err
	}

	patient, created, err := s.people.ResolveOrCreatePatient(ctx, identity.PatientSeed{
		Name:       in.PatientName,
		Phone:      in.PatientPhone,
		Sex:        in.PatientSex,
		BirthDate:  in.PatientBirthDate,
		ReceivedAt: receivedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("resolve patient: %w", err)
	}

	req := &StudyRequest{
		ID:                s.ids.New(ids.StudyRequest),
		PatientID:         patient.ID,
		PatientName:       in.PatientName,
		DoctorName:        in.DoctorName,
		StudyType:         studyType,
		ReceivedAt:        receivedAt,
		Origin:            in.Origin,
		Price:             in.Price,
		SpecialStudy:      in.SpecialStudy,
		SpecialPrice:      in.SpecialPrice,
		Advance:           in.Advance,
		ClinicalNotes:     in.ClinicalNotes,
		RequiresSignature: in.RequiresSignature,
		Stage:             StageInitiated,
		CreatedAt:         receivedAt,
		UpdatedAt:         s.now().UTC(),
	}
	if err := s.resolveDoctor(ctx, in, req); err != nil {
		return nil, err
	}
	req.StageLabel = req.Stage.Label()
	req.PaymentStatus = billing.DeriveStatus(0, req.BillablePrice())

	if err := s.requests.Create(ctx, req); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("study_request_id", req.ID).
		Str("patient_id", patient.ID).
		Bool("patient_created", created).
		Str("study_type", string(req.StudyType)).
		Msg("study request created")

	if _, err := s.ledger.RecordAdvance(ctx, req.ID, in.Advance, in.AdvanceMethod); err != nil {
		return nil, fmt.Errorf("study request %s created but advance not booked: %w", req.ID, err)
	}
	return s.Get(ctx, req.ID)
}

func (s *Service) resolveDoctor(ctx context.Context, in StudyRequestInput, req *StudyRequest) error {
	if in.DoctorID != "" {
		d, err := s.people.GetDoctor(ctx, in.DoctorID)
		if err != nil {
			return fmt.Errorf("resolve doctor: %w", err)
		}
		req.DoctorID, req.DoctorName = d.ID, d.FullName()
		return nil
	}
	d, err := s.people.FindDoctorByName(ctx, in.DoctorName)
	switch {
	case err == nil:
		req.DoctorID = d.ID
	case errors.Is(err, apperr.ErrNotFound):
		s.logger.Debug().Str("doctor_name", in.DoctorName).Msg("doctor not registered, keeping name only")
	default:
		return fmt.Errorf("resolve doctor: %w", err)
	}
	return nil
}

func trimInput(in *StudyRequestInput) {
	for _, f := range []*string{
		&in.PatientName, &in.PatientPhone, &in.PatientSex, &in.PatientBirthDate,
		&in.DoctorID, &in.DoctorName, &in.StudyType, &in.ReceivedAt, &in.Origin,
		&in.AdvanceMethod, &in.ClinicalNotes,
	} {
		*f = strings.TrimSpace(*f)
	}
	in.PatientName = strings.Join(strings.Fields(in.PatientName), " ")
	in.DoctorName = strings.Join(strings.Fields(in.DoctorName), " ")
}

func validateInput(in *StudyRequestInput) (StudyType, time.Time, error) {
	var (
		studyType  StudyType
		receivedAt time.Time
	)
	err := validation.ValidateStruct(in,
		validation.Field(&in.PatientName, validation.Required, validation.Length(1, 200)),
		validation.Field(&in.DoctorName, validation.Required.When(in.DoctorID == ""), validation.Length(0, 200)),
		validation.Field(&in.StudyType, validation.Required, validation.By(func(v any) error {
			t, ok := ParseStudyType(v.(string))
			if !ok {
				return errors.New("must be cytology or biopsy")
			}
			studyType = t
			return nil
		})),
		validation.Field(&in.ReceivedAt, validation.Required, validation.By(func(v any) error {
			t, ok := parseReceivedAt(v.(string))
			if !ok {
				return errors.New("must be a date (YYYY-MM-DD) or RFC 3339 timestamp")
			}
			receivedAt = t
			return nil
		})),
		validation.Field(&in.Price, validation.Min(0.0), billing.AmountRule),
		validation.Field(&in.SpecialPrice, validation.Min(0.0), billing.AmountRule),
		validation.Field(&in.Advance, validation.Min(0.0), billing.AmountRule, validation.By(func(v any) error {
			price := billing.BillablePrice(in.Price, in.SpecialPrice, in.SpecialStudy)
			if billing.AmountRule.Validate(price) != nil {
				return nil
			}
			if billing.Cents(v.(float64)) > billing.Cents(price) {
				return errors.New("must not exceed the price")
			}
			return nil
		})),
		validation.Field(&in.AdvanceMethod, validation.By(func(v any) error {
			if v.(string) == "" {
				return nil
			}
			if _, ok := billing.ParseMethod(v.(string)); !ok {
				return errors.New("must be one of cash, card, transfer, receipt")
			}
			return nil
		})),
		validation.Field(&in.PatientBirthDate, validation.Date("2006-01-02")),
	)
	if err != nil {
		return "", time.Time{}, apperr.Validation(err)
	}
	return studyType, receivedAt, nil
}

// -- Transitions --

// RecordMacroscopicStudy stores the macroscopic examination and moves an
// initiated request to the macroscopic stage.
func (s *Service) RecordMacroscopicStudy(ctx context.Context, id string, in MacroInput) (*StudyRequest, error) {
	in.Description = strings.TrimSpace(in.Description)
	err := validation.ValidateStruct(&in,
		validation.Field(&in.Description, validation.Required),
		validation.Field(&in.Attachments, validation.By(validAttachments)),
	)
	if err != nil {
		return nil, apperr.Validation(err)
	}
	return s.advance(ctx, id, StageMacroscopic, nil, func(ctx context.Context) error {
		return s.writeMacro(ctx, &MacroStudy{
			RequestID:         id,
			Description:       in.Description,
			RequiresSignature: in.RequiresSignature,
			Attachments:       in.Attachments,
			UserID:            strings.TrimSpace(in.UserID),
		})
	})
}

// RecordMicroscopicStudy stores the microscopic examination and diagnosis
// and moves the request to the microscopic stage.
func (s *Service) RecordMicroscopicStudy(ctx context.Context, id string, in MicroInput) (*StudyRequest, error) {
	in.Description = strings.TrimSpace(in.Description)
	in.Diagnosis = strings.TrimSpace(in.Diagnosis)
	err := validation.ValidateStruct(&in,
		validation.Field(&in.Description, validation.Required),
		validation.Field(&in.Diagnosis, validation.Required),
		validation.Field(&in.Attachments, validation.By(validAttachments)),
	)
	if err != nil {
		return nil, apperr.Validation(err)
	}
	return s.advance(ctx, id, StageMicroscopic, nil, func(ctx context.Context) error {
		return s.writeMicro(ctx, &MicroStudy{
			RequestID:         id,
			Description:       in.Description,
			Diagnosis:         in.Diagnosis,
			Malignant:         in.Malignant,
			RequiresSignature: in.RequiresSignature,
			Attachments:       in.Attachments,
			UserID:            strings.TrimSpace(in.UserID),
		})
	})
}

// writeMacro stores m unless the request already has a macroscopic record.
// The same examination written again is accepted; a different one is a
// conflict until the stored record is abandoned.
func (s *Service) writeMacro(ctx context.Context, m *MacroStudy) error {
	err := s.records.CreateMacro(ctx, m)
	if !errors.Is(err, apperr.ErrConflict) {
		return err
	}
	current, err := s.records.GetMacro(ctx, m.RequestID)
	if err != nil {
		return err
	}
	if current.sameAs(m) {
		return nil
	}
	if err := s.takeOver(ctx, m.RequestID, StageMacroscopic, current.UpdatedAt); err != nil {
		return err
	}
	return s.records.ReplaceMacro(ctx, m, current.Version)
}

func (s *Service) writeMicro(ctx context.Context, m *MicroStudy) error {
	err := s.records.CreateMicro(ctx, m)
	if !errors.Is(err, apperr.ErrConflict) {
		return err
	}
	current, err := s.records.GetMicro(ctx, m.RequestID)
	if err != nil {
		return err
	}
	if current.sameAs(m) {
		return nil
	}
	if err := s.takeOver(ctx, m.RequestID, StageMicroscopic, current.UpdatedAt); err != nil {
		return err
	}
	return s.records.ReplaceMicro(ctx, m, current.Version)
}

// takeOver decides whether a differing sub-record written at updatedAt may be
// replaced: only once it is stale and its stage was never committed.
func (s *Service) takeOver(ctx context.Context, id string, target Stage, updatedAt time.Time) error {
	if s.now().Sub(updatedAt) < staleRecordAfter {
		return fmt.Errorf("%s study of %q is being recorded by another request: %w", target.Name(), id, apperr.ErrConflict)
	}
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if req.Stage >= target {
		return fmt.Errorf("%s study of %q is already recorded: %w", target.Name(), id, apperr.ErrConflict)
	}
	s.logger.Warn().
		Str("study_request_id", id).
		Str("stage", target.Name()).
		Time("recorded_at", updatedAt).
		Msg("replacing uncommitted sub-record")
	return nil
}

// Finalize closes a diagnosed request with its definitive report.
func (s *Service) Finalize(ctx context.Context, id string, artifact *Attachment) (*StudyRequest, error) {
	if err := validateArtifact(artifact); err != nil {
		return nil, err
	}
	return s.advance(ctx, id, StageFinalized, artifact, nil)
}

// advance moves request id to target. A request already at or past target is
// returned unchanged. Otherwise target must be the next stage; write runs
// before the stage is committed, must be safe to repeat and must not
// overwrite what a concurrent writer stored.
func (s *Service) advance(ctx context.Context, id string, target Stage, artifact *Attachment, write func(context.Context) error) (*StudyRequest, error) {
	var lastErr error
	for attempt := 0; attempt < s.advanceRetries; attempt++ {
		req, err := s.requests.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if req.Stage >= target {
			s.metrics.Transition(target.Name(), "noop")
			return s.withLedger(ctx, req)
		}
		if stageTransitions[req.Stage] != target {
			s.metrics.Transition(target.Name(), "rejected")
			return nil, &apperr.TransitionError{Current: int(req.Stage), Attempted: int(target)}
		}
		if write != nil {
			if err := write(ctx); err != nil {
				return nil, err
			}
		}

		updated, err := s.requests.Advance(ctx, id, req.Version, target, s.now().UTC(), artifact)
		if err == nil {
			s.metrics.Transition(target.Name(), "ok")
			s.logger.Info().
				Str("study_request_id", id).
				Int("from", int(req.Stage)).
				Int("to", int(target)).
				Msg("study request advanced")
			return s.withLedger(ctx, updated)
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return nil, err
		}
		lastErr = err
	}
	s.metrics.Transition(target.Name(), "conflict")
	return nil, fmt.Errorf("advance %s to stage %d: %w", id, target, lastErr)
}

func validAttachments(v any) error {
	for i, a := range v.([]Attachment) {
		if strings.TrimSpace(a.URL) == "" {
			return fmt.Errorf("attachment %d has no url", i)
		}
	}
	return nil
}

func validateArtifact(a *Attachment) error {
	if a == nil || strings.TrimSpace(a.URL) == "" {
		return apperr.Validationf("artifact: url is required")
	}
	return nil
}

// -- Metadata --

// UpdateInvoice sets the invoice number at any stage.
func (s *Service) UpdateInvoice(ctx context.Context, id, invoice string) (*StudyRequest, error) {
	if err := s.ledger.UpdateInvoiceNumber(ctx, id, invoice); err != nil {
		return nil, err
	}
	return s.Get(ctx, id)
}

// AttachFactura stores the invoice document at any stage.
func (s *Service) AttachFactura(ctx context.Context, id string, artifact *Attachment) (*StudyRequest, error) {
	if err := validateArtifact(artifact); err != nil {
		return nil, err
	}
	req, err := s.requests.SetInvoiceFile(ctx, id, artifact)
	if err != nil {
		return nil, err
	}
	return s.withLedger(ctx, req)
}

// SetSpecialStudy flags the request for a special study and sets its price,
// which is added to the billable price.
func (s *Service) SetSpecialStudy(ctx context.Context, id string, special bool, price float64) (*StudyRequest, error) {
	if err := validation.Validate(price, validation.Min(0.0), billing.AmountRule); err != nil {
		return nil, apperr.Validation(fmt.Errorf("special_price: %w", err))
	}
	req, err := s.requests.SetSpecialStudy(ctx, id, special, price)
	if err != nil {
		return nil, err
	}
	return s.withLedger(ctx, req)
}

// UploadAttachment stores content in the blob store under a key derived from
// the stage and request and returns the reference to record.
func (s *Service) UploadAttachment(ctx context.Context, id string, stage Stage, name, contentType string, content io.Reader) (*Attachment, error) {
	if s.blobs == nil {
		return nil, apperr.Unavailable("upload attachment", errors.New("no blob store configured"))
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.Validation(blobstore.ErrMissingFileName)
	}
	if _, ok := stageNames[stage]; !ok {
		return nil, apperr.Validationf("stage: unknown stage %d", stage)
	}
	if _, err := s.requests.GetByID(ctx, id); err != nil {
		return nil, err
	}

	obj, err := s.blobs.Upload(ctx, blobstore.ObjectKey(stage.Name(), id, name, s.now()), content, contentType)
	switch {
	case errors.Is(err, blobstore.ErrFileTooLarge), errors.Is(err, blobstore.ErrMissingFileName):
		return nil, apperr.Validation(err)
	case err != nil:
		return nil, apperr.Unavailable("upload attachment", err)
	}
	s.logger.Info().Str("study_request_id", id).Str("key", obj.Key).Int64("size", obj.Size).Msg("attachment uploaded")
	return &Attachment{
		Name:        name,
		Size:        obj.Size,
		ContentType: obj.ContentType,
		UploadedAt:  obj.UploadedAt,
		URL:         obj.URL,
	}, nil
}

// -- Reads --

// Get returns a request with its paid total recomputed from the ledger.
func (s *Service) Get(ctx context.Context, id string) (*StudyRequest, error) {
	req, err := s.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withLedger(ctx, req)
}

func (s *Service) withLedger(ctx context.Context, req *StudyRequest) (*StudyRequest, error) {
	paid, err := s.ledger.PaidTotal(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	applyLedger(req, paid)
	return req, nil
}

func applyLedger(req *StudyRequest, paid float64) {
	req.PaidToDate = paid
	req.PaymentStatus = billing.DeriveStatus(paid, req.BillablePrice())
}

// List returns every request, most recently received first.
func (s *Service) List(ctx context.Context) ([]*StudyRequest, error) {
	reqs, err := s.requests.List(ctx)
	if err != nil {
		return nil, err
	}
	return s.withLedgerAll(ctx, reqs)
}

func (s *Service) ListByPatient(ctx context.Context, patientID string) ([]*StudyRequest, error) {
	reqs, err := s.requests.ListByPatient(ctx, patientID)
	if err != nil {
		return nil, err
	}
	return s.withLedgerAll(ctx, reqs)
}

// Recent returns the limit most recently received requests.
func (s *Service) Recent(ctx context.Context, limit int) ([]*StudyRequest, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	reqs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	if len(reqs) > limit {
		reqs = reqs[:limit]
	}
	return reqs, nil
}

func (s *Service) withLedgerAll(ctx context.Context, reqs []*StudyRequest) ([]*StudyRequest, error) {
	totals, err := s.ledger.PaidTotals(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range reqs {
		applyLedger(r, totals[r.ID])
	}
	return reqs, nil
}

func (s *Service) MacroStudy(ctx context.Context, id string) (*MacroStudy, error) {
	return s.records.GetMacro(ctx, id)
}

func (s *Service) MicroStudy(ctx context.Context, id string) (*MicroStudy, error) {
	return s.records.GetMicro(ctx, id)
}

// -- Reports --

// AggregatePatients derives per-patient totals from a scan of every request,
// busiest patients first.
func (s *Service) AggregatePatients(ctx context.Context) ([]*PatientSummary, error) {
	reqs, err := s.requests.List(ctx)
	if err != nil {
		return nil, err
	}
	byPatient := make(map[string]*PatientSummary)
	var order []*PatientSummary
	for _, r := range reqs {
		if r.PatientID == "" || r.PatientName == "" {
			continue
		}
		p, ok := byPatient[r.PatientID]
		if !ok {
			p = &PatientSummary{
				PatientID:    r.PatientID,
				PatientName:  r.PatientName,
				StudyTypes:   []string{},
				Doctors:      []string{},
				FirstRequest: r.ReceivedAt,
				LastRequest:  r.ReceivedAt,
				Origin:       r.Origin,
			}
			byPatient[r.PatientID] = p
			order = append(order, p)
		}
		p.TotalRequests++
		p.StudyTypes = appendUnique(p.StudyTypes, string(r.StudyType))
		p.Doctors = appendUnique(p.Doctors, r.DoctorName)
		p.TotalAmount += r.BillablePrice()
		if r.ReceivedAt.Before(p.FirstRequest) {
			p.FirstRequest = r.ReceivedAt
		}
		if r.ReceivedAt.After(p.LastRequest) {
			p.LastRequest = r.ReceivedAt
		}
	}
	for _, p := range order {
		p.TotalAmount = roundCents(p.TotalAmount)
		p.AverageAmount = roundCents(p.TotalAmount / float64(p.TotalRequests))
	}
	sort.SliceStable(order, func(i, j int) bool {
		if order[i].TotalRequests != order[j].TotalRequests {
			return order[i].TotalRequests > order[j].TotalRequests
		}
		return order[i].PatientName < order[j].PatientName
	})
	if order == nil {
		order = []*PatientSummary{}
	}
	return order, nil
}

// Dashboard summarizes every request. Income counts finalized requests;
// monthly figures cover requests received in year (the current year when
// zero).
func (s *Service) Dashboard(ctx context.Context, year int) (*Dashboard, error) {
	if year == 0 {
		year = s.now().Year()
	}
	reqs, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	d := &Dashboard{
		TotalRequests: len(reqs),
		ByStage:       make(map[string]int, len(stageNames)),
		ByStudyType:   make(map[string]int),
		Year:          year,
		Monthly:       make([]MonthlyIncome, 12),
	}
	for i := range d.Monthly {
		d.Monthly[i].Month = i + 1
	}
	var incomeCents, outstandingCents int64
	monthCents := make([]int64, 12)
	for _, r := range reqs {
		d.ByStage[r.Stage.Name()]++
		studyType := string(r.StudyType)
		if studyType == "" {
			studyType = "other"
		}
		d.ByStudyType[studyType]++

		price := billing.Cents(r.BillablePrice())
		switch r.Stage {
		case StageFinalized:
			d.Completed++
			incomeCents += price
		case StageMacroscopic, StageMicroscopic:
			d.InProgress++
		default:
			d.Pending++
		}
		if due := price - billing.Cents(r.PaidToDate); due > 0 {
			outstandingCents += due
		}
		if r.ReceivedAt.Year() == year {
			m := int(r.ReceivedAt.Month()) - 1
			d.Monthly[m].Requests++
			monthCents[m] += price
		}
	}
	d.Income = float64(incomeCents) / 100
	d.Outstanding = float64(outstandingCents) / 100
	for i, c := range monthCents {
		d.Monthly[i].Income = float64(c) / 100
	}
	if d.TotalRequests > 0 {
		d.Efficiency = int(math.Round(float64(d.Completed) / float64(d.TotalRequests) * 100))
	}
	return d, nil
}

func appendUnique(list []string, v string) []string {
	if v == "" {
		return list
	}
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func roundCents(v float64) float64 {
	return float64(billing.Cents(v)) / 100
}
