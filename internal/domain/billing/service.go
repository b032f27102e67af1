package billing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"

	"github.com/labcase/labcase/internal/platform/apperr"
	"github.com/labcase/labcase/internal/platform/ids"
	"github.com/labcase/labcase/internal/platform/metrics"
)

// DefaultCommitRetries bounds the read-recompute-write cycle that commits the
// cached paid total onto a study request.
const DefaultCommitRetries = 5

// AdvanceDescription marks the payment booked for the advance taken when a
// request is registered.
const AdvanceDescription = "Anticipo"

// MaxAmount bounds every monetary amount accepted from a caller so it always
// fits the ledger's integer cents.
const MaxAmount = 1e12

// AmountRule rejects NaN, infinities and magnitudes above MaxAmount.
var AmountRule = validation.By(checkAmount)

func checkAmount(v any) error {
	f, ok := v.(float64)
	if !ok {
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return errors.New("must be a finite number")
	}
	if math.Abs(f) > MaxAmount {
		return fmt.Errorf("must not exceed %.0f", MaxAmount)
	}
	return nil
}

type Service struct {
	payments PaymentRepository
	charges  ChargeRepository

	locks         *keyedMutex
	ids           *ids.Generator
	now           func() time.Time
	commitRetries int
	logger        zerolog.Logger
	metrics       *metrics.Recorder
}

func NewService(payments PaymentRepository, charges ChargeRepository) *Service {
	s := &Service{
		payments:      payments,
		charges:       charges,
		locks:         newKeyedMutex(),
		now:           time.Now,
		commitRetries: DefaultCommitRetries,
		logger:        zerolog.Nop(),
	}
	s.ids = ids.NewGenerator(func() time.Time { return s.now() })
	return s
}

// SetLogger attaches a logger.
func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "ledger").Logger()
}

// SetMetrics attaches an optional metrics recorder.
func (s *Service) SetMetrics(m *metrics.Recorder) { s.metrics = m }

// SetCommitRetries overrides DefaultCommitRetries. Values below 1 are ignored.
func (s *Service) SetCommitRetries(n int) {
	if n >= 1 {
		s.commitRetries = n
	}
}

// SetClock overrides the clock used for payment dates.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// -- Payments --

// RegisterPayment appends a payment to the ledger of a study request and
// refreshes the request's cached paid total and status. The balance check
// recomputes the paid total from the ledger; the cached field is never
// trusted. Once the payment row is written the call succeeds even if the
// cached projection could not be committed, since reads recompute it.
func (s *Service) RegisterPayment(ctx context.Context, in PaymentInput) (*Payment, error) {
	method, err := validatePayment(in)
	if err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(in.StudyRequestID)
	defer unlock()

	charge, err := s.charges.Get(ctx, in.StudyRequestID)
	if err != nil {
		return nil, err
	}
	paid, err := s.PaidTotal(ctx, in.StudyRequestID)
	if err != nil {
		return nil, err
	}
	if Cents(in.Amount) > Cents(charge.Price)-Cents(paid) {
		return nil, &apperr.BalanceError{Price: charge.Price, Paid: paid, Amount: in.Amount}
	}

	p := &Payment{
		ID:             s.ids.New(ids.Payment),
		StudyRequestID: in.StudyRequestID,
		Amount:         fromCents(Cents(in.Amount)),
		Method:         method,
		Date:           s.now().UTC(),
		Description:    strings.TrimSpace(in.Description),
	}
	if err := s.payments.Create(ctx, p); err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("study_request_id", p.StudyRequestID).
		Str("payment_id", p.ID).
		Float64("amount", p.Amount).
		Str("method", string(p.Method)).
		Msg("payment registered")

	if _, _, err := s.commit(ctx, in.StudyRequestID); err != nil {
		s.logger.Warn().Err(err).Str("study_request_id", in.StudyRequestID).
			Msg("payment written but cached paid total not committed")
	}
	return p, nil
}

// RecordAdvance books the advance taken at registration as the first ledger
// payment. A zero advance books nothing.
func (s *Service) RecordAdvance(ctx context.Context, studyRequestID string, amount float64, method string) (*Payment, error) {
	if checkAmount(amount) == nil && Cents(amount) <= 0 {
		return nil, nil
	}
	if method == "" {
		method = string(MethodCash)
	}
	return s.RegisterPayment(ctx, PaymentInput{
		StudyRequestID: studyRequestID,
		Amount:         amount,
		Method:         method,
		Description:    AdvanceDescription,
	})
}

func validatePayment(in PaymentInput) (Method, error) {
	var method Method
	err := validation.Errors{
		"study_request_id": validation.Validate(in.StudyRequestID, validation.Required),
		"amount": validation.Validate(in.Amount,
			validation.Required.Error("must be greater than zero"),
			validation.Min(0.01).Error("must be greater than zero"),
			AmountRule),
		"method": validation.Validate(in.Method, validation.Required, validation.By(func(v any) error {
			m, ok := ParseMethod(v.(string))
			if !ok {
				return errors.New("must be one of cash, card, transfer, receipt")
			}
			method = m
			return nil
		})),
	}.Filter()
	if err != nil {
		return "", apperr.Validation(err)
	}
	return method, nil
}

// GetPayments returns the ledger of a study request ordered by date.
func (s *Service) GetPayments(ctx context.Context, studyRequestID string) ([]*Payment, error) {
	return s.payments.ListByStudyRequest(ctx, studyRequestID)
}

// PaidTotal recomputes the paid total of a study request from its ledger.
func (s *Service) PaidTotal(ctx context.Context, studyRequestID string) (float64, error) {
	payments, err := s.payments.ListByStudyRequest(ctx, studyRequestID)
	if err != nil {
		return 0, err
	}
	return SumPayments(payments), nil
}

// PaidTotals recomputes the paid total of every study request with at least
// one payment, in a single scan.
func (s *Service) PaidTotals(ctx context.Context) (map[string]float64, error) {
	payments, err := s.payments.List(ctx)
	if err != nil {
		return nil, err
	}
	cents := make(map[string]int64)
	for _, p := range payments {
		cents[p.StudyRequestID] += Cents(p.Amount)
	}
	out := make(map[string]float64, len(cents))
	for id, c := range cents {
		out[id] = fromCents(c)
	}
	return out, nil
}

// UpdateInvoiceNumber sets the invoice number of a study request. A blank
// number clears it. It does not touch the ledger.
func (s *Service) UpdateInvoiceNumber(ctx context.Context, studyRequestID, invoice string) error {
	invoice = strings.TrimSpace(invoice)
	if err := validation.Validate(invoice, validation.Length(0, 64)); err != nil {
		return apperr.Validation(fmt.Errorf("invoice: %w", err))
	}
	return s.charges.SetInvoice(ctx, studyRequestID, invoice)
}

// -- Accounts --

// Accounts lists every study request with its payments and the paid total
// and status recomputed from the ledger.
func (s *Service) Accounts(ctx context.Context) ([]*Account, error) {
	charges, err := s.charges.List(ctx)
	if err != nil {
		return nil, err
	}
	payments, err := s.payments.List(ctx)
	if err != nil {
		return nil, err
	}
	byRequest := make(map[string][]*Payment)
	for _, p := range payments {
		byRequest[p.StudyRequestID] = append(byRequest[p.StudyRequestID], p)
	}

	out := make([]*Account, 0, len(charges))
	for _, c := range charges {
		ledger := byRequest[c.StudyRequestID]
		if ledger == nil {
			ledger = []*Payment{}
		}
		paid := SumPayments(ledger)
		outstanding := fromCents(Cents(c.Price) - Cents(paid))
		if outstanding < 0 {
			outstanding = 0
		}
		out = append(out, &Account{
			StudyRequestID: c.StudyRequestID,
			PatientName:    c.PatientName,
			StudyType:      c.StudyType,
			ReceivedAt:     c.ReceivedAt,
			Price:          c.Price,
			PaidToDate:     paid,
			Outstanding:    outstanding,
			PaymentStatus:  DeriveStatus(paid, c.Price),
			Invoice:        c.Invoice,
			Payments:       ledger,
		})
	}
	return out, nil
}

// Reconcile rewrites the cached paid total and status of every study request
// whose projection disagrees with its ledger.
func (s *Service) Reconcile(ctx context.Context) (*ReconcileReport, error) {
	charges, err := s.charges.List(ctx)
	if err != nil {
		return nil, err
	}
	totals, err := s.PaidTotals(ctx)
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{}
	for _, c := range charges {
		report.Checked++
		paid := totals[c.StudyRequestID]
		if Cents(paid) == Cents(c.CachedPaid) && DeriveStatus(paid, c.Price) == c.CachedStatus {
			continue
		}
		unlock := s.locks.Lock(c.StudyRequestID)
		_, changed, err := s.commit(ctx, c.StudyRequestID)
		unlock()
		if err != nil {
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			s.logger.Warn().Err(err).Str("study_request_id", c.StudyRequestID).Msg("reconcile failed")
			report.Failed = append(report.Failed, c.StudyRequestID)
			continue
		}
		if changed {
			report.Updated++
		}
	}
	s.logger.Info().Int("checked", report.Checked).Int("updated", report.Updated).
		Int("failed", len(report.Failed)).Msg("ledger reconciled")
	return report, nil
}

// commit recomputes the paid total from the ledger and writes it with the
// derived status onto the request, retrying on version conflicts. It reports
// the committed total and whether anything was written.
func (s *Service) commit(ctx context.Context, studyRequestID string) (float64, bool, error) {
	var lastErr error
	for attempt := 0; attempt < s.commitRetries; attempt++ {
		if attempt > 0 {
			s.metrics.LedgerCommitRetry()
		}
		charge, err := s.charges.Get(ctx, studyRequestID)
		if err != nil {
			return 0, false, err
		}
		paid, err := s.PaidTotal(ctx, studyRequestID)
		if err != nil {
			return 0, false, err
		}
		status := DeriveStatus(paid, charge.Price)
		if Cents(paid) == Cents(charge.CachedPaid) && status == charge.CachedStatus {
			return paid, false, nil
		}
		err = s.charges.CommitPaid(ctx, studyRequestID, charge.Version, paid, status)
		if err == nil {
			return paid, true, nil
		}
		if !errors.Is(err, apperr.ErrConflict) {
			return 0, false, err
		}
		lastErr = err
	}
	return 0, false, fmt.Errorf("commit %s after %d attempts: %w", studyRequestID, s.commitRetries, lastErr)
}
