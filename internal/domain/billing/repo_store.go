package billing

import (
	"context"
	"fmt"
	"sort"

	"github.com/labcase/labcase/internal/platform/collection"
)

// -- Payment Repository --

type paymentRepoStore struct {
	store *collection.Store
}

func NewPaymentRepo(store *collection.Store) PaymentRepository {
	return &paymentRepoStore{store: store}
}

func (r *paymentRepoStore) Create(ctx context.Context, p *Payment) error {
	if err := r.store.Put(ctx, PaymentCollection, paymentRow(p)); err != nil {
		return fmt.Errorf("create payment: %w", err)
	}
	return nil
}

func (r *paymentRepoStore) ListByStudyRequest(ctx context.Context, studyRequestID string) ([]*Payment, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Payment, 0)
	for _, p := range all {
		if p.StudyRequestID == studyRequestID {
			out = append(out, p)
		}
	}
	return out, nil
}

// List returns every payment, legacy aggregate entries included, ordered by
// date.
func (r *paymentRepoStore) List(ctx context.Context) ([]*Payment, error) {
	rows, err := r.store.Scan(ctx, PaymentCollection, nil)
	if err != nil {
		return nil, fmt.Errorf("scan payments: %w", err)
	}
	var out []*Payment
	for _, row := range rows {
		out = append(out, paymentsFromRow(row)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// -- Charge Repository --

type chargeRepoStore struct {
	store *collection.Store
}

func NewChargeRepo(store *collection.Store) ChargeRepository {
	return &chargeRepoStore{store: store}
}

func (r *chargeRepoStore) Get(ctx context.Context, studyRequestID string) (*Charge, error) {
	row, err := r.store.Get(ctx, requestCollection, studyRequestID)
	if err != nil {
		return nil, fmt.Errorf("get study request: %w", err)
	}
	return chargeFromRow(row), nil
}

func (r *chargeRepoStore) List(ctx context.Context) ([]*Charge, error) {
	rows, err := r.store.Scan(ctx, requestCollection, nil)
	if err != nil {
		return nil, fmt.Errorf("scan study requests: %w", err)
	}
	out := make([]*Charge, 0, len(rows))
	for _, row := range rows {
		if c := chargeFromRow(row); c.StudyRequestID != "" {
			out = append(out, c)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	return out, nil
}

func (r *chargeRepoStore) CommitPaid(ctx context.Context, studyRequestID string, version int64, paid float64, status string) error {
	_, err := r.store.UpdateIfVersion(ctx, requestCollection, studyRequestID, version, map[string]any{
		"TotalPagado": paid,
		"EstatusPago": status,
	})
	if err != nil {
		return fmt.Errorf("commit paid total: %w", err)
	}
	return nil
}

func (r *chargeRepoStore) SetInvoice(ctx context.Context, studyRequestID, invoice string) error {
	if _, err := r.store.Update(ctx, requestCollection, studyRequestID, map[string]any{"Factura": invoice}); err != nil {
		return fmt.Errorf("set invoice: %w", err)
	}
	return nil
}
