package billing

import "context"

type PaymentRepository interface {
	Create(ctx context.Context, p *Payment) error
	ListByStudyRequest(ctx context.Context, studyRequestID string) ([]*Payment, error)
	List(ctx context.Context) ([]*Payment, error)
}

// ChargeRepository reads study requests for billing and writes the cached
// payment projection back onto them.
type ChargeRepository interface {
	Get(ctx context.Context, studyRequestID string) (*Charge, error)
	List(ctx context.Context) ([]*Charge, error)
	// CommitPaid writes the paid total and status if the request is still at
	// version, failing with apperr.ErrConflict otherwise.
	CommitPaid(ctx context.Context, studyRequestID string, version int64, paid float64, status string) error
	SetInvoice(ctx context.Context, studyRequestID, invoice string) error
}
