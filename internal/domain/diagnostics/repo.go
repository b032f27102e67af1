package diagnostics

import (
	"context"
	"time"
)

type StudyRequestRepository interface {
	Create(ctx context.Context, r *StudyRequest) error
	GetByID(ctx context.Context, id string) (*StudyRequest, error)
	List(ctx context.Context) ([]*StudyRequest, error)
	ListByPatient(ctx context.Context, patientID string) ([]*StudyRequest, error)
	// Advance moves the request to stage if it is still at version, failing
	// with apperr.ErrConflict otherwise. artifact is only stored when
	// finalizing.
	Advance(ctx context.Context, id string, version int64, stage Stage, at time.Time, artifact *Attachment) (*StudyRequest, error)
	SetSpecialStudy(ctx context.Context, id string, special bool, price float64) (*StudyRequest, error)
	SetInvoiceFile(ctx context.Context, id string, artifact *Attachment) (*StudyRequest, error)
}

// StudyRecordRepository stores the per-stage sub-records of a request under
// keys derived from the request id.
type StudyRecordRepository interface {
	// CreateMacro fails with apperr.ErrConflict when the request already has
	// a macroscopic record.
	CreateMacro(ctx context.Context, m *MacroStudy) error
	// ReplaceMacro overwrites the record if it is still at version.
	ReplaceMacro(ctx context.Context, m *MacroStudy, version int64) error
	GetMacro(ctx context.Context, requestID string) (*MacroStudy, error)
	CreateMicro(ctx context.Context, m *MicroStudy) error
	ReplaceMicro(ctx context.Context, m *MicroStudy, version int64) error
	GetMicro(ctx context.Context, requestID string) (*MicroStudy, error)
}
