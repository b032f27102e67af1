package identity

import "context"

type PatientRepository interface {
	Create(ctx context.Context, p *Patient) error
	GetByID(ctx context.Context, id string) (*Patient, error)
	Update(ctx context.Context, id string, u PatientUpdate) (*Patient, error)
	List(ctx context.Context) ([]*Patient, error)
	// Search matches term case-insensitively against the name, surnames,
	// phone, email, address and id. An empty term lists every patient.
	Search(ctx context.Context, term string) ([]*Patient, error)
	SearchByPhone(ctx context.Context, phone string) ([]*Patient, error)
	// FindByExactName returns the oldest patient whose normalized full name
	// equals name, or an error matching apperr.ErrNotFound.
	FindByExactName(ctx context.Context, name string) (*Patient, error)
}

type DoctorRepository interface {
	Create(ctx context.Context, d *Doctor) error
	GetByID(ctx context.Context, id string) (*Doctor, error)
	List(ctx context.Context) ([]*Doctor, error)
	Search(ctx context.Context, term string) ([]*Doctor, error)
	FindByExactName(ctx context.Context, name string) (*Doctor, error)
}
