package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/labcase/labcase/internal/platform/apperr"
	"github.com/labcase/labcase/internal/platform/collection"
	"github.com/labcase/labcase/internal/platform/table"
)

// -- StudyRequest Repository --

type studyRequestRepoStore struct {
	store *collection.Store
}

func NewStudyRequestRepo(store *collection.Store) StudyRequestRepository {
	return &studyRequestRepoStore{store: store}
}

func (r *studyRequestRepoStore) Create(ctx context.Context, req *StudyRequest) error {
	if err := r.store.Put(ctx, RequestCollection, studyRequestRow(req)); err != nil {
		return fmt.Errorf("create study request: %w", err)
	}
	req.Version = 1
	return nil
}

func (r *studyRequestRepoStore) GetByID(ctx context.Context, id string) (*StudyRequest, error) {
	row, err := r.store.Get(ctx, RequestCollection, id)
	if err != nil {
		return nil, fmt.Errorf("get study request: %w", err)
	}
	return studyRequestFromRow(row), nil
}

// List returns every request, most recently received first.
func (r *studyRequestRepoStore) List(ctx context.Context) ([]*StudyRequest, error) {
	return r.scan(ctx, nil)
}

func (r *studyRequestRepoStore) ListByPatient(ctx context.Context, patientID string) ([]*StudyRequest, error) {
	return r.scan(ctx, func(row collection.Row) bool {
		return row.String("PacienteId", "pacienteId") == patientID
	})
}

func (r *studyRequestRepoStore) scan(ctx context.Context, pred collection.Predicate) ([]*StudyRequest, error) {
	rows, err := r.store.Scan(ctx, RequestCollection, pred)
	if err != nil {
		return nil, fmt.Errorf("scan study requests: %w", err)
	}
	out := make([]*StudyRequest, 0, len(rows))
	for _, row := range rows {
		if req := studyRequestFromRow(row); req.ID != "" {
			out = append(out, req)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (r *studyRequestRepoStore) Advance(ctx context.Context, id string, version int64, stage Stage, at time.Time, artifact *Attachment) (*StudyRequest, error) {
	fields := map[string]any{
		"IdEstatusEstudio": int(stage),
		"Estatus":          stage.Label(),
	}
	switch stage {
	case StageMacroscopic:
		fields["FechaMacro"] = collection.FormatTime(at)
	case StageMicroscopic:
		fields["FechaMicro"] = collection.FormatTime(at)
	case StageFinalized:
		fields["FechaFinalizado"] = collection.FormatTime(at)
		if artifact != nil {
			fields["ArchivoDefinitivo"] = attachmentMap(artifact)
		}
	}
	row, err := r.store.UpdateIfVersion(ctx, RequestCollection, id, version, fields)
	if err != nil {
		return nil, fmt.Errorf("advance study request: %w", err)
	}
	return studyRequestFromRow(row), nil
}

func (r *studyRequestRepoStore) SetSpecialStudy(ctx context.Context, id string, special bool, price float64) (*StudyRequest, error) {
	row, err := r.store.Update(ctx, RequestCollection, id, map[string]any{
		"EstudioEspecial":       special,
		"PrecioEstudioEspecial": price,
	})
	if err != nil {
		return nil, fmt.Errorf("set special study: %w", err)
	}
	return studyRequestFromRow(row), nil
}

func (r *studyRequestRepoStore) SetInvoiceFile(ctx context.Context, id string, artifact *Attachment) (*StudyRequest, error) {
	row, err := r.store.Update(ctx, RequestCollection, id, map[string]any{
		"ArchivoFactura": attachmentMap(artifact),
	})
	if err != nil {
		return nil, fmt.Errorf("set invoice file: %w", err)
	}
	return studyRequestFromRow(row), nil
}

// -- Study Record Repository --

type studyRecordRepoStore struct {
	store *collection.Store
}

func NewStudyRecordRepo(store *collection.Store) StudyRecordRepository {
	return &studyRecordRepoStore{store: store}
}

func (r *studyRecordRepoStore) CreateMacro(ctx context.Context, m *MacroStudy) error {
	if err := r.store.Create(ctx, MacroCollection, macroRow(m)); err != nil {
		return fmt.Errorf("create macroscopic study: %w", err)
	}
	return nil
}

func (r *studyRecordRepoStore) ReplaceMacro(ctx context.Context, m *MacroStudy, version int64) error {
	if _, err := r.store.UpdateIfVersion(ctx, MacroCollection, m.RequestID, version, macroRow(m)); err != nil {
		return fmt.Errorf("replace macroscopic study: %w", err)
	}
	return nil
}

func (r *studyRecordRepoStore) GetMacro(ctx context.Context, requestID string) (*MacroStudy, error) {
	row, err := r.get(ctx, MacroCollection, legacyMacroPrefix, requestID)
	if err != nil {
		return nil, fmt.Errorf("get macroscopic study: %w", err)
	}
	return macroFromRow(row), nil
}

func (r *studyRecordRepoStore) CreateMicro(ctx context.Context, m *MicroStudy) error {
	if err := r.store.Create(ctx, MicroCollection, microRow(m)); err != nil {
		return fmt.Errorf("create microscopic study: %w", err)
	}
	return nil
}

func (r *studyRecordRepoStore) ReplaceMicro(ctx context.Context, m *MicroStudy, version int64) error {
	if _, err := r.store.UpdateIfVersion(ctx, MicroCollection, m.RequestID, version, microRow(m)); err != nil {
		return fmt.Errorf("replace microscopic study: %w", err)
	}
	return nil
}

func (r *studyRecordRepoStore) GetMicro(ctx context.Context, requestID string) (*MicroStudy, error) {
	row, err := r.get(ctx, MicroCollection, legacyMicroPrefix, requestID)
	if err != nil {
		return nil, fmt.Errorf("get microscopic study: %w", err)
	}
	return microFromRow(row), nil
}

// get resolves a sub-record by request id. Rows written before sub-records
// carried an Id are found by scanning for their SolicitudId or legacy key.
func (r *studyRecordRepoStore) get(ctx context.Context, coll, legacyPrefix, requestID string) (collection.Row, error) {
	row, err := r.store.Get(ctx, coll, requestID)
	if err == nil {
		return row, nil
	}
	if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}
	rows, err := r.store.Scan(ctx, coll, func(row collection.Row) bool {
		return row.String(table.AttrKey) == legacyPrefix+requestID ||
			row.String("SolicitudId", "solicitudId") == requestID
	})
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%s %q: %w", coll, requestID, apperr.ErrNotFound)
	}
	latest := rows[0]
	for _, row := range rows[1:] {
		if row.Time(collection.AttrUpdatedAt).After(latest.Time(collection.AttrUpdatedAt)) {
			latest = row
		}
	}
	return latest, nil
}
