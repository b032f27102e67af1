package collection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/labcase/labcase/internal/platform/apperr"
	"github.com/labcase/labcase/internal/platform/table"
	"github.com/labcase/labcase/internal/platform/table/memory"
)

const testCollection = "dbo_Solicitudes"

// flakyTable wraps the memory table and fails selected calls.
type flakyTable struct {
	*memory.Table
	getErr   map[string]error // keyed by Key.ID
	scanErr  error
	getCalls []table.Key
	scans    int
}

func newFlakyTable() *flakyTable {
	return &flakyTable{Table: memory.New(), getErr: map[string]error{}}
}

func (f *flakyTable) GetItem(ctx context.Context, key table.Key) (table.Item, error) {
	f.getCalls = append(f.getCalls, key)
	if err, ok := f.getErr[key.ID]; ok {
		return nil, err
	}
	return f.Table.GetItem(ctx, key)
}

func (f *flakyTable) ScanCollection(ctx context.Context, collection string) ([]table.Item, error) {
	f.scans++
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	return f.Table.ScanCollection(ctx, collection)
}

func seed(t *testing.T, tbl table.Table, physicalKey, id string, extra map[string]any) {
	t.Helper()
	item := table.Item{
		table.AttrKey:        physicalKey,
		table.AttrCollection: testCollection,
	}
	if id != "" {
		item[table.AttrID] = id
	}
	for k, v := range extra {
		item[k] = v
	}
	if err := tbl.PutItem(context.Background(), item, nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func fixedClock() func() time.Time {
	ts := time.Date(2025, 9, 15, 10, 0, 0, 0, time.UTC)
	return func() time.Time { return ts }
}

// -- Resolver --

func TestResolver_Canonical(t *testing.T) {
	tbl := newFlakyTable()
	seed(t, tbl, testCollection+"#SOL-1", "SOL-1", nil)
	r := NewResolver(tbl, zerolog.Nop(), nil)

	res, err := r.Resolve(context.Background(), testCollection, "SOL-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Key.ID != testCollection+"#SOL-1" {
		t.Errorf("expected canonical key, got %s", res.Key.ID)
	}
	if len(tbl.getCalls) != 1 || tbl.scans != 0 {
		t.Errorf("expected a single point lookup, got %d gets and %d scans", len(tbl.getCalls), tbl.scans)
	}
}

func TestResolver_LegacyBareID(t *testing.T) {
	tbl := newFlakyTable()
	seed(t, tbl, "SOL-legacy", "SOL-legacy", map[string]any{"PrecioEstudio": 1200})
	r := NewResolver(tbl, zerolog.Nop(), nil)

	res, err := r.Resolve(context.Background(), testCollection, "SOL-legacy")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Key.ID != "SOL-legacy" {
		t.Errorf("expected legacy key, got %s", res.Key.ID)
	}
	if res.Row.Float("PrecioEstudio") != 1200 {
		t.Errorf("expected price 1200, got %v", res.Row.Float("PrecioEstudio"))
	}
	if tbl.scans != 0 {
		t.Errorf("legacy point lookup should avoid the scan, got %d scans", tbl.scans)
	}
}

func TestResolver_ScanFallback(t *testing.T) {
	tbl := newFlakyTable()
	// Written under an unrelated physical key; only the Id attribute matches.
	seed(t, tbl, "import-2019-0042", "SOL-scan", nil)
	r := NewResolver(tbl, zerolog.Nop(), nil)

	res, err := r.Resolve(context.Background(), testCollection, "SOL-scan")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Key.ID != "import-2019-0042" {
		t.Errorf("expected scanned key, got %s", res.Key.ID)
	}
}

func TestResolver_ScanMatchesLowercaseID(t *testing.T) {
	tbl := newFlakyTable()
	seed(t, tbl, "x-1", "", map[string]any{"id": "SOL-lower"})
	r := NewResolver(tbl, zerolog.Nop(), nil)

	if _, err := r.Resolve(context.Background(), testCollection, "SOL-lower"); err != nil {
		t.Fatalf("expected lowercase id attribute to resolve, got %v", err)
	}
}

func TestResolver_TransportErrorFallsThrough(t *testing.T) {
	tbl := newFlakyTable()
	seed(t, tbl, "SOL-2", "SOL-2", nil)
	tbl.getErr[testCollection+"#SOL-2"] = errors.New("connection reset")
	r := NewResolver(tbl, zerolog.Nop(), nil)

	res, err := r.Resolve(context.Background(), testCollection, "SOL-2")
	if err != nil {
		t.Fatalf("expected degraded lookup to succeed, got %v", err)
	}
	if res.Key.ID != "SOL-2" {
		t.Errorf("expected legacy key, got %s", res.Key.ID)
	}
}

func TestResolver_AllStrategiesFail(t *testing.T) {
	tbl := newFlakyTable()
	tbl.getErr[testCollection+"#SOL-3"] = errors.New("timeout")
	tbl.getErr["SOL-3"] = errors.New("timeout")
	tbl.scanErr = errors.New("throttled")
	r := NewResolver(tbl, zerolog.Nop(), nil)

	_, err := r.Resolve(context.Background(), testCollection, "SOL-3")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if tbl.scans != 1 {
		t.Errorf("expected the scan to run after point lookups failed, got %d", tbl.scans)
	}
}

func TestResolver_NotFound(t *testing.T) {
	r := NewResolver(newFlakyTable(), zerolog.Nop(), nil)
	_, err := r.Resolve(context.Background(), testCollection, "SOL-missing")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestResolver_EmptyID(t *testing.T) {
	tbl := newFlakyTable()
	r := NewResolver(tbl, zerolog.Nop(), nil)
	if _, err := r.Resolve(context.Background(), testCollection, ""); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(tbl.getCalls) != 0 {
		t.Error("empty id should not reach the table")
	}
}

func TestResolver_CanceledContext(t *testing.T) {
	tbl := newFlakyTable()
	r := NewResolver(tbl, zerolog.Nop(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Resolve(ctx, testCollection, "SOL-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if tbl.scans != 0 {
		t.Error("canceled lookup should not fall through to the scan")
	}
}

// -- Store --

func TestStore_PutUsesCanonicalKey(t *testing.T) {
	tbl := newFlakyTable()
	s := NewStore(tbl, WithClock(fixedClock()))

	err := s.Put(context.Background(), testCollection, Row{table.AttrID: "SOL-9", "Estatus": "Iniciado"})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	item, _ := tbl.Table.GetItem(context.Background(), CanonicalKey(testCollection, "SOL-9"))
	if item == nil {
		t.Fatal("expected row under canonical key")
	}
	if table.VersionOf(item) != 1 {
		t.Errorf("expected version 1, got %d", table.VersionOf(item))
	}
	if item[AttrCreatedAt] != "2025-09-15T10:00:00Z" {
		t.Errorf("expected CreatedAt stamped from clock, got %v", item[AttrCreatedAt])
	}
}

func TestStore_PutKeepsCallerCreatedAt(t *testing.T) {
	tbl := newFlakyTable()
	s := NewStore(tbl, WithClock(fixedClock()))
	_ = s.Put(context.Background(), testCollection, Row{table.AttrID: "SOL-10", AttrCreatedAt: "2019-01-01"})
	row, _ := s.Get(context.Background(), testCollection, "SOL-10")
	if row.String(AttrCreatedAt) != "2019-01-01" {
		t.Errorf("expected business CreatedAt preserved, got %s", row.String(AttrCreatedAt))
	}
}

func TestStore_PutRequiresID(t *testing.T) {
	s := NewStore(newFlakyTable())
	err := s.Put(context.Background(), testCollection, Row{"Estatus": "x"})
	if !errors.Is(err, apperr.ErrValidationFailed) {
		t.Fatalf("expected ErrValidationFailed, got %v", err)
	}
}

func TestStore_CreateOnlyOnce(t *testing.T) {
	tbl := newFlakyTable()
	s := NewStore(tbl, WithClock(fixedClock()))
	ctx := context.Background()

	if err := s.Create(ctx, testCollection, Row{table.AttrID: "SOL-c", "Estatus": "first"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	err := s.Create(ctx, testCollection, Row{table.AttrID: "SOL-c", "Estatus": "second"})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected ErrConflict on second create, got %v", err)
	}
	row, _ := s.Get(ctx, testCollection, "SOL-c")
	if row.String("Estatus") != "first" || row.Version() != 1 {
		t.Errorf("existing row must be left alone, got %v", row)
	}
}

func TestStore_UpdatePreservesLegacyKey(t *testing.T) {
	tbl := newFlakyTable()
	seed(t, tbl, "SOL-old", "SOL-old", map[string]any{"Factura": ""})
	s := NewStore(tbl, WithClock(fixedClock()))

	row, err := s.Update(context.Background(), testCollection, "SOL-old", map[string]any{"Factura": "F-100"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if row.String("Factura") != "F-100" {
		t.Errorf("expected merged field, got %s", row.String("Factura"))
	}
	if tbl.Len() != 1 {
		t.Fatalf("update created a duplicate row: %d rows", tbl.Len())
	}
	canonical, _ := tbl.Table.GetItem(context.Background(), CanonicalKey(testCollection, "SOL-old"))
	if canonical != nil {
		t.Error("update must not write under the canonical key when a legacy row exists")
	}
	if row.Version() != 1 {
		t.Errorf("expected legacy version 0 bumped to 1, got %d", row.Version())
	}
}

func TestStore_UpdateIgnoresKeyFields(t *testing.T) {
	tbl := newFlakyTable()
	s := NewStore(tbl)
	_ = s.Put(context.Background(), testCollection, Row{table.AttrID: "SOL-k"})

	_, err := s.Update(context.Background(), testCollection, "SOL-k", map[string]any{
		table.AttrKey: "hijack", table.AttrID: "other", "Factura": "F-1",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	row, err := s.Get(context.Background(), testCollection, "SOL-k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if row.ID() != "SOL-k" || row.String(table.AttrKey) != testCollection+"#SOL-k" {
		t.Errorf("key attributes changed: %v", row)
	}
}

func TestStore_UpdateNotFound(t *testing.T) {
	s := NewStore(newFlakyTable())
	_, err := s.Update(context.Background(), testCollection, "SOL-none", map[string]any{"Factura": "x"})
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestStore_UpdateIfVersion(t *testing.T) {
	tbl := newFlakyTable()
	s := NewStore(tbl)
	ctx := context.Background()
	_ = s.Put(ctx, testCollection, Row{table.AttrID: "SOL-v"})

	row, err := s.UpdateIfVersion(ctx, testCollection, "SOL-v", 1, map[string]any{"TotalPagado": 10})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}
	if row.Version() != 2 {
		t.Errorf("expected version 2, got %d", row.Version())
	}

	_, err = s.UpdateIfVersion(ctx, testCollection, "SOL-v", 1, map[string]any{"TotalPagado": 20})
	if !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("expected ErrConflict on stale version, got %v", err)
	}
	current, _ := s.Get(ctx, testCollection, "SOL-v")
	if current.Float("TotalPagado") != 10 {
		t.Errorf("stale write must not apply, got %v", current.Float("TotalPagado"))
	}
}

func TestStore_ScanFilters(t *testing.T) {
	tbl := newFlakyTable()
	s := NewStore(tbl)
	ctx := context.Background()
	_ = s.Put(ctx, testCollection, Row{table.AttrID: "A", "PacienteId": "PAC-1"})
	_ = s.Put(ctx, testCollection, Row{table.AttrID: "B", "PacienteId": "PAC-2"})
	_ = s.Put(ctx, "dbo_Pagos", Row{table.AttrID: "C", "PacienteId": "PAC-1"})

	rows, err := s.Scan(ctx, testCollection, func(r Row) bool { return r.String("PacienteId") == "PAC-1" })
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(rows) != 1 || rows[0].ID() != "A" {
		t.Errorf("expected only A, got %v", rows)
	}

	none, err := s.Scan(ctx, testCollection, func(Row) bool { return false })
	if err != nil || none == nil || len(none) != 0 {
		t.Errorf("expected empty non-nil slice, got %v (err %v)", none, err)
	}
}

func TestStore_ScanTransportError(t *testing.T) {
	tbl := newFlakyTable()
	tbl.scanErr = errors.New("network down")
	s := NewStore(tbl)
	_, err := s.Scan(context.Background(), testCollection, nil)
	if !errors.Is(err, apperr.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
}

// -- Row --

func TestRow_Accessors(t *testing.T) {
	r := Row{
		"Nombre":        "Ana",
		"precioEstudio": "4500.50",
		"EsMaligno":     "true",
		"Fecha":         "2025-09-15",
		"Archivos":      []any{map[string]any{"url": "u"}},
	}
	if r.String("Nombre", "nombre") != "Ana" {
		t.Error("expected exact-name lookup")
	}
	if r.Float("PrecioEstudio") != 4500.50 {
		t.Errorf("expected case-insensitive numeric string parse, got %v", r.Float("PrecioEstudio"))
	}
	if !r.Bool("EsMaligno") {
		t.Error("expected string boolean")
	}
	if got := r.Time("Fecha"); got.Year() != 2025 || got.Month() != time.September {
		t.Errorf("expected date parse, got %v", got)
	}
	if len(r.List("Archivos")) != 1 {
		t.Error("expected list attribute")
	}
	if r.TimePtr("Missing") != nil {
		t.Error("expected nil time for missing attribute")
	}
}
