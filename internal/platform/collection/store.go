package collection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/labcase/labcase/internal/platform/apperr"
	"github.com/labcase/labcase/internal/platform/metrics"
	"github.com/labcase/labcase/internal/platform/table"
)

// updateAttempts bounds the internal retry of Update when another writer
// bumps the row version between the read and the conditional write.
const updateAttempts = 3

// Predicate filters rows already fetched by a discriminator scan.
type Predicate func(Row) bool

// Store is the generic get/put/update/scan surface over the shared table.
type Store struct {
	table    table.Table
	resolver *Resolver
	logger   zerolog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the clock used for CreatedAt/UpdatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore builds a store and its resolver over t.
func NewStore(t table.Table, opts ...Option) *Store {
	s := &Store{
		table:  t,
		logger: zerolog.Nop(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With().Str("component", "collection_store").Logger()
	s.resolver = NewResolver(t, s.logger, s.metrics)
	return s
}

// Table exposes the underlying table for health checks and provisioning.
func (s *Store) Table() table.Table { return s.table }

// Now returns the store clock reading.
func (s *Store) Now() time.Time { return s.now() }

// Get returns the row for id in collection.
func (s *Store) Get(ctx context.Context, collection, id string) (Row, error) {
	start := time.Now()
	res, err := s.resolver.Resolve(ctx, collection, id)
	s.metrics.ObserveStoreOp("get", collection, start, err)
	if err != nil {
		return nil, err
	}
	return res.Row, nil
}

// Resolve is Get but also reports the physical key the row lives under.
func (s *Store) Resolve(ctx context.Context, collection, id string) (Resolved, error) {
	return s.resolver.Resolve(ctx, collection, id)
}

// Put writes row under the canonical key "<collection>#<id>". The row must
// carry its logical id. Missing CreatedAt/UpdatedAt/Version are filled in.
func (s *Store) Put(ctx context.Context, collection string, row Row) error {
	start := time.Now()
	err := s.put(ctx, collection, row, nil)
	s.metrics.ObserveStoreOp("put", collection, start, err)
	return err
}

// Create is Put that fails with apperr.ErrConflict when a row already lives
// under the canonical key.
func (s *Store) Create(ctx context.Context, collection string, row Row) error {
	start := time.Now()
	err := s.put(ctx, collection, row, &table.Condition{Version: 0})
	s.metrics.ObserveStoreOp("create", collection, start, err)
	return err
}

func (s *Store) put(ctx context.Context, collection string, row Row, cond *table.Condition) error {
	id := row.ID()
	if id == "" {
		return apperr.Validationf("%s: row has no id", collection)
	}
	key := CanonicalKey(collection, id)
	item := table.Item{}
	for k, v := range row {
		item[k] = v
	}
	item[table.AttrKey] = key.ID
	item[table.AttrCollection] = key.Collection
	item[table.AttrID] = id

	now := FormatTime(s.now())
	if _, ok := item[AttrCreatedAt]; !ok {
		item[AttrCreatedAt] = now
	}
	if _, ok := item[AttrUpdatedAt]; !ok {
		item[AttrUpdatedAt] = now
	}
	if table.VersionOf(item) == 0 {
		item[table.AttrVersion] = 1
	}

	err := s.table.PutItem(ctx, item, cond)
	switch {
	case errors.Is(err, table.ErrConditionFailed):
		return fmt.Errorf("%s %q already exists: %w", collection, id, apperr.ErrConflict)
	case err != nil:
		return apperr.Unavailable("put "+key.String(), err)
	}
	return nil
}

// Update merges fields into the row for id and writes it back under the key
// it was resolved from, so a legacy row is never duplicated under the
// canonical key. The write is a compare-and-swap on Version and is retried a
// few times if another writer got in between.
func (s *Store) Update(ctx context.Context, collection, id string, fields map[string]any) (Row, error) {
	start := time.Now()
	var (
		row Row
		err error
	)
	for attempt := 0; attempt < updateAttempts; attempt++ {
		row, err = s.update(ctx, collection, id, nil, fields)
		if !errors.Is(err, apperr.ErrConflict) {
			break
		}
	}
	s.metrics.ObserveStoreOp("update", collection, start, err)
	return row, err
}

// UpdateIfVersion is Update without the retry: it fails with
// apperr.ErrConflict unless the stored row is still at expected.
func (s *Store) UpdateIfVersion(ctx context.Context, collection, id string, expected int64, fields map[string]any) (Row, error) {
	start := time.Now()
	row, err := s.update(ctx, collection, id, &expected, fields)
	s.metrics.ObserveStoreOp("update_if_version", collection, start, err)
	return row, err
}

func (s *Store) update(ctx context.Context, collection, id string, expected *int64, fields map[string]any) (Row, error) {
	res, err := s.resolver.Resolve(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	current := res.Row.Version()
	if expected != nil && current != *expected {
		return nil, fmt.Errorf("%s %q at version %d, expected %d: %w", collection, id, current, *expected, apperr.ErrConflict)
	}

	item := table.Item{}
	for k, v := range res.Row {
		item[k] = v
	}
	for k, v := range fields {
		switch k {
		case table.AttrKey, table.AttrCollection, table.AttrID, table.AttrVersion:
			continue
		}
		item[k] = v
	}
	item[table.AttrKey] = res.Key.ID
	item[table.AttrCollection] = res.Key.Collection
	item[table.AttrVersion] = current + 1
	item[AttrUpdatedAt] = FormatTime(s.now())

	err = s.table.PutItem(ctx, item, &table.Condition{Version: current})
	switch {
	case errors.Is(err, table.ErrConditionFailed):
		return nil, fmt.Errorf("%s %q: %w", collection, id, apperr.ErrConflict)
	case err != nil:
		return nil, apperr.Unavailable("update "+res.Key.String(), err)
	}
	return Row(item), nil
}

// Scan returns every row of collection accepted by pred (all rows when pred
// is nil). No matches yields an empty slice.
func (s *Store) Scan(ctx context.Context, collection string, pred Predicate) ([]Row, error) {
	start := time.Now()
	items, err := s.table.ScanCollection(ctx, collection)
	if err != nil {
		err = apperr.Unavailable("scan "+collection, err)
		s.metrics.ObserveStoreOp("scan", collection, start, err)
		return nil, err
	}
	out := make([]Row, 0, len(items))
	for _, item := range items {
		row := Row(item)
		if pred == nil || pred(row) {
			out = append(out, row)
		}
	}
	s.metrics.ObserveStoreOp("scan", collection, start, nil)
	return out, nil
}
