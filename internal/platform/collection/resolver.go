// Package collection emulates logical collections on top of the single
// physical table. The Resolver finds rows whose physical key was written in
// either the canonical or a legacy encoding; the Store is the only component
// that talks to table.Table.
package collection

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/labcase/labcase/internal/platform/apperr"
	"github.com/labcase/labcase/internal/platform/metrics"
	"github.com/labcase/labcase/internal/platform/table"
)

// Resolver strategy names, also used as metric labels.
const (
	StrategyCanonical = "canonical"
	StrategyLegacy    = "legacy"
	StrategyScan      = "scan"
)

// Resolved is a row together with the physical key it was found under.
type Resolved struct {
	Key table.Key
	Row Row
}

// CanonicalKey is the key every new write uses: "<collection>#<id>".
func CanonicalKey(collection, id string) table.Key {
	return table.Key{ID: collection + "#" + id, Collection: collection}
}

// LegacyKey is the bare-id key some historical rows were written under.
func LegacyKey(collection, id string) table.Key {
	return table.Key{ID: id, Collection: collection}
}

// Resolver looks a logical id up across the known key encodings, cheapest
// first: canonical point get, legacy point get, then a discriminator scan.
// A transport error on one strategy is logged and the next one still runs.
type Resolver struct {
	table   table.Table
	logger  zerolog.Logger
	metrics *metrics.Recorder
}

// NewResolver builds a resolver over t.
func NewResolver(t table.Table, logger zerolog.Logger, m *metrics.Recorder) *Resolver {
	return &Resolver{
		table:   t,
		logger:  logger.With().Str("component", "resolver").Logger(),
		metrics: m,
	}
}

// Resolve returns the row for (collection, id) or an error matching
// apperr.ErrNotFound once every strategy is exhausted. Only context
// cancellation short-circuits the chain.
func (r *Resolver) Resolve(ctx context.Context, collection, id string) (Resolved, error) {
	if id == "" {
		return Resolved{}, fmt.Errorf("%s: empty id: %w", collection, apperr.ErrNotFound)
	}

	for _, s := range []struct {
		name string
		key  table.Key
	}{
		{StrategyCanonical, CanonicalKey(collection, id)},
		{StrategyLegacy, LegacyKey(collection, id)},
	} {
		item, err := r.table.GetItem(ctx, s.key)
		if cerr := ctx.Err(); cerr != nil {
			return Resolved{}, cerr
		}
		if err != nil {
			r.strategyFailed(s.name, collection, id, err)
			continue
		}
		if item == nil {
			r.metrics.ResolverLookup(s.name, "miss")
			continue
		}
		r.metrics.ResolverLookup(s.name, "hit")
		return Resolved{Key: s.key, Row: Row(item)}, nil
	}

	items, err := r.table.ScanCollection(ctx, collection)
	if cerr := ctx.Err(); cerr != nil {
		return Resolved{}, cerr
	}
	if err != nil {
		r.strategyFailed(StrategyScan, collection, id, err)
		return Resolved{}, fmt.Errorf("%s %q: %w", collection, id, apperr.ErrNotFound)
	}
	for _, item := range items {
		row := Row(item)
		if row.ID() != id {
			continue
		}
		key, kerr := table.KeyOf(item)
		if kerr != nil {
			continue
		}
		r.metrics.ResolverLookup(StrategyScan, "hit")
		r.logger.Debug().Str("collection", collection).Str("id", id).Str("key", key.ID).Msg("resolved by scan")
		return Resolved{Key: key, Row: row}, nil
	}
	r.metrics.ResolverLookup(StrategyScan, "miss")
	return Resolved{}, fmt.Errorf("%s %q: %w", collection, id, apperr.ErrNotFound)
}

func (r *Resolver) strategyFailed(strategy, collection, id string, err error) {
	r.metrics.ResolverLookup(strategy, "error")
	r.logger.Warn().
		Err(err).
		Str("strategy", strategy).
		Str("collection", collection).
		Str("id", id).
		Msg("lookup strategy failed, trying next")
}
