// Package memory provides a thread-safe in-memory table.Table used by tests
// and by the development server.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/labcase/labcase/internal/platform/table"
)

// Table keeps rows in a map keyed by their physical key.
type Table struct {
	mu   sync.RWMutex
	rows map[table.Key]table.Item
}

// New returns an empty table.
func New() *Table {
	return &Table{rows: make(map[table.Key]table.Item)}
}

func (t *Table) GetItem(ctx context.Context, key table.Key) (table.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	item, ok := t.rows[key]
	t.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return table.Clone(item)
}

func (t *Table) PutItem(ctx context.Context, item table.Item, cond *table.Condition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	key, err := table.KeyOf(item)
	if err != nil {
		return err
	}
	cp, err := table.Clone(item)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cond != nil {
		var current int64
		if existing, ok := t.rows[key]; ok {
			current = table.VersionOf(existing)
		}
		if current != cond.Version {
			return table.ErrConditionFailed
		}
	}
	t.rows[key] = cp
	return nil
}

func (t *Table) ScanCollection(ctx context.Context, collection string) ([]table.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.RLock()
	keys := make([]table.Key, 0, len(t.rows))
	for k := range t.rows {
		if k.Collection == collection {
			keys = append(keys, k)
		}
	}
	t.mu.RUnlock()

	// Deterministic order keeps tests and reports stable.
	sort.Slice(keys, func(i, j int) bool { return keys[i].ID < keys[j].ID })

	out := make([]table.Item, 0, len(keys))
	for _, k := range keys {
		t.mu.RLock()
		item, ok := t.rows[k]
		t.mu.RUnlock()
		if !ok {
			continue
		}
		cp, err := table.Clone(item)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// Ensure is a no-op; the map always exists.
func (t *Table) Ensure(context.Context) error { return nil }

// Ping always succeeds.
func (t *Table) Ping(context.Context) error { return nil }

// Len reports the number of physical rows.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}
