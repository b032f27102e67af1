// Package table defines the physical primitives of the single shared table
// every logical collection lives in. Rows are schemaless attribute maps keyed
// by the pair (ColeccionID, NombreColeccion).
package table

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Physical attribute names shared by every row.
const (
	AttrKey        = "ColeccionID"
	AttrCollection = "NombreColeccion"
	AttrID         = "Id"
	AttrVersion    = "Version"
)

// DefaultName is the table name used by the historical deployment.
const DefaultName = "PatologiaApp"

var (
	// ErrConditionFailed is returned by PutItem when the stored version does
	// not match the expected one.
	ErrConditionFailed = errors.New("table: condition failed")
	// ErrMissingKey is returned when an item lacks one of the key attributes.
	ErrMissingKey = errors.New("table: item is missing a key attribute")
)

// Key addresses one physical row. ID is the literal ColeccionID value, which
// may be canonical ("<collection>#<id>") or a legacy bare id.
type Key struct {
	ID         string
	Collection string
}

func (k Key) String() string {
	return k.Collection + "/" + k.ID
}

// Item is one physical row. Values are JSON-compatible: string, float64,
// bool, nil, []any and map[string]any.
type Item map[string]any

// Condition guards a PutItem. The write succeeds only if the stored row's
// Version equals Version; a missing row or missing attribute counts as 0.
type Condition struct {
	Version int64
}

// Table is the store contract consumed by the collection layer.
type Table interface {
	// GetItem returns the row stored under key, or (nil, nil) when absent.
	GetItem(ctx context.Context, key Key) (Item, error)
	// PutItem writes item under the key carried by its attributes. A non-nil
	// cond makes the write conditional.
	PutItem(ctx context.Context, item Item, cond *Condition) error
	// ScanCollection returns every row whose discriminator equals collection.
	ScanCollection(ctx context.Context, collection string) ([]Item, error)
}

// Ensurer is implemented by backends that can create their physical table.
type Ensurer interface {
	Ensure(ctx context.Context) error
}

// Pinger is implemented by backends that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// KeyOf extracts the physical key from an item.
func KeyOf(item Item) (Key, error) {
	id, _ := item[AttrKey].(string)
	coll, _ := item[AttrCollection].(string)
	if id == "" || coll == "" {
		return Key{}, ErrMissingKey
	}
	return Key{ID: id, Collection: coll}, nil
}

// VersionOf reads the optimistic-concurrency counter of an item. Legacy rows
// without the attribute report 0.
func VersionOf(item Item) int64 {
	switch v := item[AttrVersion].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

// Clone deep-copies an item through its JSON form so every backend hands out
// the same value types and callers never share maps with the store.
func Clone(item Item) (Item, error) {
	if item == nil {
		return nil, nil
	}
	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("encode item: %w", err)
	}
	var out Item
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return out, nil
}
