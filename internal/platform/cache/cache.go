// Package cache is the explicit cache service used by repository searches.
// Values are stored JSON-encoded with a fixed TTL; every write to a
// collection invalidates its entries by key prefix.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTTL matches the five minute lifetime the search cache always had.
const DefaultTTL = 5 * time.Minute

// Clock reports the current time. Tests inject a fake one to expire entries.
type Clock func() time.Time

// Cache stores opaque byte values with a TTL.
type Cache interface {
	// Get returns the value under key and whether it was present and fresh.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// DeletePrefix drops every entry whose key starts with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// Key joins a namespace and a discriminator into a cache key.
func Key(namespace, term string) string {
	return namespace + ":" + term
}

// GetJSON decodes the value under key into dst. A decode failure is treated
// as a miss so a stale encoding never breaks reads.
func GetJSON(ctx context.Context, c Cache, key string, dst any) (bool, error) {
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, nil
	}
	return true, nil
}

// SetJSON encodes value and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}
	return c.Set(ctx, key, data)
}
