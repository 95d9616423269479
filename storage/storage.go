// Package storage defines the key-value store the session registry keeps its
// metadata in. Implementations exist for in-process memory and Redis; both
// honor per-key TTLs so idle sessions age out without a dedicated reaper in
// the store itself.
package storage

import (
	"context"
	"time"
)

// Item is a stored value with its lifecycle metadata.
type Item struct {
	Data      []byte
	CreatedAt time.Time
	// ExpiresAt is nil for items without a TTL.
	ExpiresAt *time.Time
}

// Expired reports whether the item's TTL has elapsed.
func (it *Item) Expired() bool {
	return it.ExpiresAt != nil && time.Now().After(*it.ExpiresAt)
}

// KV is a flat key-value store with TTL support.
type KV interface {
	// Get returns the item for key, or nil when the key is absent or its TTL
	// has elapsed. Errors are reserved for genuine backend failures.
	Get(ctx context.Context, key string) (*Item, error)

	// Set stores data under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, data []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns the keys currently stored under the given prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)

	// Close releases backend resources.
	Close() error
}
