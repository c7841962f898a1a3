// Package keyspace implements the authoritative key-value store that the
// tracking layer sits in front of. Values are opaque bytes; every write bumps a
// monotonic version so callers can detect that a value they are holding has
// been superseded.
package keyspace

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// Entry is a stored value together with its version. Versions are monotonic
// per store and never move backwards, including across delete/recreate of the
// same key.
type Entry struct {
	Value   []byte
	Version uint64
}

// KeySpace is the source of truth mutated by write operations.
// Implementations must be safe for concurrent use.
type KeySpace interface {
	// Get retrieves the entry for key. Returns ErrNotFound if absent.
	Get(ctx context.Context, key string) (Entry, error)

	// Set stores value under key and returns the new version.
	Set(ctx context.Context, key string, value []byte) (uint64, error)

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Clear removes all keys.
	Clear(ctx context.Context) error

	// Len reports the number of stored keys.
	Len(ctx context.Context) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
