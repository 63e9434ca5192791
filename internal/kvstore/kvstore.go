// Package kvstore provides the TTL-capable key/value storage used for
// trade locks, session state and cached network artifacts.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the key does not exist or has expired.
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the minimal TTL key/value contract the trade engine depends on.
// Production uses Redis; tests and single-node dev use the in-memory store.
type Store interface {
	// Get returns the raw value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key with the given TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value under key only if the key does not already exist.
	// Returns true if the value was stored.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteIfEquals removes key only if its current value equals value,
	// atomically. Returns true if the key was removed. Used for fenced
	// lock release so an expired holder cannot drop a successor's lock.
	DeleteIfEquals(ctx context.Context, key string, value []byte) (bool, error)

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)
}
