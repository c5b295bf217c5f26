package storage

import (
	"context"
	"time"
)

// Store defines the shared counter store behind the windowed counter.
// Implementations must be safe for concurrent use and Increment must be atomic
// with respect to every other caller of the same backend, including callers in
// other processes for distributed backends.
type Store interface {
	// Increment atomically adds one to the counter stored under key and returns
	// the new value. A missing, expired or corrupt counter counts as zero.
	// The expiration is applied when the counter has none yet, so the first
	// increment of a window fixes its lifetime.
	Increment(ctx context.Context, key string, expiration time.Duration) (int64, error)

	// Get returns the current counter value for key, or 0 when the key is
	// absent, expired or holds a value that cannot be decoded.
	Get(ctx context.Context, key string) (int64, error)

	// Set overwrites the counter value for key with the given expiration.
	Set(ctx context.Context, key string, value int64, expiration time.Duration) error

	// Ping checks if the storage is accessible
	Ping(ctx context.Context) error

	// Close closes the storage connection
	Close() error
}
