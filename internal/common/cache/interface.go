package cache

import (
	"context"
	"time"
)

// Cache is the subset of key-value operations the service relies on.
type Cache interface {
	// Get returns "" with a nil error when the key does not exist.
	Get(ctx context.Context, key string) (string, error)

	// Set stores a key-value pair; a zero ttl means no expiration.
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX sets the value only if the key does not exist.
	// Returns true if the key was set, false if it already existed.
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Del deletes one or more keys
	Del(ctx context.Context, keys ...string) error

	// IncrWindow increments a counter and starts its expiry window on first use.
	IncrWindow(ctx context.Context, key string, window time.Duration) (int64, error)

	// Ping verifies the cache connection is alive
	Ping(ctx context.Context) error

	// Close closes the cache connection
	Close() error
}
