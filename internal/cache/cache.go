// Package cache provides the shared key-value store used for idempotency
// records, async operations and the webhook dead-letter list.
//
// Two implementations exist: Redis, shared by every gateway instance, and an
// in-process store for single-instance deployments and tests.
package cache

import (
	"context"
	"errors"
	"time"
)

// Common cache errors.
var (
	// ErrCacheMiss indicates that the key was not found in the cache.
	ErrCacheMiss = errors.New("cache miss")

	// ErrUnavailable indicates that the store is not reachable. Callers on
	// the request path treat it as a reason to fail open.
	ErrUnavailable = errors.New("cache unavailable")
)

// Store is the key-value contract shared by both implementations.
type Store interface {
	// Get returns ErrCacheMiss if the key is not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value with ttl. A ttl of 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only if key is absent and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// PushList appends value to the list at key.
	PushList(ctx context.Context, key string, value []byte) error

	// PopList removes and returns the head of the list at key, or
	// ErrCacheMiss when the list is empty.
	PopList(ctx context.Context, key string) ([]byte, error)

	ListLen(ctx context.Context, key string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
