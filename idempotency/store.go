// Package idempotency caches the outcome of a previously handled
// message so a retried or redelivered message short-circuits instead of
// re-running side effects.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get when no record exists for a key.
var ErrNotFound = errors.New("idempotency: record not found")

// Record is a cached outcome for a given idempotency key.
type Record struct {
	Key        string
	Success    bool
	Result     []byte // application-serialized result, opaque to this package
	FailureMsg string
	StoredAt   time.Time
	ExpiresAt  time.Time
}

// Expired reports whether r is past its ExpiresAt.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Store is the idempotency cache contract. Implementations must make
// StoreSuccess/StoreFailure atomic so two concurrent deliveries of the
// same key never both believe they own first processing.
type Store interface {
	// Get returns the cached record for key, or ErrNotFound.
	Get(ctx context.Context, key string) (*Record, error)

	// Exists reports whether a non-expired record exists for key,
	// without deserializing the cached result.
	Exists(ctx context.Context, key string) (bool, error)

	// StoreSuccess caches a successful outcome with the given TTL.
	StoreSuccess(ctx context.Context, key string, result []byte, ttl time.Duration) error

	// StoreFailure caches a failed outcome with the given TTL. Failures
	// are cached separately from successes so a caller can choose a
	// shorter TTL for failures to allow faster retries.
	StoreFailure(ctx context.Context, key string, failureMsg string, ttl time.Duration) error

	// CleanupExpired removes all records expired as of now. Returns the
	// number of records removed.
	CleanupExpired(ctx context.Context, now time.Time) (int64, error)
}
