// Package store provides counter backends for fixed-window rate limiting.
//
// Every backend implements the same window algorithm: the first hit on a key (or the
// first hit after its window expired) starts a new window with count 1; further hits
// are allowed and counted while count < limit; once count reaches the limit, hits are
// denied without incrementing until the window expires. Windows are fixed, so a client
// can burst up to twice the limit across a window boundary.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by stores that have been closed.
var ErrClosed = errors.New("store: closed")

// Result is the outcome of a single Allow call.
type Result struct {
	// Count is the number of hits recorded in the current window, including this one
	// when it was allowed.
	Count int64

	// Allowed reports whether the hit was admitted.
	Allowed bool

	// TTL is the time remaining until the current window resets.
	TTL time.Duration

	// ResetAt is when the current window resets, on the store's clock.
	ResetAt time.Time
}

// Store defines the interface for rate limit storage backends.
// Implementations must be safe for concurrent use; Allow must perform its
// check-and-increment atomically with respect to other callers on the same key.
type Store interface {
	// Allow records a hit for key against limit within window and reports whether it
	// was admitted. A denied hit does not increment the counter.
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (Result, error)

	// Get retrieves the current count for the given key without incrementing.
	// Returns 0 if the key doesn't exist or its window has expired.
	Get(ctx context.Context, key string) (int64, error)

	// Reset removes the counter for the given key.
	Reset(ctx context.Context, key string) error

	// Close releases any resources held by the store.
	Close() error
}
