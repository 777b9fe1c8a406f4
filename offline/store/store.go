// Package store persists the offline request queue.
//
// Records are kept in insertion order under a monotonically increasing key. The
// queue package applies the length bound and replay policy on top of a Store.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrClosed is returned by stores that have been closed.
var ErrClosed = errors.New("offline store: closed")

// Record is one queued mutating request.
type Record struct {
	// Key orders records; assigned by the store on Append.
	Key int64 `json:"key"`

	// ID is the client request id, sent as X-Client-Request-ID on delivery and replay.
	// A retried request keeps its id, so several records may share one.
	ID string `json:"id"`

	Method string `json:"method"`
	Path   string `json:"path"`

	// Body is the JSON request payload.
	Body json.RawMessage `json:"body"`

	EnqueuedAt time.Time `json:"enqueued_at"`

	// Attempts counts failed replay passes that included this record.
	Attempts int `json:"attempts"`
}

// Store is a durable FIFO of records. Implementations must be safe for concurrent use.
type Store interface {
	// Append adds rec at the tail and returns its key. rec.Key is ignored and rec.ID
	// is not required to be unique.
	Append(ctx context.Context, rec Record) (int64, error)

	// Count returns the number of stored records.
	Count(ctx context.Context) (int, error)

	// DeleteOldest removes up to n records from the head and returns how many were removed.
	DeleteOldest(ctx context.Context, n int) (int, error)

	// ReadAll returns every record in insertion order.
	ReadAll(ctx context.Context) ([]Record, error)

	// Delete removes the records with the given keys. Unknown keys are ignored.
	Delete(ctx context.Context, keys ...int64) error

	// MarkAttempt increments Attempts on the records with the given keys.
	MarkAttempt(ctx context.Context, keys ...int64) error

	Close() error
}
