package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nursefi/nursefi/offline/store"
)

// QueueObserver receives queue events. Implementations must be safe for concurrent use.
type QueueObserver interface {
	Enqueued(depth int)
	Evicted(n int)
	Removed(depth int)
}

// Queue is a bounded FIFO of pending requests on top of a store.Store.
type Queue struct {
	mu       sync.Mutex
	store    store.Store
	max      int
	maxBytes int64
	now      func() time.Time
	newID    func() string
	observer QueueObserver
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithMaxLength sets the queue bound (default: MaxQueueLength). Values below 1 are ignored.
func WithMaxLength(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.max = n
		}
	}
}

// WithMaxRecordBytes refuses requests whose encoded sync item, wrapped in a batch of
// one, exceeds n bytes (default: DefaultMaxBatchBytes). Values below 1 are ignored.
func WithMaxRecordBytes(n int64) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.maxBytes = n
		}
	}
}

// WithQueueObserver registers an observer for enqueue, eviction and removal events.
func WithQueueObserver(o QueueObserver) QueueOption {
	return func(q *Queue) {
		q.observer = o
	}
}

// NewQueue creates a queue backed by st.
func NewQueue(st store.Store, opts ...QueueOption) *Queue {
	q := &Queue{
		store: st,
		max:      MaxQueueLength,
		maxBytes: DefaultMaxBatchBytes,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// MaxLength returns the queue bound.
func (q *Queue) MaxLength() int {
	return q.max
}

// Enqueue appends a request under a fresh id and evicts the oldest records beyond the
// bound. The append and eviction happen under one lock, so the queue never holds more
// than MaxLength records once Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, method, path string, body []byte) (store.Record, error) {
	return q.EnqueueWithID(ctx, "", method, path, body)
}

// EnqueueWithID is Enqueue with a caller-chosen request id. An empty id gets a fresh one.
// Ids need not be unique; the server dedupes replays by id.
func (q *Queue) EnqueueWithID(ctx context.Context, id, method, path string, body []byte) (store.Record, error) {
	if !json.Valid(body) {
		return store.Record{}, ErrNotJSON
	}
	if id == "" {
		id = q.newID()
	}

	rec := store.Record{
		ID:         id,
		Method:     method,
		Path:       path,
		Body:       json.RawMessage(body),
		EnqueuedAt: q.now().UTC(),
	}

	item, err := json.Marshal(syncItemOf(rec))
	if err != nil {
		return store.Record{}, fmt.Errorf("encode sync item: %w", err)
	}
	if int64(len(item)+2) > q.maxBytes {
		return store.Record{}, ErrTooLarge
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	key, err := q.store.Append(ctx, rec)
	if err != nil {
		return store.Record{}, fmt.Errorf("%w: append: %w", ErrPersistenceFailure, err)
	}
	rec.Key = key

	count, err := q.store.Count(ctx)
	if err != nil {
		return store.Record{}, fmt.Errorf("%w: count: %w", ErrPersistenceFailure, err)
	}

	evicted := 0
	if count > q.max {
		evicted, err = q.store.DeleteOldest(ctx, count-q.max)
		if err != nil {
			return store.Record{}, fmt.Errorf("%w: evict: %w", ErrPersistenceFailure, err)
		}
	}

	if q.observer != nil {
		q.observer.Enqueued(count - evicted)
		if evicted > 0 {
			q.observer.Evicted(evicted)
		}
	}
	return rec, nil
}

// Pending returns a snapshot of the queued records, oldest first.
func (q *Queue) Pending(ctx context.Context) ([]store.Record, error) {
	records, err := q.store.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	return records, nil
}

// Len returns the number of queued records.
func (q *Queue) Len(ctx context.Context) (int, error) {
	n, err := q.store.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("count queue: %w", err)
	}
	return n, nil
}

// Remove deletes the records with the given keys. Records appended after a snapshot
// was taken are unaffected.
func (q *Queue) Remove(ctx context.Context, keys ...int64) error {
	if len(keys) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("remove from queue: %w", err)
	}
	if q.observer != nil {
		if n, err := q.store.Count(ctx); err == nil {
			q.observer.Removed(n)
		}
	}
	return nil
}

// markAttempt records a failed replay pass for keys.
func (q *Queue) markAttempt(ctx context.Context, keys ...int64) error {
	if len(keys) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.MarkAttempt(ctx, keys...); err != nil {
		return fmt.Errorf("mark replay attempt: %w", err)
	}
	return nil
}
