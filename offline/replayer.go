package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nursefi/nursefi/offline/store"
)

const (
	// DefaultFlushInterval is how often Run attempts a replay pass.
	DefaultFlushInterval = 30 * time.Second

	// DefaultMaxAttempts is how many failed passes a record survives before it is dropped.
	DefaultMaxAttempts = 10

	// DefaultMaxBatchBytes caps the encoded size of one sync request. It equals the
	// server's default body ceiling.
	DefaultMaxBatchBytes int64 = 1 << 20
)

// ErrSyncRejected is returned when the sync endpoint answers with a non-2xx status.
var ErrSyncRejected = errors.New("offline: sync rejected")

// Replay outcomes reported to a ReplayObserver.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetained  = "retained"
	OutcomeDropped   = "dropped"
	OutcomeRejected  = "rejected"
)

// SyncItem is one queued request in the sync batch.
type SyncItem struct {
	ID     string          `json:"id" validate:"required"`
	Method string          `json:"method" validate:"required,oneof=POST PUT PATCH DELETE"`
	Path   string          `json:"path" validate:"required"`
	Body   json.RawMessage `json:"body"`
}

// FlushResult summarizes one replay pass.
type FlushResult struct {
	// Sent is the number of records in the snapshot.
	Sent int

	// Status is the last HTTP status from the sync endpoint, or 0 when no response arrived.
	Status int

	Delivered int
	Retained  int
	Dropped   int
}

// ReplayObserver receives per-pass replay counts.
type ReplayObserver interface {
	Replayed(outcome string, n int)
}

// TokenSource returns the bearer token attached to sync requests.
type TokenSource func(ctx context.Context) (string, error)

// Replayer sends queued requests to the sync endpoint.
type Replayer struct {
	queue       *Queue
	syncURL     string
	client      *http.Client
	tokens      TokenSource
	interval    time.Duration
	maxAttempts int
	maxBatch    int64
	logger      *zap.Logger
	observer    ReplayObserver

	flushMu sync.Mutex
	trigger chan struct{}
}

// ReplayerOption configures a Replayer.
type ReplayerOption func(*Replayer)

// WithHTTPClient sets the client used for sync requests. A client whose transport is
// an offline Transport is unwrapped so replays are never queued again.
func WithHTTPClient(c *http.Client) ReplayerOption {
	return func(r *Replayer) {
		r.client = c
	}
}

// WithTokenSource sets the bearer token source for sync requests.
func WithTokenSource(ts TokenSource) ReplayerOption {
	return func(r *Replayer) {
		r.tokens = ts
	}
}

// StaticToken returns a TokenSource that always yields token.
func StaticToken(token string) TokenSource {
	return func(context.Context) (string, error) {
		return token, nil
	}
}

// WithInterval sets the Run period (default: DefaultFlushInterval).
func WithInterval(d time.Duration) ReplayerOption {
	return func(r *Replayer) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithMaxAttempts sets how many failed passes a record survives (default: DefaultMaxAttempts).
func WithMaxAttempts(n int) ReplayerOption {
	return func(r *Replayer) {
		if n > 0 {
			r.maxAttempts = n
		}
	}
}

// WithMaxBatchBytes caps the encoded size of each sync request (default:
// DefaultMaxBatchBytes). A snapshot larger than the cap is sent as several requests.
func WithMaxBatchBytes(n int64) ReplayerOption {
	return func(r *Replayer) {
		if n > 0 {
			r.maxBatch = n
		}
	}
}

// WithLogger sets the process logger.
func WithLogger(l *zap.Logger) ReplayerOption {
	return func(r *Replayer) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithObserver registers a replay observer.
func WithObserver(o ReplayObserver) ReplayerOption {
	return func(r *Replayer) {
		r.observer = o
	}
}

// NewReplayer creates a replayer that posts batches to syncURL.
func NewReplayer(queue *Queue, syncURL string, opts ...ReplayerOption) *Replayer {
	if queue == nil {
		panic("offline: NewReplayer requires a queue")
	}

	r := &Replayer{
		queue:       queue,
		syncURL:     syncURL,
		client:      &http.Client{Timeout: 30 * time.Second},
		interval:    DefaultFlushInterval,
		maxAttempts: DefaultMaxAttempts,
		maxBatch:    DefaultMaxBatchBytes,
		logger:      zap.NewNop(),
		trigger:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(r)
	}

	if t, ok := r.client.Transport.(*Transport); ok {
		c := *r.client
		c.Transport = t.Base()
		r.client = &c
	}
	return r
}

// Trigger requests a replay pass from Run without blocking. Triggers that arrive while
// one is already pending are coalesced.
func (r *Replayer) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

// Run replays immediately, then on every interval tick and Trigger, until ctx is done.
func (r *Replayer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.flushAndLog(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.flushAndLog(ctx)
		case <-r.trigger:
			r.flushAndLog(ctx)
		}
	}
}

func (r *Replayer) flushAndLog(ctx context.Context) {
	res, err := r.Flush(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.logger.Warn("Replay pass failed",
			zap.Error(err),
			zap.Int("sent", res.Sent),
			zap.Int("status", res.Status),
			zap.Int("retained", res.Retained),
			zap.Int("dropped", res.Dropped))
		return
	}
	if res.Sent > 0 {
		r.logger.Info("Replay pass delivered",
			zap.Int("delivered", res.Delivered),
			zap.Int("status", res.Status))
	}
}

// Flush runs one replay pass over a snapshot of the queue. Only one pass runs at a time.
//
// The snapshot is split into batches no larger than the batch cap and sent oldest
// first. On a 2xx response exactly the batch's records are removed; records queued
// during the pass survive. Transport errors, 401, 408, 413, 429 and 5xx leave the
// batch in place with an attempt recorded, dropping records that reach the attempt
// limit, and end the pass with later batches untouched. Any other status rejects the
// batch permanently and drops it.
func (r *Replayer) Flush(ctx context.Context) (FlushResult, error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	records, err := r.queue.Pending(ctx)
	if err != nil {
		return FlushResult{}, err
	}
	if len(records) == 0 {
		return FlushResult{}, nil
	}

	res := FlushResult{Sent: len(records)}

	token, err := r.token(ctx)
	if err != nil {
		res.Retained = len(records)
		return res, err
	}

	batches, err := splitBatches(records, r.maxBatch)
	if err != nil {
		res.Retained = len(records)
		return res, err
	}

	var rejected []error
	for i, b := range batches {
		status, err := r.send(ctx, b.payload, token)
		res.Status = status
		if err == nil && retryableStatus(status) {
			err = fmt.Errorf("%w: status %d", ErrSyncRejected, status)
		}
		if err != nil {
			untouched := countRecords(batches[i+1:])
			if ctx.Err() != nil {
				res.Retained += len(b.records) + untouched
				return res, errors.Join(append(rejected, err)...)
			}
			res, err = r.retain(ctx, res, b.records, err)
			res.Retained += untouched
			return res, errors.Join(append(rejected, err)...)
		}

		if err := r.queue.Remove(ctx, recordKeys(b.records)...); err != nil {
			res.Retained += len(b.records) + countRecords(batches[i+1:])
			return res, errors.Join(append(rejected, err)...)
		}

		if status >= 200 && status < 300 {
			res.Delivered += len(b.records)
			r.observe(OutcomeDelivered, len(b.records))
			continue
		}

		res.Dropped += len(b.records)
		r.observe(OutcomeRejected, len(b.records))
		r.logger.Error("Sync batch rejected, dropping",
			zap.Int("status", status),
			zap.Int("records", len(b.records)),
			zap.Strings("ids", recordIDs(b.records)))
		rejected = append(rejected, fmt.Errorf("%w: status %d", ErrSyncRejected, status))
	}
	return res, errors.Join(rejected...)
}

// retain records a failed attempt and drops records that have used up their attempts.
func (r *Replayer) retain(ctx context.Context, res FlushResult, records []store.Record, cause error) (FlushResult, error) {
	if err := r.queue.markAttempt(ctx, recordKeys(records)...); err != nil {
		res.Retained += len(records)
		return res, errors.Join(cause, err)
	}

	var exhausted []store.Record
	for _, rec := range records {
		if rec.Attempts+1 >= r.maxAttempts {
			exhausted = append(exhausted, rec)
		}
	}
	if len(exhausted) > 0 {
		if err := r.queue.Remove(ctx, recordKeys(exhausted)...); err != nil {
			res.Retained += len(records)
			return res, errors.Join(cause, err)
		}
		r.logger.Warn("Dropping queued requests after max attempts",
			zap.Int("max_attempts", r.maxAttempts),
			zap.Strings("ids", recordIDs(exhausted)))
	}

	retained := len(records) - len(exhausted)
	res.Dropped += len(exhausted)
	res.Retained += retained
	r.observe(OutcomeRetained, retained)
	r.observe(OutcomeDropped, len(exhausted))
	return res, cause
}

// syncBatch is one sync request: its records and their encoded JSON array.
type syncBatch struct {
	records []store.Record
	payload []byte
}

// splitBatches packs records, oldest first, into JSON arrays of at most maxBytes. A
// record that does not fit under the cap on its own is sent in a batch by itself.
func splitBatches(records []store.Record, maxBytes int64) ([]syncBatch, error) {
	var (
		batches []syncBatch
		cur     syncBatch
	)
	for _, rec := range records {
		item, err := json.Marshal(syncItemOf(rec))
		if err != nil {
			return nil, fmt.Errorf("encode sync item %s: %w", rec.ID, err)
		}

		// Appending costs a separator, the item and the closing bracket.
		if len(cur.records) > 0 && int64(len(cur.payload)+len(item)+2) > maxBytes {
			batches = append(batches, cur.closed())
			cur = syncBatch{}
		}
		if len(cur.records) == 0 {
			cur.payload = append(cur.payload, '[')
		} else {
			cur.payload = append(cur.payload, ',')
		}
		cur.payload = append(cur.payload, item...)
		cur.records = append(cur.records, rec)
	}
	if len(cur.records) > 0 {
		batches = append(batches, cur.closed())
	}
	return batches, nil
}

func (b syncBatch) closed() syncBatch {
	b.payload = append(b.payload, ']')
	return b
}

func countRecords(batches []syncBatch) int {
	n := 0
	for _, b := range batches {
		n += len(b.records)
	}
	return n
}

func syncItemOf(rec store.Record) SyncItem {
	return SyncItem{ID: rec.ID, Method: rec.Method, Path: rec.Path, Body: rec.Body}
}

func (r *Replayer) token(ctx context.Context) (string, error) {
	if r.tokens == nil {
		return "", nil
	}
	token, err := r.tokens(ctx)
	if err != nil {
		return "", fmt.Errorf("get sync token: %w", err)
	}
	return token, nil
}

func (r *Replayer) send(ctx context.Context, payload []byte, token string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.syncURL, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrTransportFailure, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.StatusCode, nil
}

func (r *Replayer) observe(outcome string, n int) {
	if r.observer != nil && n > 0 {
		r.observer.Replayed(outcome, n)
	}
}

// retryableStatus reports statuses that say nothing about the records themselves: an
// unavailable or overloaded server, an expired credential, or a body ceiling lower
// than the batch cap.
func retryableStatus(status int) bool {
	switch status {
	case http.StatusUnauthorized,
		http.StatusRequestTimeout,
		http.StatusRequestEntityTooLarge,
		http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

func recordKeys(records []store.Record) []int64 {
	keys := make([]int64, len(records))
	for i, rec := range records {
		keys[i] = rec.Key
	}
	return keys
}

func recordIDs(records []store.Record) []string {
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	return ids
}
