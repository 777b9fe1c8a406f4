package offline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const offlineBody = `{"offline":true}`

// Transport is an http.RoundTripper that queues mutating requests which fail to reach
// the server.
//
// Each intercepted request moves from attempting to either delivered (any HTTP
// response, including errors, is returned unchanged) or queued (transport failure,
// request stored and a synthetic 202 returned). Requests outside the prefix, the sync
// endpoint itself and non-mutating methods pass straight through.
type Transport struct {
	base        http.RoundTripper
	queue       *Queue
	prefix      string
	syncPath    string
	onDelivered func()
	onQueued    func(error)
}

// TransportOption configures a Transport.
type TransportOption func(*Transport)

// WithPrefix sets the intercepted path prefix (default: DefaultPrefix).
func WithPrefix(prefix string) TransportOption {
	return func(t *Transport) {
		t.prefix = prefix
	}
}

// WithSyncPath sets the replay endpoint path that is never intercepted (default: DefaultSyncPath).
func WithSyncPath(path string) TransportOption {
	return func(t *Transport) {
		t.syncPath = path
	}
}

// WithOnDelivered registers fn to run after a request reaches the server. It is the
// hook for opportunistic replay, typically Replayer.Trigger. fn must not block.
func WithOnDelivered(fn func()) TransportOption {
	return func(t *Transport) {
		t.onDelivered = fn
	}
}

// WithOnQueued registers fn to run after a request is queued. fn receives the
// transport error that caused it.
func WithOnQueued(fn func(cause error)) TransportOption {
	return func(t *Transport) {
		t.onQueued = fn
	}
}

// NewTransport wraps base (http.DefaultTransport when nil).
func NewTransport(base http.RoundTripper, queue *Queue, opts ...TransportOption) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	if queue == nil {
		panic("offline: NewTransport requires a queue")
	}

	t := &Transport{
		base:     base,
		queue:    queue,
		prefix:   DefaultPrefix,
		syncPath: DefaultSyncPath,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewClient returns an http.Client whose transport queues failed mutating requests.
func NewClient(base http.RoundTripper, queue *Queue, opts ...TransportOption) *http.Client {
	return &http.Client{Transport: NewTransport(base, queue, opts...)}
}

// Base returns the wrapped round tripper.
func (t *Transport) Base() http.RoundTripper {
	return t.base
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.intercepts(req) {
		return t.base.RoundTrip(req)
	}

	body, err := readBody(req)
	if err != nil {
		return nil, err
	}

	id := req.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}

	out := req.Clone(req.Context())
	out.Header.Set(RequestIDHeader, id)
	if body != nil {
		out.Body = io.NopCloser(bytes.NewReader(body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
		out.ContentLength = int64(len(body))
	}

	resp, err := t.base.RoundTrip(out)
	if err == nil {
		if t.onDelivered != nil {
			t.onDelivered()
		}
		return resp, nil
	}

	ctx := req.Context()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, err
	}
	return t.enqueue(ctx, req, id, body, err)
}

func (t *Transport) enqueue(ctx context.Context, req *http.Request, id string, body []byte, cause error) (*http.Response, error) {
	payload := body
	if len(bytes.TrimSpace(payload)) == 0 {
		payload = []byte("null")
	}

	if _, err := t.queue.EnqueueWithID(ctx, id, req.Method, req.URL.RequestURI(), payload); err != nil {
		switch {
		case errors.Is(err, ErrNotJSON):
			return nil, fmt.Errorf("%w: %w", ErrTransportFailure, cause)
		case errors.Is(err, ErrTooLarge):
			return nil, fmt.Errorf("%w: %w: %w", ErrTransportFailure, ErrTooLarge, cause)
		}
		return nil, err
	}

	if t.onQueued != nil {
		t.onQueued(cause)
	}
	return offlineResponse(req), nil
}

func (t *Transport) intercepts(req *http.Request) bool {
	switch req.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return false
	}

	path := req.URL.Path
	if path == t.syncPath {
		return false
	}
	if path == t.prefix {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(t.prefix, "/")+"/")
}

func readBody(req *http.Request) ([]byte, error) {
	if req.Body == nil || req.Body == http.NoBody {
		return nil, nil
	}
	defer req.Body.Close()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	return body, nil
}

func offlineResponse(req *http.Request) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	header.Set("Content-Length", strconv.Itoa(len(offlineBody)))

	return &http.Response{
		Status:        "202 Accepted",
		StatusCode:    http.StatusAccepted,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(offlineBody)),
		ContentLength: int64(len(offlineBody)),
		Request:       req,
	}
}
