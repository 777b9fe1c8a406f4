// Package offline keeps mutating API calls from being lost while the server is
// unreachable.
//
// A Transport wraps the client's http.RoundTripper. When a POST, PUT, PATCH or DELETE
// to the intercepted prefix fails at the transport level, the request is appended to a
// bounded FIFO Queue and the caller receives a synthetic 202 {"offline":true}. A
// Replayer later sends the queued requests to the sync endpoint in size-capped
// batches and removes each batch once the server accepts it.
package offline

import "errors"

const (
	// MaxQueueLength bounds the queue; the oldest records are evicted beyond it.
	MaxQueueLength = 100

	// DefaultPrefix is the path prefix whose mutating requests are intercepted.
	DefaultPrefix = "/api/transactions"

	// DefaultSyncPath is the bulk replay endpoint. It is never intercepted.
	DefaultSyncPath = "/api/transactions/sync"

	// RequestIDHeader carries the client request id used for server-side dedupe.
	RequestIDHeader = "X-Client-Request-ID"
)

var (
	// ErrTransportFailure marks a request that could not reach the server.
	ErrTransportFailure = errors.New("offline: transport failure")

	// ErrPersistenceFailure is returned when a request could not be queued. The
	// request was neither delivered nor stored.
	ErrPersistenceFailure = errors.New("offline: persistence failure")

	// ErrNotJSON is returned for request bodies that are not valid JSON.
	ErrNotJSON = errors.New("offline: body is not valid JSON")

	// ErrTooLarge is returned for requests whose sync item alone exceeds the batch cap.
	ErrTooLarge = errors.New("offline: request too large to replay")
)
