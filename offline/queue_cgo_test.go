//go:build cgo

package offline

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nursefi/nursefi/offline/store"
)

func openSQLStore(t *testing.T) *store.SQL {
	t.Helper()
	st, err := store.OpenSQL(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestQueue_SQLEvictsOldestBeyondMax(t *testing.T) {
	checkEvictsOldest(t, openSQLStore(t))
}

func TestQueue_SQLRetriedRequestID(t *testing.T) {
	q := NewQueue(openSQLStore(t))
	tr := NewTransport(failingBase(), q)

	for range 2 {
		req := newRequest(t, http.MethodPost, "http://api.local/api/transactions", `{"a":1}`)
		req.Header.Set(RequestIDHeader, "retry-1")
		resp, err := tr.RoundTrip(req)
		require.NoError(t, err)
		assert.Equal(t, http.StatusAccepted, resp.StatusCode)
		resp.Body.Close()
	}
	assert.Equal(t, 2, queueLen(t, q))
}

func TestOfflineRoundTrip_SQL(t *testing.T) {
	srv := newSyncServer(t, http.StatusOK)
	q := NewQueue(openSQLStore(t))
	enqueueN(t, q, 3)

	_, err := q.EnqueueWithID(context.Background(), "del-1", http.MethodDelete, "/api/transactions/7", []byte("null"))
	require.NoError(t, err)

	res, err := NewReplayer(q, srv.syncURL()).Flush(context.Background())
	require.NoError(t, err)
	assert.Equal(t, FlushResult{Sent: 4, Status: http.StatusOK, Delivered: 4}, res)
	assert.Zero(t, queueLen(t, q))

	batches := srv.received()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], 4)
	assert.Equal(t, "del-1", batches[0][3].ID)
	assert.Equal(t, http.MethodDelete, batches[0][3].Method)
	assert.Equal(t, "null", string(batches[0][3].Body))
}
