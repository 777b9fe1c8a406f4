package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRecord(i int) Record {
	return Record{
		ID:         fmt.Sprintf("req-%03d", i),
		Method:     "POST",
		Path:       "/api/transactions",
		Body:       json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
		EnqueuedAt: time.Unix(1700000000, int64(i)),
	}
}

func appendN(t *testing.T, s Store, n int) []int64 {
	t.Helper()
	keys := make([]int64, 0, n)
	for i := 1; i <= n; i++ {
		key, err := s.Append(context.Background(), testRecord(i))
		require.NoError(t, err)
		keys = append(keys, key)
	}
	return keys
}

func ids(records []Record) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.ID
	}
	return out
}

// runStoreSuite exercises the Store contract against a fresh store per subtest.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("append assigns increasing keys", func(t *testing.T) {
		s := newStore(t)
		keys := appendN(t, s, 3)
		assert.Less(t, keys[0], keys[1])
		assert.Less(t, keys[1], keys[2])

		n, err := s.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, n)
	})

	t.Run("read all preserves order and fields", func(t *testing.T) {
		s := newStore(t)
		keys := appendN(t, s, 3)

		records, err := s.ReadAll(ctx)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, []string{"req-001", "req-002", "req-003"}, ids(records))

		first := records[0]
		assert.Equal(t, keys[0], first.Key)
		assert.Equal(t, "POST", first.Method)
		assert.Equal(t, "/api/transactions", first.Path)
		assert.JSONEq(t, `{"n":1}`, string(first.Body))
		assert.True(t, first.EnqueuedAt.Equal(time.Unix(1700000000, 1)))
		assert.Zero(t, first.Attempts)
	})

	t.Run("read all on empty store", func(t *testing.T) {
		s := newStore(t)
		records, err := s.ReadAll(ctx)
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("delete oldest removes from head", func(t *testing.T) {
		s := newStore(t)
		appendN(t, s, 5)

		removed, err := s.DeleteOldest(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		records, err := s.ReadAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"req-003", "req-004", "req-005"}, ids(records))
	})

	t.Run("delete oldest beyond length", func(t *testing.T) {
		s := newStore(t)
		appendN(t, s, 2)

		removed, err := s.DeleteOldest(ctx, 10)
		require.NoError(t, err)
		assert.Equal(t, 2, removed)

		removed, err = s.DeleteOldest(ctx, 0)
		require.NoError(t, err)
		assert.Zero(t, removed)
	})

	t.Run("delete by key ignores unknown keys", func(t *testing.T) {
		s := newStore(t)
		keys := appendN(t, s, 4)

		require.NoError(t, s.Delete(ctx, keys[1], keys[3], 9999))
		require.NoError(t, s.Delete(ctx))

		records, err := s.ReadAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"req-001", "req-003"}, ids(records))
	})

	t.Run("keys are not reused after delete", func(t *testing.T) {
		s := newStore(t)
		keys := appendN(t, s, 2)
		require.NoError(t, s.Delete(ctx, keys...))

		key, err := s.Append(ctx, testRecord(3))
		require.NoError(t, err)
		assert.Greater(t, key, keys[1])
	})

	t.Run("append accepts a repeated id", func(t *testing.T) {
		s := newStore(t)
		first, err := s.Append(ctx, testRecord(1))
		require.NoError(t, err)
		second, err := s.Append(ctx, testRecord(1))
		require.NoError(t, err)
		assert.Less(t, first, second)

		records, err := s.ReadAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"req-001", "req-001"}, ids(records))
	})

	t.Run("mark attempt increments selected records", func(t *testing.T) {
		s := newStore(t)
		keys := appendN(t, s, 3)

		require.NoError(t, s.MarkAttempt(ctx, keys[0], keys[2]))
		require.NoError(t, s.MarkAttempt(ctx, keys[0]))

		records, err := s.ReadAll(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, records[0].Attempts)
		assert.Equal(t, 0, records[1].Attempts)
		assert.Equal(t, 1, records[2].Attempts)
	})
}
