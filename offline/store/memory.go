package store

import (
	"context"
	"slices"
	"sync"
)

// Memory is an in-process Store. Records do not survive a restart.
type Memory struct {
	mu      sync.Mutex
	records []Record
	nextKey int64
	closed  bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{nextKey: 1}
}

func (m *Memory) Append(_ context.Context, rec Record) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	rec.Key = m.nextKey
	m.nextKey++
	rec.Body = slices.Clone(rec.Body)
	m.records = append(m.records, rec)
	return rec.Key, nil
}

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	return len(m.records), nil
}

func (m *Memory) DeleteOldest(_ context.Context, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	n = min(max(n, 0), len(m.records))
	m.records = slices.Delete(m.records, 0, n)
	return n, nil
}

func (m *Memory) ReadAll(_ context.Context) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	out := make([]Record, len(m.records))
	for i, rec := range m.records {
		rec.Body = slices.Clone(rec.Body)
		out[i] = rec
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, keys ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.records = slices.DeleteFunc(m.records, func(rec Record) bool {
		return slices.Contains(keys, rec.Key)
	})
	return nil
}

func (m *Memory) MarkAttempt(_ context.Context, keys ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for i := range m.records {
		if slices.Contains(keys, m.records[i].Key) {
			m.records[i].Attempts++
		}
	}
	return nil
}

// Close discards all records.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.records = nil
	return nil
}
