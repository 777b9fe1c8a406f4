package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	count      int64
	expiration time.Time
}

// Memory is an in-memory implementation of Store using a map with mutex protection.
//
// WARNING: This implementation is NOT suitable for distributed deployments.
// Each instance maintains its own counters, so clients spreading requests across
// instances get the limit once per instance. Use the Redis store when the API runs
// with more than one replica.
//
// Expired entries are compacted two ways so the key space cannot grow without bound
// under churn of distinct keys (many client IPs):
//   - inserting a new key sweeps every expired entry once the earliest known window
//     has passed
//   - a background goroutine sweeps on a fixed interval (see WithCleanupInterval)
//
// Neither path requires an expired key to be looked up again.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*memoryEntry
	earliest time.Time
	now      func() time.Time
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithClock replaces the time source. Intended for tests that advance time manually.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

// WithCleanupInterval sets how often the background sweep runs (default: 1 minute).
// A zero or negative interval disables the background goroutine; lazy sweeping on
// insert stays active.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.interval = d
	}
}

// NewMemory creates a new in-memory store.
//
// Important: call Close() when done to stop the cleanup goroutine.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:  make(map[string]*memoryEntry),
		now:      time.Now,
		interval: time.Minute,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.interval > 0 {
		go m.cleanup()
	}
	return m
}

// Allow implements the fixed-window check-and-increment under the store lock.
//
// Note: The context parameter is accepted for interface compatibility but is not used.
func (m *Memory) Allow(_ context.Context, key string, limit int64, window time.Duration) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == nil {
		return Result{}, ErrClosed
	}

	now := m.now()
	entry, exists := m.entries[key]

	if !exists || !now.Before(entry.expiration) {
		if !exists {
			m.sweepIfDueLocked(now)
		}
		expiration := now.Add(window)
		m.entries[key] = &memoryEntry{count: 1, expiration: expiration}
		m.trackExpirationLocked(expiration)
		return Result{Count: 1, Allowed: true, TTL: window, ResetAt: expiration}, nil
	}

	ttl := max(0, entry.expiration.Sub(now))
	if entry.count >= limit {
		return Result{Count: entry.count, Allowed: false, TTL: ttl, ResetAt: entry.expiration}, nil
	}

	entry.count++
	return Result{Count: entry.count, Allowed: true, TTL: ttl, ResetAt: entry.expiration}, nil
}

// Get retrieves the current count for the given key without incrementing.
// Returns 0 if the key doesn't exist or has expired.
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[key]
	if !exists || !m.now().Before(entry.expiration) {
		return 0, nil
	}
	return entry.count, nil
}

// Reset removes the counter for the given key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// ResetAll drops every counter.
func (m *Memory) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == nil {
		return
	}
	m.entries = make(map[string]*memoryEntry)
	m.earliest = time.Time{}
}

// Len returns the number of entries currently held, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close stops the background cleanup goroutine and releases resources.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.mu.Lock()
	m.entries = nil
	m.mu.Unlock()
	return nil
}

func (m *Memory) trackExpirationLocked(expiration time.Time) {
	if m.earliest.IsZero() || expiration.Before(m.earliest) {
		m.earliest = expiration
	}
}

// sweepIfDueLocked removes expired entries once the earliest tracked window has passed.
// earliest is a lower bound, so a sweep may find nothing; it is recomputed either way.
func (m *Memory) sweepIfDueLocked(now time.Time) {
	if m.earliest.IsZero() || now.Before(m.earliest) {
		return
	}
	m.sweepLocked(now)
}

func (m *Memory) sweepLocked(now time.Time) {
	m.earliest = time.Time{}
	for key, entry := range m.entries {
		if !now.Before(entry.expiration) {
			delete(m.entries, key)
			continue
		}
		m.trackExpirationLocked(entry.expiration)
	}
}

// runCleanup executes a single cleanup cycle, removing all expired entries.
func (m *Memory) runCleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.entries == nil {
		return
	}
	m.sweepLocked(m.now())
}

func (m *Memory) cleanup() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.stopCh:
			return
		}
	}
}
