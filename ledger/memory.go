package ledger

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryRepository is an in-process Repository.
type MemoryRepository struct {
	mu        sync.RWMutex
	byUser    map[string][]Transaction
	byRequest map[requestKey]string
	now       func() time.Time
}

type requestKey struct {
	userID    string
	requestID string
}

// NewMemoryRepository creates an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byUser:    make(map[string][]Transaction),
		byRequest: make(map[requestKey]string),
		now:       time.Now,
	}
}

func (m *MemoryRepository) Create(_ context.Context, tx Transaction) (Transaction, bool, error) {
	if tx.UserID == "" {
		return Transaction{}, false, ErrMissingUser
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLocked(tx)
}

func (m *MemoryRepository) CreateBatch(_ context.Context, txs []Transaction) (int, int, error) {
	for _, tx := range txs {
		if tx.UserID == "" {
			return 0, 0, ErrMissingUser
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var created, duplicates int
	for _, tx := range txs {
		_, ok, err := m.createLocked(tx)
		if err != nil {
			return created, duplicates, err
		}
		if ok {
			created++
		} else {
			duplicates++
		}
	}
	return created, duplicates, nil
}

func (m *MemoryRepository) createLocked(tx Transaction) (Transaction, bool, error) {
	if tx.ClientRequestID != "" {
		key := requestKey{userID: tx.UserID, requestID: tx.ClientRequestID}
		if id, ok := m.byRequest[key]; ok {
			if existing, found := m.findLocked(tx.UserID, id); found {
				return existing, false, nil
			}
			return Transaction{ID: id, UserID: tx.UserID, ClientRequestID: tx.ClientRequestID}, false, nil
		}
	}

	tx.ID = uuid.NewString()
	tx.CreatedAt = m.now().UTC()
	m.byUser[tx.UserID] = append(m.byUser[tx.UserID], tx)
	if tx.ClientRequestID != "" {
		m.byRequest[requestKey{userID: tx.UserID, requestID: tx.ClientRequestID}] = tx.ID
	}
	return tx, true, nil
}

func (m *MemoryRepository) findLocked(userID, id string) (Transaction, bool) {
	for _, tx := range m.byUser[userID] {
		if tx.ID == id {
			return tx, true
		}
	}
	return Transaction{}, false
}

// Delete removes the transaction. Its client request id stays reserved, so a late
// replay of the original create does not bring it back.
func (m *MemoryRepository) Delete(_ context.Context, userID, id string) error {
	if userID == "" {
		return ErrMissingUser
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	txs := m.byUser[userID]
	i := slices.IndexFunc(txs, func(tx Transaction) bool { return tx.ID == id })
	if i < 0 {
		return ErrNotFound
	}
	m.byUser[userID] = slices.Delete(txs, i, i+1)
	return nil
}

func (m *MemoryRepository) List(_ context.Context, userID string, filter ListFilter) ([]Transaction, error) {
	if userID == "" {
		return nil, ErrMissingUser
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Transaction, 0, min(limit, len(m.byUser[userID])))
	for _, tx := range m.byUser[userID] {
		if !filter.Since.IsZero() && tx.OccurredAt.Before(filter.Since) {
			continue
		}
		out = append(out, tx)
	}

	slices.SortStableFunc(out, func(a, b Transaction) int {
		return b.OccurredAt.Compare(a.OccurredAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
