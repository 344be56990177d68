package consensus

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Store persists transaction snapshots. Save is an upsert of the full record.
type Store interface {
	Save(ctx context.Context, tx *Transaction) error
	Get(ctx context.Context, id string) (*Transaction, error)
	List(ctx context.Context, status Status, limit int) ([]*Transaction, error)
}

// ParseStatus validates a persisted status string.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusAuthorized, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown transaction status %q", s)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu  sync.RWMutex
	txs map[string]*Transaction
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{txs: make(map[string]*Transaction)}
}

func (s *MemoryStore) Save(_ context.Context, tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs[tx.ID] = tx.Clone()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return tx.Clone(), nil
}

// List returns transactions newest first, optionally filtered by status.
func (s *MemoryStore) List(_ context.Context, status Status, limit int) ([]*Transaction, error) {
	s.mu.RLock()
	out := make([]*Transaction, 0, len(s.txs))
	for _, tx := range s.txs {
		if status == "" || tx.Status == status {
			out = append(out, tx.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
