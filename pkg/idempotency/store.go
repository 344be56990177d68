// Package idempotency records operations by key so that a retried request
// is replayed instead of executed twice.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is how long a key is remembered.
const DefaultTTL = 24 * time.Hour

var (
	ErrKeyNotFound = errors.New("idempotency key not found")
	ErrEmptyKey    = errors.New("idempotency key is empty")
)

// State of a key.
type State string

const (
	StateInProgress State = "in_progress"
	StateCompleted  State = "completed"
)

// Record is what the store knows about a key.
type Record struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	State       State     `json:"state"`
	StatusCode  int       `json:"status_code,omitempty"`
	Response    []byte    `json:"response,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store reserves keys and remembers the outcome of the operation they guard.
//
// Reserve atomically claims key. If the key was free it returns reserved=true
// and the caller must later Complete or Release it. Otherwise the existing
// record is returned: StateInProgress means another caller holds it,
// StateCompleted carries the response to replay. fingerprint identifies the
// request that claimed the key and is returned with the record so a reuse of
// the key for a different request can be told apart from a retry.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string) (rec *Record, reserved bool, err error)
	Complete(ctx context.Context, key string, statusCode int, response []byte) error
	Release(ctx context.Context, key string) error
}

// Cleaner is implemented by stores that do not expire keys on their own.
// Cleanup deletes keys older than the TTL and returns how many it removed.
type Cleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// MemoryStore is an in-memory Store. Expired keys are dropped lazily.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Record
	ttl     time.Duration
	clock   func() time.Time
}

// NewMemoryStore creates a store remembering keys for ttl (DefaultTTL if zero).
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		entries: make(map[string]*Record),
		ttl:     ttl,
		clock:   time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string) (*Record, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if rec, ok := s.entries[key]; ok {
		if now.Sub(rec.CreatedAt) < s.ttl {
			c := *rec
			return &c, false, nil
		}
		delete(s.entries, key)
	}
	rec := &Record{Key: key, Fingerprint: fingerprint, State: StateInProgress, CreatedAt: now}
	s.entries[key] = rec
	c := *rec
	return &c, true, nil
}

func (s *MemoryStore) Complete(_ context.Context, key string, statusCode int, response []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	rec.State = StateCompleted
	rec.StatusCode = statusCode
	rec.Response = append([]byte(nil), response...)
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

// Cleanup removes expired keys and returns how many were dropped.
func (s *MemoryStore) Cleanup(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	var n int64
	for k, rec := range s.entries {
		if now.Sub(rec.CreatedAt) >= s.ttl {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}
