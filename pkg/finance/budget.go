package finance

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrLimitNotFound = errors.New("spending limit not found")
	ErrLimitExceeded = errors.New("spending limit exceeded")
)

// SpendingLimit caps what a single agent may move through settlement.
// Limit and Spent are minor units of Currency.
type SpendingLimit struct {
	AgentID  string `json:"agent_id"`
	Currency string `json:"currency"`
	Limit    int64  `json:"limit"`
	Spent    int64  `json:"spent"`
}

// Remaining returns the unspent part of the limit, never negative.
func (l SpendingLimit) Remaining() int64 {
	if r := l.Limit - l.Spent; r > 0 {
		return r
	}
	return 0
}

// Tracker enforces per-agent spending limits.
// Agents without a configured limit are unrestricted.
type Tracker interface {
	SetLimit(ctx context.Context, agentID string, limit Money) error
	Get(ctx context.Context, agentID string) (*SpendingLimit, error)
	// Consume atomically checks and records the spend.
	Consume(ctx context.Context, agentID string, amount Money) error
	// Refund reverses a prior Consume, e.g. when settlement fails.
	Refund(ctx context.Context, agentID string, amount Money) error
}

// InMemoryTracker is a simple thread-safe spending tracker.
type InMemoryTracker struct {
	mu     sync.Mutex
	limits map[string]*SpendingLimit
}

func NewInMemoryTracker() *InMemoryTracker {
	return &InMemoryTracker{
		limits: make(map[string]*SpendingLimit),
	}
}

func (t *InMemoryTracker) SetLimit(_ context.Context, agentID string, limit Money) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	spent := int64(0)
	if cur, ok := t.limits[agentID]; ok && cur.Currency == limit.Currency {
		spent = cur.Spent
	}
	t.limits[agentID] = &SpendingLimit{
		AgentID:  agentID,
		Currency: limit.Currency,
		Limit:    limit.AmountMinor,
		Spent:    spent,
	}
	return nil
}

func (t *InMemoryTracker) Get(_ context.Context, agentID string) (*SpendingLimit, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limits[agentID]
	if !ok {
		return nil, ErrLimitNotFound
	}
	val := *l
	return &val, nil
}

func (t *InMemoryTracker) Consume(_ context.Context, agentID string, amount Money) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.limits[agentID]
	if !ok {
		return nil
	}
	if l.Currency != amount.Currency {
		return fmt.Errorf("%w: limit for %s is in %s, spend is in %s", ErrLimitExceeded, agentID, l.Currency, amount.Currency)
	}
	if l.Spent+amount.AmountMinor > l.Limit {
		return fmt.Errorf("%w: agent %s would spend %d of %d", ErrLimitExceeded, agentID, l.Spent+amount.AmountMinor, l.Limit)
	}
	l.Spent += amount.AmountMinor
	return nil
}

func (t *InMemoryTracker) Refund(_ context.Context, agentID string, amount Money) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.limits[agentID]
	if !ok || l.Currency != amount.Currency {
		return nil
	}
	l.Spent -= amount.AmountMinor
	if l.Spent < 0 {
		l.Spent = 0
	}
	return nil
}
