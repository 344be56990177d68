// Package actions keeps the per-agent log of payment actions: consensus
// outcomes, settlements and direct payments.
package actions

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/helm-pay/pkg/finance"
)

// Type classifies an action.
type Type string

const (
	TypeConsensusAuthorized Type = "consensus_authorized"
	TypeConsensusFailed     Type = "consensus_failed"
	TypeMultiAgentPayment   Type = "multi_agent_payment"
	TypeDirectPayment       Type = "direct_payment"
)

// Status values mirror the settlement outcome of the action.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Action is one log entry.
type Action struct {
	ID        string         `json:"id"`
	AgentID   string         `json:"agent_id"`
	Type      Type           `json:"action_type"`
	Amount    finance.Money  `json:"amount"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// Log is an append-only action log.
type Log interface {
	Append(ctx context.Context, a *Action) error
	// List returns the agent's most recent actions, newest first. limit <= 0 means no limit.
	List(ctx context.Context, agentID string, limit int) ([]*Action, error)
}

// prepare fills the id and timestamp when absent.
func prepare(a *Action, now time.Time) {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now.UTC()
	}
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
}

// MemoryLog is an in-memory Log.
type MemoryLog struct {
	mu      sync.RWMutex
	byAgent map[string][]*Action
	clock   func() time.Time
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{byAgent: make(map[string][]*Action), clock: time.Now}
}

func (l *MemoryLog) Append(_ context.Context, a *Action) error {
	c := *a
	prepare(&c, l.clock())
	c.Metadata = copyMeta(c.Metadata)
	a.ID, a.CreatedAt = c.ID, c.CreatedAt

	l.mu.Lock()
	defer l.mu.Unlock()
	l.byAgent[c.AgentID] = append(l.byAgent[c.AgentID], &c)
	return nil
}

func (l *MemoryLog) List(_ context.Context, agentID string, limit int) ([]*Action, error) {
	l.mu.RLock()
	src := l.byAgent[agentID]
	out := make([]*Action, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		a := src[i]
		c := *a
		c.Metadata = copyMeta(a.Metadata)
		out = append(out, &c)
	}
	l.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func copyMeta(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
