// Package agents is the directory of agents known to the payment service.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

var (
	ErrAgentNotFound = errors.New("agent not found")
	ErrInvalidRole   = errors.New("unknown agent role")
	ErrInvalidAgent  = errors.New("invalid agent record")
)

// Role is the part an agent plays in a multi-agent payment.
type Role string

const (
	RoleInitiator Role = "initiator"
	RoleValidator Role = "validator"
	RoleExecutor  Role = "executor"
)

func (r Role) Valid() bool {
	switch r {
	case RoleInitiator, RoleValidator, RoleExecutor:
		return true
	}
	return false
}

// Record describes a registered agent.
type Record struct {
	AgentID      string         `json:"agent_id"`
	PublicKey    string         `json:"public_key"`
	Role         Role           `json:"role"`
	Version      string         `json:"version,omitempty"` // semantic version of the agent's protocol implementation
	Active       bool           `json:"active"`
	RegisteredAt time.Time      `json:"registered_at"`
	Metadata     map[string]any `json:"metadata"`
}

// Validate checks the fields a caller controls.
func (r *Record) Validate() error {
	if r.AgentID == "" {
		return fmt.Errorf("%w: agent_id is required", ErrInvalidAgent)
	}
	if !r.Role.Valid() {
		return fmt.Errorf("%w: %q for agent %s", ErrInvalidRole, r.Role, r.AgentID)
	}
	if r.Version != "" {
		if _, err := semver.NewVersion(r.Version); err != nil {
			return fmt.Errorf("%w: agent %s version %q: %v", ErrInvalidAgent, r.AgentID, r.Version, err)
		}
	}
	return nil
}

// SemVer parses the record's version. ok is false when none was declared.
func (r *Record) SemVer() (v *semver.Version, ok bool) {
	if r.Version == "" {
		return nil, false
	}
	v, err := semver.NewVersion(r.Version)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (r *Record) clone() *Record {
	c := *r
	c.Metadata = make(map[string]any, len(r.Metadata))
	for k, v := range r.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// Registry stores agent records. Register is an idempotent upsert:
// re-registering replaces the previous record and re-activates the agent.
type Registry interface {
	Register(ctx context.Context, rec Record) (*Record, error)
	Lookup(ctx context.Context, agentID string) (*Record, bool, error)
	Remove(ctx context.Context, agentID string) error
	SetActive(ctx context.Context, agentID string, active bool) error
	List(ctx context.Context) ([]*Record, error)
}

// MemoryRegistry is a thread-safe in-memory Registry. Records are copied on
// the way in and out so readers never share state with writers.
type MemoryRegistry struct {
	mu     sync.RWMutex
	agents map[string]*Record
	clock  func() time.Time
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		agents: make(map[string]*Record),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *MemoryRegistry) WithClock(clock func() time.Time) *MemoryRegistry {
	m.clock = clock
	return m
}

func (m *MemoryRegistry) Register(_ context.Context, rec Record) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	rec.Active = true
	rec.RegisteredAt = m.clock().UTC()
	stored := rec.clone()

	m.mu.Lock()
	m.agents[rec.AgentID] = stored
	m.mu.Unlock()

	return stored.clone(), nil
}

func (m *MemoryRegistry) Lookup(_ context.Context, agentID string) (*Record, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return nil, false, nil
	}
	return rec.clone(), true, nil
}

func (m *MemoryRegistry) Remove(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[agentID]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	delete(m.agents, agentID)
	return nil
}

func (m *MemoryRegistry) SetActive(_ context.Context, agentID string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[agentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	// Replace rather than mutate so outstanding clones stay consistent.
	next := rec.clone()
	next.Active = active
	m.agents[agentID] = next
	return nil
}

// List returns all records sorted by agent id.
func (m *MemoryRegistry) List(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	out := make([]*Record, 0, len(m.agents))
	for _, rec := range m.agents {
		out = append(out, rec.clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}
