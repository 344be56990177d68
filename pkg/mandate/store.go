package mandate

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

// Store is the issuance record: every mandate an authority has signed.
type Store interface {
	Save(ctx context.Context, m *Mandate) error
	Get(ctx context.Context, id string) (*Mandate, error)
}

// MemoryStore implements Store in memory.
// Thread-safe via RWMutex.
type MemoryStore struct {
	mu       sync.RWMutex
	mandates map[string]*Mandate
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{mandates: make(map[string]*Mandate)}
}

func (s *MemoryStore) Save(_ context.Context, m *Mandate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.mandates[m.ID]; exists {
		return fmt.Errorf("mandate %s already recorded", m.ID)
	}
	s.mandates[m.ID] = clone(m)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mandates[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMandateNotFound, id)
	}
	return clone(m), nil
}

// clone returns a copy that shares nothing mutable with m.
func clone(m *Mandate) *Mandate {
	c := *m
	c.Metadata = make(map[string]any, len(m.Metadata))
	for k, v := range m.Metadata {
		c.Metadata[k] = v
	}
	return &c
}

// PostgresStore implements Store using PostgreSQL.
//
//	CREATE TABLE payment_mandates (
//	    mandate_id   TEXT PRIMARY KEY,
//	    agent_id     TEXT NOT NULL,
//	    mandate_type TEXT NOT NULL,
//	    amount_minor BIGINT NOT NULL,
//	    currency     TEXT NOT NULL,
//	    scale        INTEGER NOT NULL,
//	    description  TEXT NOT NULL,
//	    signature    TEXT NOT NULL,
//	    expires_at   TIMESTAMPTZ NOT NULL,
//	    metadata     JSONB NOT NULL DEFAULT '{}'
//	);
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Init creates the mandates table if it does not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS payment_mandates (
	mandate_id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	mandate_type TEXT NOT NULL,
	amount_minor BIGINT NOT NULL,
	currency TEXT NOT NULL,
	scale INTEGER NOT NULL,
	description TEXT NOT NULL,
	signature TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS payment_mandates_agent_idx ON payment_mandates (agent_id);`)
	if err != nil {
		return fmt.Errorf("create mandates table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, m *Mandate) error {
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return fmt.Errorf("encode mandate metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO payment_mandates
		 (mandate_id, agent_id, mandate_type, amount_minor, currency, scale, description, signature, expires_at, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.AgentID, string(m.Type), m.Amount.AmountMinor, m.Amount.Currency, m.Amount.Scale,
		m.Description, m.Signature, m.Expiry.UTC(), meta,
	)
	if err != nil {
		return fmt.Errorf("failed to insert mandate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Mandate, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT mandate_id, agent_id, mandate_type, amount_minor, currency, scale, description, signature, expires_at, metadata
		 FROM payment_mandates WHERE mandate_id = $1`, id)

	var (
		m       Mandate
		typ     string
		expires time.Time
		meta    []byte
	)
	err := row.Scan(&m.ID, &m.AgentID, &typ, &m.Amount.AmountMinor, &m.Amount.Currency, &m.Amount.Scale,
		&m.Description, &m.Signature, &expires, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrMandateNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mandate: %w", err)
	}
	m.Type = Type(typ)
	m.Expiry = expires.UTC()
	m.Metadata = map[string]any{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &m.Metadata); err != nil {
			return nil, fmt.Errorf("decode mandate metadata: %w", err)
		}
	}
	return &m, nil
}
