package agents

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRegistry implements Registry with SQL persistence.
type PostgresRegistry struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db, clock: time.Now}
}

const pgAgentSchema = `
CREATE TABLE IF NOT EXISTS payment_agents (
	agent_id TEXT PRIMARY KEY,
	public_key TEXT NOT NULL,
	role TEXT NOT NULL,
	version TEXT NOT NULL DEFAULT '',
	active BOOLEAN NOT NULL DEFAULT TRUE,
	registered_at TIMESTAMPTZ NOT NULL,
	metadata JSONB NOT NULL DEFAULT '{}'
);
`

func (r *PostgresRegistry) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, pgAgentSchema)
	return err
}

func (r *PostgresRegistry) Register(ctx context.Context, rec Record) (*Record, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	rec.Active = true
	rec.RegisteredAt = r.clock().UTC()
	if rec.Metadata == nil {
		rec.Metadata = map[string]any{}
	}
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal agent metadata: %w", err)
	}

	query := `
		INSERT INTO payment_agents (agent_id, public_key, role, version, active, registered_at, metadata)
		VALUES ($1, $2, $3, $4, TRUE, $5, $6)
		ON CONFLICT (agent_id) DO UPDATE
		SET public_key = $2, role = $3, version = $4, active = TRUE, registered_at = $5, metadata = $6
	`
	if _, err := r.db.ExecContext(ctx, query, rec.AgentID, rec.PublicKey, string(rec.Role), rec.Version, rec.RegisteredAt, meta); err != nil {
		return nil, fmt.Errorf("failed to register agent %s: %w", rec.AgentID, err)
	}
	return &rec, nil
}

func (r *PostgresRegistry) Lookup(ctx context.Context, agentID string) (*Record, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT agent_id, public_key, role, version, active, registered_at, metadata
		 FROM payment_agents WHERE agent_id = $1`, agentID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to look up agent %s: %w", agentID, err)
	}
	return rec, true, nil
}

func (r *PostgresRegistry) Remove(ctx context.Context, agentID string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM payment_agents WHERE agent_id = $1", agentID)
	if err != nil {
		return fmt.Errorf("failed to remove agent %s: %w", agentID, err)
	}
	return requireRow(res, agentID)
}

func (r *PostgresRegistry) SetActive(ctx context.Context, agentID string, active bool) error {
	res, err := r.db.ExecContext(ctx, "UPDATE payment_agents SET active = $1 WHERE agent_id = $2", active, agentID)
	if err != nil {
		return fmt.Errorf("failed to update agent %s: %w", agentID, err)
	}
	return requireRow(res, agentID)
}

func (r *PostgresRegistry) List(ctx context.Context) ([]*Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT agent_id, public_key, role, version, active, registered_at, metadata
		 FROM payment_agents ORDER BY agent_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan agent: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec  Record
		role string
		meta []byte
	)
	if err := s.Scan(&rec.AgentID, &rec.PublicKey, &role, &rec.Version, &rec.Active, &rec.RegisteredAt, &meta); err != nil {
		return nil, err
	}
	rec.Role = Role(role)
	rec.RegisteredAt = rec.RegisteredAt.UTC()
	rec.Metadata = map[string]any{}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal agent metadata: %w", err)
		}
	}
	return &rec, nil
}

func requireRow(res sql.Result, agentID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return nil
}
