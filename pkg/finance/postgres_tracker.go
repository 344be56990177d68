package finance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresTracker implements Tracker backed by PostgreSQL.
// Uses SELECT FOR UPDATE to provide row-level locking for atomic spend checks.
//
//	CREATE TABLE agent_spending_limits (
//	    agent_id    TEXT PRIMARY KEY,
//	    currency    TEXT   NOT NULL,
//	    spend_limit BIGINT NOT NULL,
//	    spent       BIGINT NOT NULL DEFAULT 0
//	);
type PostgresTracker struct {
	db *sql.DB
}

// NewPostgresTracker creates a new PostgreSQL-backed spending tracker.
func NewPostgresTracker(db *sql.DB) *PostgresTracker {
	return &PostgresTracker{db: db}
}

func (t *PostgresTracker) Init(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS agent_spending_limits (
	agent_id TEXT PRIMARY KEY,
	currency TEXT NOT NULL,
	spend_limit BIGINT NOT NULL,
	spent BIGINT NOT NULL DEFAULT 0
)`)
	if err != nil {
		return fmt.Errorf("create spending limits table: %w", err)
	}
	return nil
}

func (t *PostgresTracker) SetLimit(ctx context.Context, agentID string, limit Money) error {
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO agent_spending_limits (agent_id, currency, spend_limit, spent)
		 VALUES ($1, $2, $3, 0)
		 ON CONFLICT (agent_id) DO UPDATE SET
			spend_limit = EXCLUDED.spend_limit,
			spent = CASE WHEN agent_spending_limits.currency = EXCLUDED.currency THEN agent_spending_limits.spent ELSE 0 END,
			currency = EXCLUDED.currency`,
		agentID, limit.Currency, limit.AmountMinor,
	)
	if err != nil {
		return fmt.Errorf("failed to set spending limit: %w", err)
	}
	return nil
}

func (t *PostgresTracker) Get(ctx context.Context, agentID string) (*SpendingLimit, error) {
	l := SpendingLimit{AgentID: agentID}
	err := t.db.QueryRowContext(ctx,
		`SELECT currency, spend_limit, spent FROM agent_spending_limits WHERE agent_id = $1`,
		agentID,
	).Scan(&l.Currency, &l.Limit, &l.Spent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrLimitNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get spending limit: %w", err)
	}
	return &l, nil
}

// Consume atomically records the spend using SELECT FOR UPDATE.
// The row lock prevents two settlements from both fitting under the same limit.
func (t *PostgresTracker) Consume(ctx context.Context, agentID string, amount Money) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var currency string
	var limit, spent int64
	err = tx.QueryRowContext(ctx,
		`SELECT currency, spend_limit, spent FROM agent_spending_limits WHERE agent_id = $1 FOR UPDATE`,
		agentID,
	).Scan(&currency, &limit, &spent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("spending limit lock failed: %w", err)
	}

	if currency != amount.Currency {
		return fmt.Errorf("%w: limit for %s is in %s, spend is in %s", ErrLimitExceeded, agentID, currency, amount.Currency)
	}
	if spent+amount.AmountMinor > limit {
		return fmt.Errorf("%w: agent %s would spend %d of %d", ErrLimitExceeded, agentID, spent+amount.AmountMinor, limit)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE agent_spending_limits SET spent = spent + $1 WHERE agent_id = $2`,
		amount.AmountMinor, agentID,
	); err != nil {
		return fmt.Errorf("spending limit update failed: %w", err)
	}

	return tx.Commit()
}

func (t *PostgresTracker) Refund(ctx context.Context, agentID string, amount Money) error {
	_, err := t.db.ExecContext(ctx,
		`UPDATE agent_spending_limits SET spent = GREATEST(spent - $1, 0) WHERE agent_id = $2 AND currency = $3`,
		amount.AmountMinor, agentID, amount.Currency,
	)
	if err != nil {
		return fmt.Errorf("spending refund failed: %w", err)
	}
	return nil
}
