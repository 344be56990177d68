package consensus

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore persists transactions in SQLite. Validators and votes are
// stored as JSON columns.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS multi_agent_transactions (
		transaction_id TEXT PRIMARY KEY,
		initiator_agent_id TEXT NOT NULL,
		validator_agents JSON NOT NULL,
		required_votes INTEGER NOT NULL,
		consensus_votes JSON NOT NULL,
		status TEXT NOT NULL,
		amount_minor INTEGER NOT NULL,
		currency TEXT NOT NULL,
		scale INTEGER NOT NULL,
		mandate_id TEXT NOT NULL DEFAULT '',
		transfer_id TEXT NOT NULL DEFAULT '',
		transfer_status TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_mat_status ON multi_agent_transactions (status, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteStore) Save(ctx context.Context, tx *Transaction) error {
	validators, err := json.Marshal(tx.Validators)
	if err != nil {
		return fmt.Errorf("encode validators: %w", err)
	}
	votes := tx.Votes
	if votes == nil {
		votes = []Vote{}
	}
	votesJSON, err := json.Marshal(votes)
	if err != nil {
		return fmt.Errorf("encode votes: %w", err)
	}

	query := `INSERT INTO multi_agent_transactions (
		transaction_id, initiator_agent_id, validator_agents, required_votes, consensus_votes, status,
		amount_minor, currency, scale, mandate_id, transfer_id, transfer_status, failure_reason, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (transaction_id) DO UPDATE SET
		consensus_votes = excluded.consensus_votes,
		status = excluded.status,
		transfer_id = excluded.transfer_id,
		transfer_status = excluded.transfer_status,
		failure_reason = excluded.failure_reason,
		updated_at = excluded.updated_at`

	_, err = s.db.ExecContext(ctx, query,
		tx.ID, tx.InitiatorAgentID, string(validators), tx.RequiredVotes, string(votesJSON), string(tx.Status),
		tx.Amount.AmountMinor, tx.Amount.Currency, tx.Amount.Scale, tx.MandateID, tx.TransferID, tx.TransferStatus,
		tx.FailureReason, tx.CreatedAt.UTC().Format(timeLayout), tx.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to save transaction: %w", err)
	}
	return nil
}

const selectColumns = `SELECT transaction_id, initiator_agent_id, validator_agents, required_votes, consensus_votes, status,
	amount_minor, currency, scale, mandate_id, transfer_id, transfer_status, failure_reason, created_at, updated_at
	FROM multi_agent_transactions`

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE transaction_id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
	}
	return tx, err
}

// List returns transactions newest first, optionally filtered by status.
func (s *SQLiteStore) List(ctx context.Context, status Status, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = -1
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC, rowid DESC LIMIT ?`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, selectColumns+` WHERE status = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, string(status), limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(r rowScanner) (*Transaction, error) {
	var (
		tx                 Transaction
		validators, votes  string
		status             string
		createdAt, updated string
	)
	err := r.Scan(&tx.ID, &tx.InitiatorAgentID, &validators, &tx.RequiredVotes, &votes, &status,
		&tx.Amount.AmountMinor, &tx.Amount.Currency, &tx.Amount.Scale, &tx.MandateID, &tx.TransferID,
		&tx.TransferStatus, &tx.FailureReason, &createdAt, &updated)
	if err != nil {
		return nil, err
	}
	if tx.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(validators), &tx.Validators); err != nil {
		return nil, fmt.Errorf("decode validators of %s: %w", tx.ID, err)
	}
	if err := json.Unmarshal([]byte(votes), &tx.Votes); err != nil {
		return nil, fmt.Errorf("decode votes of %s: %w", tx.ID, err)
	}
	if tx.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("decode created_at of %s: %w", tx.ID, err)
	}
	if tx.UpdatedAt, err = time.Parse(timeLayout, updated); err != nil {
		return nil, fmt.Errorf("decode updated_at of %s: %w", tx.ID, err)
	}
	return &tx, nil
}
