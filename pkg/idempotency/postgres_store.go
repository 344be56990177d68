package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore provides durable idempotency backed by PostgreSQL.
//
//	CREATE TABLE idempotency_keys (
//	    key         TEXT PRIMARY KEY,
//	    fingerprint TEXT NOT NULL DEFAULT '',
//	    state       TEXT NOT NULL,
//	    status_code INTEGER NOT NULL DEFAULT 0,
//	    response    BYTEA,
//	    created_at  TIMESTAMPTZ NOT NULL
//	);
type PostgresStore struct {
	db    *sql.DB
	ttl   time.Duration
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB, ttl time.Duration) *PostgresStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PostgresStore{db: db, ttl: ttl, clock: time.Now}
}

// Init creates the idempotency table if it does not exist.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS idempotency_keys (
	key TEXT PRIMARY KEY,
	fingerprint TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	response BYTEA,
	created_at TIMESTAMPTZ NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("create idempotency table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Reserve(ctx context.Context, key, fingerprint string) (*Record, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	now := s.clock().UTC()

	// Expired keys are reclaimed by the same statement that reserves them.
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, fingerprint, state, status_code, response, created_at)
		 VALUES ($1, $2, $3, 0, NULL, $4)
		 ON CONFLICT (key) DO UPDATE SET fingerprint = $2, state = $3, status_code = 0, response = NULL, created_at = $4
		 WHERE idempotency_keys.created_at < $5`,
		key, fingerprint, string(StateInProgress), now, now.Add(-s.ttl),
	)
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if n == 1 {
		return &Record{Key: key, Fingerprint: fingerprint, State: StateInProgress, CreatedAt: now}, true, nil
	}

	var (
		rec   = Record{Key: key}
		state string
		resp  []byte
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT fingerprint, state, status_code, response, created_at FROM idempotency_keys WHERE key = $1`, key,
	).Scan(&rec.Fingerprint, &state, &rec.StatusCode, &resp, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		// Released between the insert and the read; the caller may retry.
		return nil, false, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err != nil {
		return nil, false, fmt.Errorf("load idempotency key: %w", err)
	}
	rec.State = State(state)
	rec.Response = resp
	return &rec, false, nil
}

func (s *PostgresStore) Complete(ctx context.Context, key string, statusCode int, response []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET state = $1, status_code = $2, response = $3 WHERE key = $4`,
		string(StateCompleted), statusCode, response, key,
	)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}

// Cleanup removes keys older than the TTL.
func (s *PostgresStore) Cleanup(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE created_at < $1`, s.clock().UTC().Add(-s.ttl))
	if err != nil {
		return 0, fmt.Errorf("cleanup idempotency keys: %w", err)
	}
	return res.RowsAffected()
}
