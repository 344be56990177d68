package actions

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteLog persists the action log in SQLite.
type SQLiteLog struct {
	db    *sql.DB
	clock func() time.Time
}

func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	l := &SQLiteLog{db: db, clock: time.Now}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS agent_actions (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		action_type TEXT NOT NULL,
		amount_minor INTEGER NOT NULL,
		currency TEXT NOT NULL,
		scale INTEGER NOT NULL,
		status TEXT NOT NULL,
		metadata JSON,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_agent_actions_agent ON agent_actions (agent_id, created_at);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

func (l *SQLiteLog) Append(ctx context.Context, a *Action) error {
	prepare(a, l.clock())
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode action metadata: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO agent_actions (id, agent_id, action_type, amount_minor, currency, scale, status, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.AgentID, string(a.Type), a.Amount.AmountMinor, a.Amount.Currency, a.Amount.Scale,
		a.Status, string(meta), a.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	return nil
}

func (l *SQLiteLog) List(ctx context.Context, agentID string, limit int) ([]*Action, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, agent_id, action_type, amount_minor, currency, scale, status, metadata, created_at
		 FROM agent_actions
		 WHERE agent_id = ?
		 ORDER BY created_at DESC, rowid DESC
		 LIMIT ?`, agentID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*Action
	for rows.Next() {
		var (
			a       Action
			typ     string
			meta    sql.NullString
			created string
		)
		if err := rows.Scan(&a.ID, &a.AgentID, &typ, &a.Amount.AmountMinor, &a.Amount.Currency, &a.Amount.Scale,
			&a.Status, &meta, &created); err != nil {
			return nil, err
		}
		a.Type = Type(typ)
		a.CreatedAt, err = time.Parse(timeLayout, created)
		if err != nil {
			return nil, fmt.Errorf("bad action timestamp %q: %w", created, err)
		}
		a.Metadata = map[string]any{}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &a.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode action metadata: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
