// Package tasklog persists per-session interaction history to SQLite for
// the admin stats surface. It is optional: the pipeline runs the same with
// logging disabled.
package tasklog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	session_id TEXT PRIMARY KEY,
	first_seen TEXT NOT NULL,
	last_active TEXT NOT NULL,
	interaction_count INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS interactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	user_text TEXT NOT NULL,
	reply TEXT NOT NULL,
	intent TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_interactions_session ON interactions(session_id);
CREATE INDEX IF NOT EXISTS idx_interactions_created ON interactions(created_at);
`

// timeFormat keeps stored timestamps lexicographically comparable.
const timeFormat = time.RFC3339

// Interaction is one logged exchange.
type Interaction struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	UserText  string    `json:"user_text"`
	Reply     string    `json:"reply"`
	Intent    string    `json:"intent"`
	CreatedAt time.Time `json:"created_at"`
}

// IntentCount is one row of the popular-intents breakdown.
type IntentCount struct {
	Intent string `json:"intent"`
	Count  int    `json:"count"`
}

// Stats is the admin snapshot.
type Stats struct {
	TotalUsers        int           `json:"total_users"`
	ActiveToday       int           `json:"active_today"`
	TotalInteractions int           `json:"total_interactions"`
	PopularIntents    []IntentCount `json:"popular_intents"`
}

// Log is the SQLite-backed interaction log.
type Log struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the interaction log at path.
func Open(path string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create tasklog directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open tasklog db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize tasklog schema: %w", err)
	}

	logger.Info("interaction log opened", zap.String("path", path))
	return &Log{db: db, logger: logger, now: time.Now}, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

// RecordInteraction stores one exchange and bumps the session's user row.
func (l *Log) RecordInteraction(ctx context.Context, sessionID, userText, reply, intentName string) error {
	now := l.now().UTC().Format(timeFormat)

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tasklog tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (session_id, first_seen, last_active, interaction_count)
		VALUES (?, ?, ?, 1)
		ON CONFLICT(session_id) DO UPDATE SET
			last_active = excluded.last_active,
			interaction_count = interaction_count + 1
	`, sessionID, now, now)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO interactions (session_id, user_text, reply, intent, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sessionID, userText, reply, intentName, now)
	if err != nil {
		return fmt.Errorf("insert interaction: %w", err)
	}

	return tx.Commit()
}

// Stats aggregates the admin counters.
func (l *Log) Stats(ctx context.Context) (Stats, error) {
	var s Stats

	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users`).Scan(&s.TotalUsers); err != nil {
		return s, fmt.Errorf("count users: %w", err)
	}

	y, m, d := l.now().UTC().Date()
	dayStart := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Format(timeFormat)
	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE last_active >= ?`, dayStart).Scan(&s.ActiveToday); err != nil {
		return s, fmt.Errorf("count active users: %w", err)
	}

	if err := l.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM interactions`).Scan(&s.TotalInteractions); err != nil {
		return s, fmt.Errorf("count interactions: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT intent, COUNT(*) AS n FROM interactions
		WHERE intent != ''
		GROUP BY intent ORDER BY n DESC, intent ASC LIMIT 5
	`)
	if err != nil {
		return s, fmt.Errorf("popular intents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ic IntentCount
		if err := rows.Scan(&ic.Intent, &ic.Count); err != nil {
			return s, fmt.Errorf("scan intent row: %w", err)
		}
		s.PopularIntents = append(s.PopularIntents, ic)
	}
	return s, rows.Err()
}

// Recent returns the newest interactions first, at most limit rows.
func (l *Log) Recent(ctx context.Context, limit int) ([]Interaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, session_id, user_text, reply, intent, created_at
		FROM interactions ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query interactions: %w", err)
	}
	defer rows.Close()

	var out []Interaction
	for rows.Next() {
		var it Interaction
		var created string
		if err := rows.Scan(&it.ID, &it.SessionID, &it.UserText, &it.Reply, &it.Intent, &created); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		if ts, err := time.Parse(timeFormat, created); err == nil {
			it.CreatedAt = ts
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
