// Package history persists session governance history to SQLite.
//
// The core never imports this package: the session loop talks to the
// session.Recorder interface and the host decides whether to wire this
// implementation in. An empty history path in config means no recording.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/hyperengineering/pulsegate/internal/governance"
	"github.com/hyperengineering/pulsegate/internal/session"
	"github.com/hyperengineering/pulsegate/migrations"
)

// SQLiteRecorder implements session.Recorder over a SQLite database.
type SQLiteRecorder struct {
	db *sql.DB
}

// NewSQLiteRecorder opens (or creates) the history database at dbPath,
// enables WAL mode, and applies pending migrations.
func NewSQLiteRecorder(dbPath string) (*SQLiteRecorder, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &SQLiteRecorder{db: db}, nil
}

// runMigrations applies all pending migrations using goose with the embedded
// SQL files.
func runMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)

	if err := goose.SetDialect("sqlite"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

// RecordTransition appends one governance status transition.
func (r *SQLiteRecorder) RecordTransition(ctx context.Context, sessionID string, from, to governance.Status, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO status_transitions (session_id, from_status, to_status, occurred_at)
		 VALUES (?, ?, ?, ?)`,
		sessionID, string(from), string(to), at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// RecordSessionEnd stores the final per-entity coin totals for a session.
func (r *SQLiteRecorder) RecordSessionEnd(ctx context.Context, sessionID string, endedAt time.Time, totals []session.EntityTotal) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin summary tx: %w", err)
	}
	defer tx.Rollback()

	for _, et := range totals {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_summaries (session_id, entity_id, profile_id, coins, ended_at)
			 VALUES (?, ?, ?, ?, ?)`,
			sessionID, et.EntityID, et.ProfileID, et.Coins, endedAt.UTC(),
		); err != nil {
			return fmt.Errorf("insert summary for %s: %w", et.EntityID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit summary: %w", err)
	}
	return nil
}

// Transition is one recorded status change, read back for inspection tools.
type Transition struct {
	SessionID  string
	From       governance.Status
	To         governance.Status
	OccurredAt time.Time
}

// Transitions returns all recorded transitions for a session in order.
func (r *SQLiteRecorder) Transitions(ctx context.Context, sessionID string) ([]Transition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT session_id, from_status, to_status, occurred_at
		 FROM status_transitions WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var from, to string
		if err := rows.Scan(&tr.SessionID, &from, &to, &tr.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		tr.From = governance.Status(from)
		tr.To = governance.Status(to)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// PruneBefore deletes transitions and summaries older than cutoff.
// Returns the number of rows removed.
func (r *SQLiteRecorder) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM status_transitions WHERE occurred_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune transitions: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	res, err = r.db.ExecContext(ctx,
		`DELETE FROM session_summaries WHERE ended_at < ?`, cutoff)
	if err != nil {
		return total, fmt.Errorf("prune summaries: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n

	return total, nil
}

// Close closes the underlying database.
func (r *SQLiteRecorder) Close() error {
	return r.db.Close()
}
