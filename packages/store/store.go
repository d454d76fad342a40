// Package store keeps a history of finished runs in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/abdul-hamid-achik/testhub/packages/core/results"

	// SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

var ErrNoRuns = errors.New("no runs recorded")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	started_at  INTEGER NOT NULL,
	elapsed_ms  INTEGER NOT NULL,
	total       INTEGER NOT NULL,
	passed      INTEGER NOT NULL,
	failed      INTEGER NOT NULL,
	runners     INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS results (
	run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	seq         INTEGER NOT NULL,
	runner      TEXT NOT NULL,
	name        TEXT NOT NULL,
	passed      INTEGER NOT NULL,
	message     TEXT,
	duration_ms INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS runs_started_at ON runs(started_at);
`

// Run is one recorded run.
type Run struct {
	ID        string        `json:"id"`
	StartedAt time.Time     `json:"startedAt"`
	Elapsed   time.Duration `json:"elapsed"`
	Total     int           `json:"total"`
	Passed    int           `json:"passed"`
	Failed    int           `json:"failed"`
	Runners   int           `json:"runners"`
}

// OK reports whether the run had no failures.
func (r Run) OK() bool { return r.Failed == 0 }

// Result is one recorded test result.
type Result struct {
	Seq      int64         `json:"seq"`
	Runner   string        `json:"runner"`
	Name     string        `json:"name"`
	Passed   bool          `json:"passed"`
	Message  string        `json:"message,omitempty"`
	Duration time.Duration `json:"duration"`
}

type Store struct {
	db      *sql.DB
	timeout time.Duration
}

// Open opens (creating if needed) the history database. path may be a
// file path or a sqlite:// / sqlite: connection string.
func Open(path string) (*Store, error) {
	dsn := parseConnectionString(path)
	if dsn == "" {
		return nil, errors.New("empty history database path")
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize history database: %w", err)
	}

	return &Store{db: db, timeout: 30 * time.Second}, nil
}

func parseConnectionString(connStr string) string {
	connStr = strings.TrimSpace(connStr)
	if strings.HasPrefix(connStr, "sqlite://") {
		connStr = strings.TrimPrefix(connStr, "sqlite://")
	} else if strings.HasPrefix(connStr, "sqlite:") {
		connStr = strings.TrimPrefix(connStr, "sqlite:")
	}
	if connStr == "" {
		return ""
	}
	if !strings.Contains(connStr, "?") {
		connStr += "?_foreign_keys=on"
	}
	return connStr
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordRun stores a finished run and its results in one transaction.
func (s *Store) RecordRun(ctx context.Context, sum results.Summary, rs []*results.TestResult) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, elapsed_ms, total, passed, failed, runners) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sum.RunID, sum.StartedAt.UnixMilli(), sum.Elapsed.Milliseconds(),
		sum.Total, sum.Passed, sum.Failed, len(sum.Runners),
	)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", sum.RunID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO results (run_id, seq, runner, name, passed, message, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rs {
		var msg sql.NullString
		if r.Error != nil {
			msg = sql.NullString{String: r.Error.Message, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, sum.RunID, r.Seq, r.Runner, r.Name, r.Passed, msg, r.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("insert result %d: %w", r.Seq, err)
		}
	}

	return tx.Commit()
}

// RecentRuns returns up to limit runs, newest first.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, elapsed_ms, total, passed, failed, runners FROM runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	runs := make([]Run, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return runs, nil
}

// LastRun returns the newest run, or ErrNoRuns.
func (s *Store) LastRun(ctx context.Context) (Run, error) {
	runs, err := s.RecentRuns(ctx, 1)
	if err != nil {
		return Run{}, err
	}
	if len(runs) == 0 {
		return Run{}, ErrNoRuns
	}
	return runs[0], nil
}

// Results returns a run's results in sequence order.
func (s *Store) Results(ctx context.Context, runID string) ([]Result, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, runner, name, passed, message, duration_ms FROM results WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	out := make([]Result, 0)
	for rows.Next() {
		var (
			r          Result
			msg        sql.NullString
			durationMS int64
		)
		if err := rows.Scan(&r.Seq, &r.Runner, &r.Name, &r.Passed, &msg, &durationMS); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		r.Message = msg.String
		r.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return out, nil
}

func scanRun(rows *sql.Rows) (Run, error) {
	var (
		r                    Run
		startedMS, elapsedMS int64
	)
	if err := rows.Scan(&r.ID, &startedMS, &elapsedMS, &r.Total, &r.Passed, &r.Failed, &r.Runners); err != nil {
		return Run{}, fmt.Errorf("failed to scan row: %w", err)
	}
	r.StartedAt = time.UnixMilli(startedMS)
	r.Elapsed = time.Duration(elapsedMS) * time.Millisecond
	return r, nil
}
