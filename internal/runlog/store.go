// Package runlog persists harness run history to a local SQLite file, so
// flaky scenarios can be spotted across runs.
package runlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("chmod db path: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

type Run struct {
	RunID      string
	SocketPath string
	StartedAt  time.Time
	FinishedAt *time.Time
}

type Result struct {
	RunID      string
	Scenario   string
	Passed     bool
	Reason     string
	Duration   time.Duration
	RecordedAt time.Time
}

func (s *Store) BeginRun(ctx context.Context, run Run) error {
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(run_id, socket_path, started_at) VALUES (?, ?, ?)
`, run.RunID, run.SocketPath, ts(run.StartedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func (s *Store) FinishRun(ctx context.Context, runID string, finishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET finished_at = ? WHERE run_id = ?
`, ts(finishedAt.UTC()), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish run rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("finish run: run %s not found", runID)
	}
	return nil
}

func (s *Store) RecordResult(ctx context.Context, result Result) error {
	if result.RecordedAt.IsZero() {
		result.RecordedAt = time.Now().UTC()
	}
	outcome := "fail"
	if result.Passed {
		outcome = "pass"
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO results(run_id, scenario, outcome, reason, duration_ms, recorded_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(run_id, scenario) DO UPDATE SET
	outcome=excluded.outcome,
	reason=excluded.reason,
	duration_ms=excluded.duration_ms,
	recorded_at=excluded.recorded_at
`, result.RunID, result.Scenario, outcome, result.Reason, result.Duration.Milliseconds(), ts(result.RecordedAt))
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	return nil
}

func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, socket_path, started_at, finished_at
FROM runs ORDER BY started_at DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var runs []Run
	for rows.Next() {
		var run Run
		var started string
		var finished sql.NullString
		if err := rows.Scan(&run.RunID, &run.SocketPath, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		run.StartedAt = parseTS(started)
		if finished.Valid {
			v := parseTS(finished.String)
			run.FinishedAt = &v
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *Store) RunResults(ctx context.Context, runID string) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, scenario, outcome, reason, duration_ms, recorded_at
FROM results WHERE run_id = ? ORDER BY recorded_at
`, runID)
	if err != nil {
		return nil, fmt.Errorf("run results: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var results []Result
	for rows.Next() {
		var result Result
		var outcome, recorded string
		var durationMS int64
		if err := rows.Scan(&result.RunID, &result.Scenario, &outcome, &result.Reason, &durationMS, &recorded); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		result.Passed = outcome == "pass"
		result.Duration = time.Duration(durationMS) * time.Millisecond
		result.RecordedAt = parseTS(recorded)
		results = append(results, result)
	}
	return results, rows.Err()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
