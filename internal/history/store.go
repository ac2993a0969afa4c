// Package history persists window and run summaries to a sqlite database so
// results from successive load tests can be compared later.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	// Import modernc.org/sqlite as a blank import to register the driver
	_ "modernc.org/sqlite"

	"github.com/torosent/chatload/internal/metrics"
)

// Store is a metrics.SummarySink backed by sqlite.
type Store struct {
	db   *sql.DB
	path string
}

// Run is one finished load test as stored in the runs table.
type Run struct {
	RunID     string
	Start     time.Time
	End       time.Time
	Requests  int64
	Failures  int64
	Throttled int64
	RPM       float64
	E2EP95Ms  float64
	GenTPM    float64
	Windows   int
	Summary   metrics.Summary
}

// Open opens (or creates) the database at path and ensures the schema exists.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	// One writer keeps sqlite from returning SQLITE_BUSY inside a single run.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect history database: %w", err)
	}

	s := &Store{db: db, path: path}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.createSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(context.Background(), pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) createSchema() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			start_time TEXT NOT NULL,
			end_time TEXT NOT NULL,
			requests INTEGER NOT NULL,
			failures INTEGER NOT NULL,
			throttled INTEGER NOT NULL,
			rpm REAL NOT NULL,
			e2e_p95_ms REAL NOT NULL,
			gen_tpm REAL NOT NULL,
			summary TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS windows (
			run_id TEXT NOT NULL,
			window_index INTEGER NOT NULL,
			end_time TEXT NOT NULL,
			requests INTEGER NOT NULL,
			failures INTEGER NOT NULL,
			throttled INTEGER NOT NULL,
			rpm REAL NOT NULL,
			e2e_p95_ms REAL NOT NULL,
			gen_tpm REAL NOT NULL,
			summary TEXT NOT NULL,
			PRIMARY KEY (run_id, window_index)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_end ON runs(end_time)`,
	}
	for _, q := range queries {
		if _, err := s.db.ExecContext(context.Background(), q); err != nil {
			return fmt.Errorf("create history schema: %w", err)
		}
	}
	return nil
}

// WriteSummary stores a window row or the final run row.
func (s *Store) WriteSummary(sum metrics.Summary) error {
	payload, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	ctx := context.Background()
	switch sum.Kind {
	case metrics.KindRun:
		_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO runs
			(run_id, start_time, end_time, requests, failures, throttled, rpm, e2e_p95_ms, gen_tpm, summary)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sum.RunID, formatTime(sum.Start), formatTime(sum.End),
			sum.Requests, sum.Failures, sum.Throttled,
			sum.RPM, sum.E2EP95Ms, sum.GenTPM, string(payload))
	default:
		_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO windows
			(run_id, window_index, end_time, requests, failures, throttled, rpm, e2e_p95_ms, gen_tpm, summary)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sum.RunID, sum.Window, formatTime(sum.End),
			sum.Requests, sum.Failures, sum.Throttled,
			sum.RPM, sum.E2EP95Ms, sum.GenTPM, string(payload))
	}
	if err != nil {
		return fmt.Errorf("store %s summary: %w", sum.Kind, err)
	}
	return nil
}

// Runs returns up to limit finished runs, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT r.run_id, r.start_time, r.end_time,
			r.requests, r.failures, r.throttled, r.rpm, r.e2e_p95_ms, r.gen_tpm, r.summary,
			(SELECT COUNT(*) FROM windows w WHERE w.run_id = r.run_id)
		FROM runs r
		ORDER BY r.end_time DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r          Run
			start, end string
			payload    string
		)
		if err := rows.Scan(&r.RunID, &start, &end, &r.Requests, &r.Failures, &r.Throttled,
			&r.RPM, &r.E2EP95Ms, &r.GenTPM, &payload, &r.Windows); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Start = parseTime(start)
		r.End = parseTime(end)
		if err := json.Unmarshal([]byte(payload), &r.Summary); err != nil {
			return nil, fmt.Errorf("decode run %s: %w", r.RunID, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Times are stored as UTC RFC3339 so sqlite's date functions and string
// ordering both work on them.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}
