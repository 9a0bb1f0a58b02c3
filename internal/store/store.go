// Package store keeps a durable sqlite audit log of supervised runs so
// operators can review what was planned, executed, and verified on
// every target after the fact.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"opsmend/internal/loop"
)

var ErrRunNotFound = errors.New("run not found")

// Store is a single-writer sqlite handle.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the run history database at path and
// applies pending migrations.
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
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// RunSummary is one row of the run index.
type RunSummary struct {
	ID        string
	Goal      string
	Target    string
	Success   bool
	Final     int
	CreatedAt time.Time
}

// SaveRun persists a finished outcome with all its attempts and returns
// the generated run id.
func (s *Store) SaveRun(ctx context.Context, target string, out loop.Outcome) (string, error) {
	id := uuid.NewString()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT INTO runs(run_id, goal, target, success, final_attempt, created_at)
VALUES (?, ?, ?, ?, ?, ?)
`, id, out.Goal, target, boolToInt(out.Success), out.Final, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}

	for _, a := range out.Attempts {
		plan, err := json.Marshal(a.Plan)
		if err != nil {
			return "", fmt.Errorf("marshal plan: %w", err)
		}
		transcript, err := json.Marshal(a.Transcript)
		if err != nil {
			return "", fmt.Errorf("marshal transcript: %w", err)
		}
		verification, err := json.Marshal(a.Verification)
		if err != nil {
			return "", fmt.Errorf("marshal verification: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO attempts(run_id, attempt_number, plan, transcript, verification)
VALUES (?, ?, ?, ?, ?)
`, id, a.Number, string(plan), string(transcript), string(verification))
		if err != nil {
			return "", fmt.Errorf("insert attempt %d: %w", a.Number, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return id, nil
}

// GetRun loads a run and its attempts back into an outcome.
func (s *Store) GetRun(ctx context.Context, id string) (loop.Outcome, error) {
	var out loop.Outcome
	var success int
	err := s.db.QueryRowContext(ctx, `
SELECT goal, success, final_attempt FROM runs WHERE run_id = ?
`, id).Scan(&out.Goal, &success, &out.Final)
	if errors.Is(err, sql.ErrNoRows) {
		return loop.Outcome{}, ErrRunNotFound
	}
	if err != nil {
		return loop.Outcome{}, fmt.Errorf("select run: %w", err)
	}
	out.Success = success != 0

	rows, err := s.db.QueryContext(ctx, `
SELECT attempt_number, plan, transcript, verification
FROM attempts WHERE run_id = ? ORDER BY attempt_number
`, id)
	if err != nil {
		return loop.Outcome{}, fmt.Errorf("select attempts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var a loop.Attempt
		var plan, transcript, verification string
		if err := rows.Scan(&a.Number, &plan, &transcript, &verification); err != nil {
			return loop.Outcome{}, fmt.Errorf("scan attempt: %w", err)
		}
		if err := json.Unmarshal([]byte(plan), &a.Plan); err != nil {
			return loop.Outcome{}, fmt.Errorf("decode plan: %w", err)
		}
		if err := json.Unmarshal([]byte(transcript), &a.Transcript); err != nil {
			return loop.Outcome{}, fmt.Errorf("decode transcript: %w", err)
		}
		if err := json.Unmarshal([]byte(verification), &a.Verification); err != nil {
			return loop.Outcome{}, fmt.Errorf("decode verification: %w", err)
		}
		out.Attempts = append(out.Attempts, a)
	}
	return out, rows.Err()
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, goal, target, success, final_attempt, created_at
FROM runs ORDER BY created_at DESC, run_id LIMIT ?
`, limit)
	if err != nil {
		return nil, fmt.Errorf("select runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var success int
		var created string
		if err := rows.Scan(&r.ID, &r.Goal, &r.Target, &success, &r.Final, &created); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.Success = success != 0
		r.CreatedAt, _ = time.Parse(time.RFC3339, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
