// Package journal records pipeline run outcomes in SQLite: one row per
// top-level pipe call, one row per seed settlement. It stores outcomes only,
// never intermediate contexts.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:generate mockgen -destination=mocks/mock_recorder.go -package=mocks github.com/mattjoyce/conduct/internal/journal Recorder

// Recorder is the journal surface the CLI writes through.
type Recorder interface {
	BeginRun(ctx context.Context, pipeline, fingerprint string, seeds int) (string, error)
	RecordSettlement(ctx context.Context, runID string, index int, fulfilled bool, detail string) error
	CompleteRun(ctx context.Context, runID string, fulfilled, rejected int) error
}

// Run is one journalled pipe call.
type Run struct {
	ID          string     `json:"id"`
	Pipeline    string     `json:"pipeline"`
	Fingerprint string     `json:"fingerprint"`
	Seeds       int        `json:"seeds"`
	Fulfilled   int        `json:"fulfilled"`
	Rejected    int        `json:"rejected"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SettlementRow is one journalled per-seed outcome.
type SettlementRow struct {
	RunID     string `json:"run_id"`
	Index     int    `json:"index"`
	Fulfilled bool   `json:"fulfilled"`
	Detail    string `json:"detail,omitempty"`
}

var ErrRunNotFound = errors.New("run not found")

// Store is the SQLite-backed Recorder.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the journal database at path and ensures
// the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if err := bootstrap(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

func bootstrap(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
  id           TEXT PRIMARY KEY,
  pipeline     TEXT NOT NULL,
  fingerprint  TEXT NOT NULL,
  seeds        INTEGER NOT NULL,
  fulfilled    INTEGER NOT NULL DEFAULT 0,
  rejected     INTEGER NOT NULL DEFAULT 0,
  started_at   TEXT NOT NULL,
  completed_at TEXT
);`,
		`CREATE TABLE IF NOT EXISTS settlements (
  run_id    TEXT NOT NULL REFERENCES runs(id),
  idx       INTEGER NOT NULL,
  fulfilled INTEGER NOT NULL,
  detail    TEXT,
  PRIMARY KEY (run_id, idx)
);`,
		`CREATE INDEX IF NOT EXISTS runs_started_at_idx ON runs(started_at);`,
		`CREATE INDEX IF NOT EXISTS runs_fingerprint_idx ON runs(fingerprint);`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap journal schema: %w", err)
		}
	}
	return nil
}

// BeginRun inserts a run row and returns its id.
func (s *Store) BeginRun(ctx context.Context, pipeline, fingerprint string, seeds int) (string, error) {
	if pipeline == "" {
		return "", fmt.Errorf("pipeline is empty")
	}
	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs(id, pipeline, fingerprint, seeds, started_at)
VALUES(?, ?, ?, ?, ?);
`, id, pipeline, fingerprint, seeds, now)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// RecordSettlement stores the outcome of one seed at its original index.
func (s *Store) RecordSettlement(ctx context.Context, runID string, index int, fulfilled bool, detail string) error {
	if runID == "" {
		return fmt.Errorf("runID is empty")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO settlements(run_id, idx, fulfilled, detail)
VALUES(?, ?, ?, ?)
ON CONFLICT(run_id, idx) DO UPDATE SET fulfilled = excluded.fulfilled, detail = excluded.detail;
`, runID, index, boolToInt(fulfilled), detail)
	if err != nil {
		return fmt.Errorf("insert settlement: %w", err)
	}
	return nil
}

// CompleteRun stamps the run terminal with its outcome counts.
func (s *Store) CompleteRun(ctx context.Context, runID string, fulfilled, rejected int) error {
	if runID == "" {
		return fmt.Errorf("runID is empty")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `
UPDATE runs SET fulfilled = ?, rejected = ?, completed_at = ? WHERE id = ?;
`, fulfilled, rejected, now, runID)
	if err != nil {
		return fmt.Errorf("complete run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RecentRuns returns the newest runs first, capped at limit.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, pipeline, fingerprint, seeds, fulfilled, rejected, started_at, completed_at
FROM runs
ORDER BY started_at DESC, rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r          Run
			startedS   string
			completedS sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Pipeline, &r.Fingerprint, &r.Seeds, &r.Fulfilled, &r.Rejected, &startedS, &completedS); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, startedS); err == nil {
			r.StartedAt = t
		}
		if completedS.Valid {
			if t, err := time.Parse(time.RFC3339Nano, completedS.String); err == nil {
				r.CompletedAt = &t
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Settlements returns the settlements of one run in index order.
func (s *Store) Settlements(ctx context.Context, runID string) ([]SettlementRow, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT run_id, idx, fulfilled, detail
FROM settlements
WHERE run_id = ?
ORDER BY idx ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("query settlements: %w", err)
	}
	defer rows.Close()

	var out []SettlementRow
	for rows.Next() {
		var (
			row       SettlementRow
			fulfilled int
			detail    sql.NullString
		)
		if err := rows.Scan(&row.RunID, &row.Index, &fulfilled, &detail); err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		row.Fulfilled = fulfilled != 0
		if detail.Valid {
			row.Detail = detail.String
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
