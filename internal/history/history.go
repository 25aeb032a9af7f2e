// history.go keeps a SQLite ledger of pipeline runs and their stage timings.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	createRunsStmt = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    status TEXT NOT NULL,
    failure_kind TEXT,
    error TEXT,
    manifest_digest TEXT,
    image_digest TEXT,
    layout TEXT
);`
	createStagesStmt = `
CREATE TABLE IF NOT EXISTS stages (
    run_id TEXT NOT NULL REFERENCES runs(id),
    seq INTEGER NOT NULL,
    name TEXT NOT NULL,
    duration_ms INTEGER NOT NULL,
    PRIMARY KEY (run_id, seq)
);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);`
	insertRunStmt   = `INSERT INTO runs(id, started_at, finished_at, status, failure_kind, error, manifest_digest, image_digest, layout) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)`
	insertStageStmt = `INSERT INTO stages(run_id, seq, name, duration_ms) VALUES(?, ?, ?, ?)`
	listRunsStmt    = `SELECT id, started_at, finished_at, status, COALESCE(failure_kind, ''), COALESCE(error, ''), COALESCE(manifest_digest, ''), COALESCE(image_digest, ''), COALESCE(layout, '') FROM runs ORDER BY started_at DESC, id LIMIT ?`
	listStagesStmt  = `SELECT name, duration_ms FROM stages WHERE run_id = ? ORDER BY seq`
)

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Stage is one timed pipeline stage.
type Stage struct {
	Name     string
	Duration time.Duration
}

// Run is one recorded pipeline run.
type Run struct {
	ID             string
	StartedAt      time.Time
	FinishedAt     time.Time
	Status         string
	FailureKind    string
	Error          string
	ManifestDigest string
	ImageDigest    string
	Layout         string
	Stages         []Stage
}

// DefaultPath is the ledger location under the user cache dir.
func DefaultPath() (string, error) {
	base, err := os.UserCacheDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "kiln", "history.db"), nil
}

// Store persists runs into a SQLite database.
type Store struct {
	db *sql.DB
}

// Open initializes a Store at path, creating the schema when missing.
func Open(path string) (*Store, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("sqlite path cannot be empty")
	}
	dir := filepath.Dir(p)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, stmt := range []string{createRunsStmt, createStagesStmt} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure history schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores run and its stages in one transaction.
func (s *Store) Record(ctx context.Context, run Run) error {
	if s == nil {
		return nil
	}
	if strings.TrimSpace(run.ID) == "" {
		return errors.New("run id is required")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, insertRunStmt,
		run.ID,
		formatTime(run.StartedAt),
		formatTime(run.FinishedAt),
		run.Status,
		nullable(run.FailureKind),
		nullable(run.Error),
		nullable(run.ManifestDigest),
		nullable(run.ImageDigest),
		nullable(run.Layout),
	); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for i, st := range run.Stages {
		if _, err := tx.ExecContext(ctx, insertStageStmt, run.ID, i, st.Name, st.Duration.Milliseconds()); err != nil {
			return fmt.Errorf("insert stage %s: %w", st.Name, err)
		}
	}
	return tx.Commit()
}

// List returns the most recent runs, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, listRunsStmt, limit)
	if err != nil {
		return nil, err
	}
	var runs []Run
	for rows.Next() {
		var r Run
		var started, finished string
		if err := rows.Scan(&r.ID, &started, &finished, &r.Status, &r.FailureKind, &r.Error, &r.ManifestDigest, &r.ImageDigest, &r.Layout); err != nil {
			rows.Close()
			return nil, err
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	for i := range runs {
		stages, err := s.stages(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Stages = stages
	}
	return runs, nil
}

func (s *Store) stages(ctx context.Context, runID string) ([]Stage, error) {
	rows, err := s.db.QueryContext(ctx, listStagesStmt, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Stage
	for rows.Next() {
		var name string
		var ms int64
		if err := rows.Scan(&name, &ms); err != nil {
			return nil, err
		}
		out = append(out, Stage{Name: name, Duration: time.Duration(ms) * time.Millisecond})
	}
	return out, rows.Err()
}

// StagesFrom converts ordered stage names and durations into ledger rows.
func StagesFrom(order []string, phases map[string]time.Duration) []Stage {
	out := make([]Stage, 0, len(phases))
	seen := map[string]struct{}{}
	for _, name := range order {
		if d, ok := phases[name]; ok {
			out = append(out, Stage{Name: name, Duration: d})
			seen[name] = struct{}{}
		}
	}
	var rest []string
	for name := range phases {
		if _, ok := seen[name]; !ok {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		out = append(out, Stage{Name: name, Duration: phases[name]})
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
