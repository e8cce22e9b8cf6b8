// Package metrics persists one append-only record per completed repair
// run in a local SQLite database, giving the CLI a history to report on.
package metrics

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Record summarizes one finished repair run.
type Record struct {
	ID                string        `json:"id"`
	Document          string        `json:"document,omitempty"`
	Status            string        `json:"status"`
	Success           bool          `json:"success"`
	FinalScore        float64       `json:"final_score"`
	PhasesCompleted   int           `json:"phases_completed"`
	DefectsFixed      int           `json:"defects_fixed"`
	DefectsRemaining  int           `json:"defects_remaining"`
	CollaboratorCalls int           `json:"collaborator_calls"`
	RollbackOccurred  bool          `json:"rollback_occurred"`
	Duration          time.Duration `json:"duration"`
	CreatedAt         time.Time     `json:"created_at"`
}

// Sink accepts completed run records. Implementations must tolerate
// concurrent appends.
type Sink interface {
	Append(ctx context.Context, rec Record) error
}

// Discard drops every record. Useful when persistence is switched off.
var Discard Sink = discard{}

type discard struct{}

func (discard) Append(context.Context, Record) error { return nil }

// Store persists records in a SQLite database file.
type Store struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Open creates or opens the run database at dbPath, creating parent
// directories as needed.
func Open(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		document TEXT,
		status TEXT NOT NULL,
		success INTEGER NOT NULL,
		final_score REAL NOT NULL,
		phases_completed INTEGER NOT NULL,
		defects_fixed INTEGER NOT NULL,
		defects_remaining INTEGER NOT NULL,
		collaborator_calls INTEGER NOT NULL,
		rollback_occurred INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append stores one record. A missing ID or timestamp is filled in.
func (s *Store) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, document, status, success, final_score,
			phases_completed, defects_fixed, defects_remaining,
			collaborator_calls, rollback_occurred, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, rec.ID, rec.Document, rec.Status, rec.Success, rec.FinalScore,
		rec.PhasesCompleted, rec.DefectsFixed, rec.DefectsRemaining,
		rec.CollaboratorCalls, rec.RollbackOccurred,
		rec.Duration.Milliseconds(), rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// List returns the most recent records, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document, status, success, final_score, phases_completed,
			defects_fixed, defects_remaining, collaborator_calls,
			rollback_occurred, duration_ms, created_at
		FROM runs
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var doc sql.NullString
		var durationMs int64
		if err := rows.Scan(&rec.ID, &doc, &rec.Status, &rec.Success,
			&rec.FinalScore, &rec.PhasesCompleted, &rec.DefectsFixed,
			&rec.DefectsRemaining, &rec.CollaboratorCalls,
			&rec.RollbackOccurred, &durationMs, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.Document = doc.String
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Summary aggregates the recorded runs.
type Summary struct {
	Runs         int
	Passed       int
	Rollbacks    int
	MeanScore    float64
	MeanDuration time.Duration
}

// Summarize computes aggregate statistics over every recorded run.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum Summary
	var meanScore, meanMs sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(success), 0),
			COALESCE(SUM(rollback_occurred), 0),
			AVG(final_score),
			AVG(duration_ms)
		FROM runs
	`).Scan(&sum.Runs, &sum.Passed, &sum.Rollbacks, &meanScore, &meanMs)
	if err != nil {
		return Summary{}, err
	}
	if meanScore.Valid {
		sum.MeanScore = meanScore.Float64
	}
	if meanMs.Valid {
		sum.MeanDuration = time.Duration(meanMs.Float64 * float64(time.Millisecond))
	}
	return sum, nil
}
