// Package stores persists step-execution history in SQLite. Every step an
// experiment runs leaves one row, so "what did I last do to this
// experiment" survives across sessions.
package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Step execution outcomes.
const (
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// StepRun is one recorded step execution.
type StepRun struct {
	ID         string
	Experiment string
	Step       string
	StartedAt  time.Time
	FinishedAt sql.NullTime
	Status     string
	Error      string
}

// HistoryStore records step executions in a SQLite database.
type HistoryStore struct {
	db   *sql.DB
	path string
}

// NewHistoryStore creates a store backed by the database file at path.
func NewHistoryStore(path string) (*HistoryStore, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &HistoryStore{path: path}, nil
}

// Init opens the database, enables WAL mode and applies pending migrations.
func (s *HistoryStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}
	s.db = db
	return s.migrate()
}

// Close closes the database connection.
func (s *HistoryStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func (s *HistoryStore) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// RecordStart inserts a running execution and returns its id.
func (s *HistoryStore) RecordStart(ctx context.Context, experiment, step string) (string, error) {
	id := uuid.New().String()
	query := `
		INSERT INTO step_runs (id, experiment, step, started_at, status)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query, id, experiment, step, time.Now().UTC(), StatusRunning)
	if err != nil {
		return "", fmt.Errorf("failed to record step start: %w", err)
	}
	return id, nil
}

// RecordFinish marks the execution identified by id as done or failed.
func (s *HistoryStore) RecordFinish(ctx context.Context, id string, stepErr error) error {
	status := StatusDone
	message := ""
	if stepErr != nil {
		status = StatusFailed
		message = stepErr.Error()
	}
	query := `
		UPDATE step_runs SET finished_at = ?, status = ?, error = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), status, message, id)
	if err != nil {
		return fmt.Errorf("failed to record step outcome: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("no recorded execution with id %s", id)
	}
	return nil
}

// ListRecent returns the most recent executions for an experiment, newest
// first.
func (s *HistoryStore) ListRecent(ctx context.Context, experiment string, limit int) ([]StepRun, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, experiment, step, started_at, finished_at, status, error
		FROM step_runs
		WHERE experiment = ?
		ORDER BY started_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, experiment, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list step runs: %w", err)
	}
	defer rows.Close()

	var out []StepRun
	for rows.Next() {
		var sr StepRun
		if err := rows.Scan(&sr.ID, &sr.Experiment, &sr.Step, &sr.StartedAt,
			&sr.FinishedAt, &sr.Status, &sr.Error); err != nil {
			return nil, fmt.Errorf("failed to scan step run: %w", err)
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// Recorder binds the store to one experiment as a step-execution recorder.
func (s *HistoryStore) Recorder(experiment string) *ExperimentRecorder {
	return &ExperimentRecorder{store: s, experiment: experiment}
}

// ExperimentRecorder implements steps.Recorder for a single experiment.
type ExperimentRecorder struct {
	store      *HistoryStore
	experiment string
}

// StepStarted records the start of a step execution.
func (r *ExperimentRecorder) StepStarted(ctx context.Context, step string) (string, error) {
	return r.store.RecordStart(ctx, r.experiment, step)
}

// StepFinished records the outcome of a step execution.
func (r *ExperimentRecorder) StepFinished(ctx context.Context, id string, stepErr error) error {
	return r.store.RecordFinish(ctx, id, stepErr)
}
