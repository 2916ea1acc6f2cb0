// Package postgres provides the Postgres-backed job run history.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/scrape-job-tracker/internal/store"
)

// Schema creates the job_runs table used by RunStore.
const Schema = `
CREATE TABLE IF NOT EXISTS job_runs (
	job_id        TEXT        NOT NULL,
	url           TEXT        NOT NULL,
	started_at    TIMESTAMPTZ NOT NULL,
	finished_at   TIMESTAMPTZ,
	status        TEXT        NOT NULL,
	progress      DOUBLE PRECISION NOT NULL DEFAULT 0,
	step          TEXT        NOT NULL DEFAULT '',
	updated_at    TIMESTAMPTZ NOT NULL,
	error_message TEXT,
	PRIMARY KEY (job_id, started_at)
);
CREATE INDEX IF NOT EXISTS job_runs_status_idx ON job_runs (status, started_at DESC);
`

// Config controls the Postgres connection pool used for run history.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate applies Schema on connect.
	Migrate bool
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// RunStore implements store.RunRepository using Postgres.
type RunStore struct {
	pool pool
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore connects a pgx pool using cfg.
func NewRunStore(ctx context.Context, cfg Config) (*RunStore, error) {
	if cfg.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &RunStore{pool: p}
	if cfg.Migrate {
		if err := s.Migrate(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewRunStoreWithPool wraps an existing pool (or pgxmock pool in tests).
func NewRunStoreWithPool(p pool) (*RunStore, error) {
	if p == nil {
		return nil, errors.New("pool is required")
	}
	return &RunStore{pool: p}, nil
}

// Migrate applies Schema.
func (s *RunStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate job_runs: %w", err)
	}
	return nil
}

// Close closes the underlying connection pool.
func (s *RunStore) Close() {
	s.pool.Close()
}

// StartRun inserts a running row; a duplicate start for the same instant is ignored.
func (s *RunStore) StartRun(ctx context.Context, jobID, url string, startedAt time.Time) error {
	const query = `
		INSERT INTO job_runs (job_id, url, started_at, status, updated_at)
		VALUES ($1, $2, $3, $4, $3)
		ON CONFLICT (job_id, started_at) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, jobID, url, startedAt, store.RunRunning); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// RecordProgress updates the open run. Progress never moves backwards.
func (s *RunStore) RecordProgress(ctx context.Context, jobID string, progress float64, step string, at time.Time) error {
	const query = `
		UPDATE job_runs
		SET progress = GREATEST(progress, $1), step = $2, updated_at = $3
		WHERE job_id = $4 AND status = $5;
	`
	if _, err := s.pool.Exec(ctx, query, progress, step, at, jobID, store.RunRunning); err != nil {
		return fmt.Errorf("failed to record progress: %w", err)
	}
	return nil
}

// FinishRun closes the open run. Runs that are already finished are left untouched.
func (s *RunStore) FinishRun(
	ctx context.Context,
	jobID string,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	if !status.Valid() || status == store.RunRunning {
		return fmt.Errorf("invalid final status %q", status)
	}
	const query = `
		UPDATE job_runs
		SET finished_at = $1, status = $2, error_message = $3, updated_at = $1
		WHERE job_id = $4 AND status = $5;
	`
	if _, err := s.pool.Exec(ctx, query, finishedAt, status, errMsg, jobID, store.RunRunning); err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

const runColumns = `job_id, url, started_at, finished_at, status, progress, step, error_message`

// LatestRun retrieves the most recent run for jobID.
func (s *RunStore) LatestRun(ctx context.Context, jobID string) (store.JobRun, error) {
	query := `SELECT ` + runColumns + `
		FROM job_runs
		WHERE job_id = $1
		ORDER BY started_at DESC
		LIMIT 1;`
	run, err := scanRun(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.JobRun{}, store.ErrNotFound
		}
		return store.JobRun{}, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns retrieves runs, newest first, with optional status filtering.
func (s *RunStore) ListRuns(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.JobRun, error) {
	query := `SELECT ` + runColumns + `
		FROM job_runs
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`
	rows, err := s.pool.Query(ctx, query, status, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := make([]store.JobRun, 0)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.JobRun, error) {
	var run store.JobRun
	err := row.Scan(
		&run.JobID,
		&run.URL,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Status,
		&run.Progress,
		&run.Step,
		&run.ErrorMessage,
	)
	return run, err
}
