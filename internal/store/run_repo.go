// Package store declares interfaces for persisting job run history.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the job_runs status column.
type RunStatus string

// Run statuses persisted in job_runs.status.
const (
	RunRunning   RunStatus = "running"
	RunSuccess   RunStatus = "success"
	RunError     RunStatus = "error"
	RunDismissed RunStatus = "dismissed"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunRunning, RunSuccess, RunError, RunDismissed:
		return true
	}
	return false
}

// JobRun models one row of job_runs. A job that is retried after an error
// produces one row per attempt.
type JobRun struct {
	JobID        string     `json:"job_id"`
	URL          string     `json:"url"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	Status       RunStatus  `json:"status"`
	Progress     float64    `json:"progress"`
	Step         string     `json:"step,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// RunRepository persists job run history.
type RunRepository interface {
	// StartRun opens a running row for the job. Re-recording the same start is idempotent.
	StartRun(ctx context.Context, jobID, url string, startedAt time.Time) error
	// RecordProgress stores the latest progress on the open run, if any.
	RecordProgress(ctx context.Context, jobID string, progress float64, step string, at time.Time) error
	// FinishRun closes the open run with the provided status and error.
	FinishRun(ctx context.Context, jobID string, finishedAt time.Time, status RunStatus, errMsg *string) error

	// LatestRun loads the most recent run for a job or returns ErrNotFound.
	LatestRun(ctx context.Context, jobID string) (JobRun, error)
	// ListRuns returns runs filtered by optional status plus limit/offset, newest first.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]JobRun, error)
}
