package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/recovery"
	"github.com/JakeFAU/scrape-job-tracker/internal/registry"
	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

// ErrNoHandle reports that no job handle is persisted.
var ErrNoHandle = errors.New("no persisted job handle")

// Handle is the single durable pointer to the most recently started job.
type Handle struct {
	JobID      string `json:"jobId"`
	URL        string `json:"url"`
	MaxResults int    `json:"maxResults"`
	// Timestamp is Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
}

// Restorable is the registry surface needed to rehydrate a handle.
type Restorable interface {
	ActiveJob() (tracker.Job, bool)
	Job(id string) (tracker.Job, bool)
	SetActiveJob(id string) bool
}

// RestoreOutcome explains what Restore did.
type RestoreOutcome string

// Restore outcomes.
const (
	RestoreApplied   RestoreOutcome = "restored"
	RestoreSkipped   RestoreOutcome = "active_job_present"
	RestoreNoHandle  RestoreOutcome = "no_handle"
	RestoreMissing   RestoreOutcome = "job_missing"
	RestoreMismatch  RestoreOutcome = "parameter_mismatch"
	RestoreUnhealthy RestoreOutcome = "storage_error"
)

// Adapter saves and restores the active job handle and registry snapshots.
type Adapter struct {
	store  Store
	clock  tracker.Clock
	logger *zap.Logger
}

// NewAdapter wraps store.
func NewAdapter(store Store, clock tracker.Clock, logger *zap.Logger) (*Adapter, error) {
	if store == nil {
		return nil, errors.New("persistence: store is required")
	}
	if clock == nil {
		return nil, errors.New("persistence: clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{store: store, clock: clock, logger: logger}, nil
}

// Save records job as the handle to restore. The previous handle is replaced.
func (a *Adapter) Save(ctx context.Context, job tracker.Job) error {
	h := Handle{
		JobID:      job.ID,
		URL:        job.URL,
		MaxResults: job.MaxResults,
		Timestamp:  a.clock.Now().UnixMilli(),
	}
	data, err := json.Marshal(h)
	if err != nil {
		return a.fail("encode handle", err)
	}
	if err := a.store.Put(ctx, HandleKey, data); err != nil {
		return a.fail("save handle", err)
	}
	return nil
}

// Load returns the persisted handle or ErrNoHandle.
func (a *Adapter) Load(ctx context.Context) (Handle, error) {
	data, err := a.store.Get(ctx, HandleKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Handle{}, ErrNoHandle
		}
		return Handle{}, a.fail("load handle", err)
	}
	var h Handle
	if err := json.Unmarshal(data, &h); err != nil || h.JobID == "" {
		if err == nil {
			err = errors.New("handle has no job id")
		}
		return Handle{}, a.fail("decode handle", err)
	}
	return h, nil
}

// Clear removes the persisted handle.
func (a *Adapter) Clear(ctx context.Context) error {
	if err := a.store.Delete(ctx, HandleKey); err != nil && !errors.Is(err, ErrNotFound) {
		return a.fail("clear handle", err)
	}
	return nil
}

// Restore marks the persisted job active when the registry has no active job
// and the live record was created with the same url and maxResults. Stale or
// mismatched handles are discarded. Restore never fails; the outcome says
// what happened.
func (a *Adapter) Restore(ctx context.Context, reg Restorable) (tracker.Job, RestoreOutcome) {
	if _, ok := reg.ActiveJob(); ok {
		return tracker.Job{}, RestoreSkipped
	}
	h, err := a.Load(ctx)
	if err != nil {
		if errors.Is(err, ErrNoHandle) {
			return tracker.Job{}, RestoreNoHandle
		}
		a.discard(ctx)
		return tracker.Job{}, RestoreUnhealthy
	}
	job, ok := reg.Job(h.JobID)
	if !ok {
		a.logger.Info("persisted job no longer exists; discarding handle", zap.String("job_id", h.JobID))
		a.discard(ctx)
		return tracker.Job{}, RestoreMissing
	}
	if !job.Matches(h.URL, h.MaxResults) {
		a.logger.Info("persisted handle does not match job; discarding",
			zap.String("job_id", h.JobID),
			zap.String("handle_url", h.URL),
			zap.Int("handle_max_results", h.MaxResults),
		)
		a.discard(ctx)
		return tracker.Job{}, RestoreMismatch
	}
	if !reg.SetActiveJob(job.ID) {
		return tracker.Job{}, RestoreMissing
	}
	a.logger.Info("restored active job",
		zap.String("job_id", job.ID),
		zap.Duration("handle_age", h.Age(a.clock.Now())),
	)
	return job, RestoreApplied
}

// SaveSnapshot persists the registry contents.
func (a *Adapter) SaveSnapshot(ctx context.Context, snap registry.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return a.fail("encode snapshot", err)
	}
	if err := a.store.Put(ctx, SnapshotKey, data); err != nil {
		return a.fail("save snapshot", err)
	}
	return nil
}

// LoadSnapshot returns the persisted snapshot, if one is readable.
func (a *Adapter) LoadSnapshot(ctx context.Context) (registry.Snapshot, bool) {
	data, err := a.store.Get(ctx, SnapshotKey)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			_ = a.fail("load snapshot", err)
		}
		return registry.Snapshot{}, false
	}
	var snap registry.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		_ = a.fail("decode snapshot", err)
		return registry.Snapshot{}, false
	}
	return snap, true
}

// Close closes the underlying store.
func (a *Adapter) Close() error {
	if err := a.store.Close(); err != nil {
		return fmt.Errorf("close persistence store: %w", err)
	}
	return nil
}

func (a *Adapter) discard(ctx context.Context) {
	_ = a.Clear(ctx)
}

func (a *Adapter) fail(op string, err error) error {
	a.logger.Warn("persistence failure",
		zap.String("op", op),
		zap.String("category", string(recovery.CategoryPersistence)),
		zap.Error(err),
	)
	return fmt.Errorf("%s: %w", op, err)
}

// Age reports how long ago the handle was written.
func (h Handle) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(h.Timestamp))
}
