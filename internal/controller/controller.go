// Package controller is the consumer-facing façade over the job registry,
// update channel, recovery manager and persistence adapter. Every command is
// idempotent with respect to the current job state.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/channel"
	"github.com/JakeFAU/scrape-job-tracker/internal/connectivity"
	"github.com/JakeFAU/scrape-job-tracker/internal/persistence"
	"github.com/JakeFAU/scrape-job-tracker/internal/recovery"
	"github.com/JakeFAU/scrape-job-tracker/internal/registry"
	"github.com/JakeFAU/scrape-job-tracker/internal/remote"
	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

// Errors returned by the controller.
var (
	ErrJobNotFound    = recovery.ErrJobNotFound
	ErrInvalidRequest = errors.New("invalid start request")
)

// MaxResultsLimit caps a single job's requested result count.
const MaxResultsLimit = 10000

// Backend issues start requests. *remote.Client satisfies it.
type Backend interface {
	StartJob(ctx context.Context, req remote.StartRequest) (remote.StartResponse, error)
}

// Channel is the update channel surface the controller drives. *channel.Channel
// satisfies it.
type Channel interface {
	Start(ctx context.Context) error
	Close()
	Refresh(ctx context.Context) error
	Activate() error
	Subscribe(ids ...string)
	Unsubscribe(ids ...string)
	Status() channel.ChannelStatus
}

// StartRequest describes a job to start.
type StartRequest struct {
	URL          string              `json:"url"`
	MaxResults   int                 `json:"max_results"`
	Coordinates  *remote.Coordinates `json:"coordinates,omitempty"`
	UserIdentity string              `json:"-"`
}

// Validate checks the request.
func (r StartRequest) Validate() error {
	u, err := url.Parse(r.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) url", ErrInvalidRequest)
	}
	if r.MaxResults <= 0 || r.MaxResults > MaxResultsLimit {
		return fmt.Errorf("%w: max_results must be between 1 and %d", ErrInvalidRequest, MaxResultsLimit)
	}
	return nil
}

// Options wires a Controller. Persistence and Monitor are optional.
type Options struct {
	Registry    *registry.Registry
	Backend     Backend
	Channel     Channel
	Recovery    *recovery.Manager
	Persistence *persistence.Adapter
	Monitor     *connectivity.Monitor
	Clock       tracker.Clock
	// SnapshotDelay debounces registry snapshots. Defaults to 2s.
	SnapshotDelay time.Duration
	Logger        *zap.Logger
}

// Stats summarises the tracker for consumers.
type Stats struct {
	Total       int                    `json:"total"`
	ByStatus    map[tracker.Status]int `json:"by_status"`
	ActiveID    string                 `json:"active_id,omitempty"`
	Channel     channel.ChannelStatus  `json:"channel"`
	Environment connectivity.State     `json:"environment"`
	Errors      []recovery.ErrorView   `json:"errors"`
}

// InitReport describes what Initialize restored.
type InitReport struct {
	Imported int                        `json:"imported"`
	Restore  persistence.RestoreOutcome `json:"restore"`
	ActiveID string                     `json:"active_id,omitempty"`
}

// launchParams are remembered per job so retries re-issue the same request.
type launchParams struct {
	coordinates *remote.Coordinates
	identity    string
}

// Controller coordinates job commands.
type Controller struct {
	reg      *registry.Registry
	backend  Backend
	channel  Channel
	recovery *recovery.Manager
	persist  *persistence.Adapter
	monitor  *connectivity.Monitor
	clock    tracker.Clock
	logger   *zap.Logger

	snapshotDelay time.Duration

	startMu sync.Mutex

	mu            sync.Mutex
	params        map[string]launchParams
	snapshotTimer tracker.Timer
	unsubs        []func()
	initialized   bool
	closed        bool
}

// New validates opts and builds a Controller. It installs itself as the
// recovery manager's default restart.
func New(opts Options) (*Controller, error) {
	switch {
	case opts.Registry == nil:
		return nil, errors.New("controller: registry is required")
	case opts.Backend == nil:
		return nil, errors.New("controller: backend is required")
	case opts.Channel == nil:
		return nil, errors.New("controller: channel is required")
	case opts.Recovery == nil:
		return nil, errors.New("controller: recovery manager is required")
	case opts.Clock == nil:
		return nil, errors.New("controller: clock is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	monitor := opts.Monitor
	if monitor == nil {
		monitor = connectivity.NewMonitor(opts.Clock, logger)
	}
	delay := opts.SnapshotDelay
	if delay <= 0 {
		delay = 2 * time.Second
	}
	c := &Controller{
		reg:           opts.Registry,
		backend:       opts.Backend,
		channel:       opts.Channel,
		recovery:      opts.Recovery,
		persist:       opts.Persistence,
		monitor:       monitor,
		clock:         opts.Clock,
		logger:        logger,
		snapshotDelay: delay,
		params:        make(map[string]launchParams),
	}
	c.recovery.SetRestart(c.restart)
	return c, nil
}

// Initialize imports the persisted snapshot, restores the active job handle,
// starts recovery and connects the update channel. ctx bounds the channel's
// lifetime. Calling it again is a no-op.
func (c *Controller) Initialize(ctx context.Context) (InitReport, error) {
	c.mu.Lock()
	if c.initialized {
		c.mu.Unlock()
		active, _ := c.reg.ActiveJob()
		return InitReport{Restore: persistence.RestoreSkipped, ActiveID: active.ID}, nil
	}
	c.initialized = true
	c.mu.Unlock()

	report := InitReport{Restore: persistence.RestoreNoHandle}
	if c.persist != nil {
		if snap, ok := c.persist.LoadSnapshot(ctx); ok {
			// The handle, not the snapshot, decides which job is active.
			snap.ActiveID = ""
			report.Imported = c.reg.Import(snap)
		}
		job, outcome := c.persist.Restore(ctx, c.reg)
		report.Restore = outcome
		if outcome == persistence.RestoreApplied {
			report.ActiveID = job.ID
		}
	}
	if report.ActiveID == "" {
		if active, ok := c.reg.ActiveJob(); ok {
			report.ActiveID = active.ID
		}
	}

	for _, status := range []tracker.Status{tracker.StatusProcessing, tracker.StatusPaused} {
		if ids := c.reg.IDsByStatus(status); len(ids) > 0 {
			c.channel.Subscribe(ids...)
		}
	}

	c.recovery.SetOnline(c.monitor.State().Online)
	c.recovery.Start()

	unsubMonitor := c.monitor.Subscribe(func(t connectivity.Transition) {
		if t.Previous.Online != t.Current.Online {
			c.recovery.SetOnline(t.Current.Online)
		}
	})
	unsubRegistry := c.reg.OnChange(c.onChange)
	c.mu.Lock()
	c.unsubs = append(c.unsubs, unsubMonitor, unsubRegistry)
	c.mu.Unlock()

	if err := c.channel.Start(ctx); err != nil {
		// The channel keeps retrying on its own schedule.
		c.logger.Warn("update channel did not connect", zap.Error(err))
	}
	c.logger.Info("job controller initialized",
		zap.Int("imported", report.Imported),
		zap.String("restore", string(report.Restore)),
		zap.String("active_job_id", report.ActiveID),
	)
	return report, nil
}

// Start creates a job and launches it. A live active job with the same url
// and max results is returned unchanged. A failed backend start leaves the job
// in error, where recovery takes over; it is not returned as an error.
func (c *Controller) Start(ctx context.Context, req StartRequest) (tracker.Job, error) {
	if err := req.Validate(); err != nil {
		return tracker.Job{}, err
	}
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if active, ok := c.reg.ActiveJob(); ok && active.Matches(req.URL, req.MaxResults) {
		switch active.Status {
		case tracker.StatusInitializing, tracker.StatusProcessing, tracker.StatusPaused:
			c.logger.Debug("start reused active job", zap.String("job_id", active.ID))
			return active, nil
		case tracker.StatusIdle:
			c.remember(active.ID, req)
			return c.launch(ctx, active.ID)
		}
	}

	id, err := c.reg.CreateJob(req.URL, req.MaxResults)
	if err != nil {
		return tracker.Job{}, fmt.Errorf("create job: %w", err)
	}
	c.remember(id, req)
	c.reg.SetActiveJob(id)
	return c.launch(ctx, id)
}

// Pause freezes a processing job. Pausing a paused job is a no-op.
func (c *Controller) Pause(id string) (tracker.Job, error) {
	if _, ok := c.reg.Job(id); !ok {
		return tracker.Job{}, ErrJobNotFound
	}
	c.reg.PauseProgress(id)
	return c.job(id)
}

// Resume continues a paused job. Resuming a running job is a no-op.
func (c *Controller) Resume(id string) (tracker.Job, error) {
	if _, ok := c.reg.Job(id); !ok {
		return tracker.Job{}, ErrJobNotFound
	}
	c.reg.ResumeProgress(id)
	return c.job(id)
}

// Stop dismisses a job: it leaves the channel subscription and is removed
// from the registry. Stopping an unknown job succeeds.
func (c *Controller) Stop(ctx context.Context, id string) {
	c.channel.Unsubscribe(id)
	c.reg.DeleteJob(id)
	c.mu.Lock()
	delete(c.params, id)
	c.mu.Unlock()

	if c.persist == nil {
		return
	}
	if h, err := c.persist.Load(ctx); err == nil && h.JobID == id {
		_ = c.persist.Clear(ctx)
	}
}

// Retry recovers a failed job now. It fails with recovery.ErrRetryScheduled
// while an automatic retry counts down and recovery.ErrRetriesExhausted once
// the policy is used up.
func (c *Controller) Retry(ctx context.Context, id string) (tracker.Job, error) {
	if err := c.recovery.Recover(ctx, id, nil); err != nil {
		return tracker.Job{}, err
	}
	return c.job(id)
}

// Refresh forces an update round on the channel.
func (c *Controller) Refresh(ctx context.Context) (channel.ChannelStatus, error) {
	if err := c.channel.Refresh(ctx); err != nil {
		return c.channel.Status(), fmt.Errorf("refresh channel: %w", err)
	}
	return c.channel.Status(), nil
}

// SetEnvironment reports connectivity or visibility changes. Nil fields are
// left unchanged.
func (c *Controller) SetEnvironment(online, visible *bool) connectivity.State {
	if online != nil {
		c.monitor.SetOnline(*online)
	}
	if visible != nil {
		c.monitor.SetVisible(*visible)
	}
	return c.monitor.State()
}

// Job returns a job by id.
func (c *Controller) Job(id string) (tracker.Job, bool) { return c.reg.Job(id) }

// Jobs returns every job, or only those with status when it is non-empty.
func (c *Controller) Jobs(status tracker.Status) []tracker.Job {
	if status == "" {
		return c.reg.Jobs()
	}
	return c.reg.JobsByStatus(status)
}

// ActiveJob returns the active job.
func (c *Controller) ActiveJob() (tracker.Job, bool) { return c.reg.ActiveJob() }

// ErrorView describes a failed job.
func (c *Controller) ErrorView(id string) (recovery.ErrorView, bool) { return c.recovery.View(id) }

// Stats reports counts, channel health and error views.
func (c *Controller) Stats() Stats {
	rs := c.reg.Stats()
	return Stats{
		Total:       rs.Total,
		ByStatus:    rs.ByStatus,
		ActiveID:    rs.ActiveID,
		Channel:     c.channel.Status(),
		Environment: c.monitor.State(),
		Errors:      c.recovery.Views(),
	}
}

// Close disconnects the channel, stops recovery and writes a final snapshot.
func (c *Controller) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	unsubs := c.unsubs
	c.unsubs = nil
	if c.snapshotTimer != nil {
		c.snapshotTimer.Stop()
		c.snapshotTimer = nil
	}
	c.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	c.channel.Close()
	c.recovery.Close()
	if c.persist != nil {
		if err := c.persist.SaveSnapshot(ctx, c.reg.Snapshot()); err != nil {
			return fmt.Errorf("final snapshot: %w", err)
		}
	}
	return nil
}

// restart is the recovery manager's default restart.
func (c *Controller) restart(ctx context.Context, job tracker.Job) error {
	_, err := c.launch(ctx, job.ID)
	return err
}

// launch moves an idle job to processing, persists the handle, asks the
// backend to start and subscribes the channel, reconnecting it if it gave up.
func (c *Controller) launch(ctx context.Context, id string) (tracker.Job, error) {
	if !c.reg.StartProgress(id, false) {
		job, ok := c.reg.Job(id)
		if !ok {
			return tracker.Job{}, ErrJobNotFound
		}
		return job, nil
	}
	job, err := c.job(id)
	if err != nil {
		return tracker.Job{}, err
	}
	if c.persist != nil {
		// Failures are logged by the adapter and never block the start.
		_ = c.persist.Save(ctx, job)
	}

	c.mu.Lock()
	p := c.params[id]
	c.mu.Unlock()
	_, err = c.backend.StartJob(ctx, remote.StartRequest{
		URL:          job.URL,
		MaxResults:   job.MaxResults,
		JobID:        id,
		Coordinates:  p.coordinates,
		UserIdentity: p.identity,
	})
	if err != nil {
		c.logger.Warn("backend start failed",
			zap.String("job_id", id),
			zap.String("category", string(recovery.Classify(err.Error()))),
			zap.Error(err),
		)
		c.reg.ErrorProgress(id, err.Error())
		return c.job(id)
	}

	c.channel.Subscribe(id)
	if err := c.channel.Activate(); err != nil {
		// The transport keeps retrying on its backoff schedule.
		c.logger.Warn("update channel reconnect failed", zap.String("job_id", id), zap.Error(err))
	}
	c.logger.Info("job started", zap.String("job_id", id), zap.String("url", job.URL))
	return c.job(id)
}

func (c *Controller) remember(id string, req StartRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params[id] = launchParams{coordinates: req.Coordinates, identity: req.UserIdentity}
}

func (c *Controller) job(id string) (tracker.Job, error) {
	job, ok := c.reg.Job(id)
	if !ok {
		return tracker.Job{}, ErrJobNotFound
	}
	return job, nil
}

// onChange drops subscriptions for finished jobs and debounces snapshots.
func (c *Controller) onChange(ch registry.Change) {
	if ch.Kind == registry.ChangeUpdated && ch.Job.Status.Terminal() && !ch.Previous.Terminal() {
		c.channel.Unsubscribe(ch.JobID)
	}
	if c.persist == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.snapshotTimer != nil {
		return
	}
	c.snapshotTimer = c.clock.AfterFunc(c.snapshotDelay, c.saveSnapshot)
}

func (c *Controller) saveSnapshot() {
	c.mu.Lock()
	c.snapshotTimer = nil
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Failures are logged by the adapter.
	_ = c.persist.SaveSnapshot(ctx, c.reg.Snapshot())
}
