package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/metrics"
	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

// Fetcher pulls the current state of a batch of jobs from the backend.
type Fetcher interface {
	FetchProgress(ctx context.Context, ids []string) ([]RemoteTuple, error)
}

// PollConfig tunes a PollTransport.
type PollConfig struct {
	Interval time.Duration
	Backoff  Backoff
}

// PollTransport issues one batched fetch per interval for every tracked job.
type PollTransport struct {
	fetcher Fetcher
	jobs    Jobs
	clock   tracker.Clock
	logger  *zap.Logger
	cfg     PollConfig

	mu         sync.Mutex
	ctx        context.Context
	running    bool
	connected  bool
	inFlight   bool
	gen        int
	timer      tracker.Timer
	attempt    int
	exhausted  bool
	lastUpdate *time.Time
	lastErr    string
	subscribed map[string]struct{}
}

// NewPollTransport wires a poller. Zero config values take defaults.
func NewPollTransport(fetcher Fetcher, jobs Jobs, clock tracker.Clock, cfg PollConfig, logger *zap.Logger) *PollTransport {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	cfg.Backoff = cfg.Backoff.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollTransport{
		fetcher:    fetcher,
		jobs:       jobs,
		clock:      clock,
		logger:     logger,
		cfg:        cfg,
		subscribed: make(map[string]struct{}),
	}
}

// Connect starts polling. The first round runs as soon as the clock allows.
func (p *PollTransport) Connect(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	p.mu.Lock()
	if p.running && !p.exhausted && p.attempt == 0 {
		p.mu.Unlock()
		return nil
	}
	p.ctx = ctx
	p.running = true
	p.connected = true
	p.exhausted = false
	p.attempt = 0
	p.lastErr = ""
	p.scheduleLocked(0)
	p.mu.Unlock()
	metrics.SetChannelConnected(string(ModePoll), true)
	p.logger.Info("poll transport connected", zap.Duration("interval", p.cfg.Interval))
	return nil
}

// Disconnect stops polling.
func (p *PollTransport) Disconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running && !p.connected {
		return
	}
	p.running = false
	p.connected = false
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	metrics.SetChannelConnected(string(ModePoll), false)
	p.logger.Info("poll transport disconnected")
}

// Refresh runs a round now. A stopped transport is reconnected instead.
func (p *PollTransport) Refresh(ctx context.Context) error {
	p.mu.Lock()
	if !p.running || p.exhausted {
		p.mu.Unlock()
		return p.Connect(ctx)
	}
	if p.inFlight {
		p.mu.Unlock()
		return nil
	}
	p.gen++
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	gen := p.gen
	p.mu.Unlock()
	return p.round(ctx, gen)
}

// Subscribe follows ids in addition to every processing job.
func (p *PollTransport) Subscribe(ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if id != "" {
			p.subscribed[id] = struct{}{}
		}
	}
}

// Unsubscribe stops following ids.
func (p *PollTransport) Unsubscribe(ids ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		delete(p.subscribed, id)
	}
}

// Status reports the transport health.
func (p *PollTransport) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{
		Mode:       ModePoll,
		Connected:  p.connected,
		Active:     p.running && !p.exhausted,
		Attempt:    p.attempt,
		Exhausted:  p.exhausted,
		Subscribed: len(p.subscribed),
		LastError:  p.lastErr,
	}
	if p.lastUpdate != nil {
		ts := *p.lastUpdate
		st.LastUpdate = &ts
	}
	return st
}

func (p *PollTransport) scheduleLocked(d time.Duration) {
	p.gen++
	gen := p.gen
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = p.clock.AfterFunc(d, func() {
		p.mu.Lock()
		ctx := p.ctx
		p.mu.Unlock()
		_ = p.round(ctx, gen)
	})
}

// round fetches once for gen. A round belonging to an older generation is dropped.
func (p *PollTransport) round(ctx context.Context, gen int) error {
	p.mu.Lock()
	if gen != p.gen || !p.running || p.inFlight {
		p.mu.Unlock()
		return nil
	}
	p.inFlight = true
	p.timer = nil
	ids := trackedIDs(p.jobs, p.subscribed)
	p.mu.Unlock()

	var (
		tuples []RemoteTuple
		err    error
	)
	if len(ids) > 0 {
		tuples, err = p.fetcher.FetchProgress(ctx, ids)
	}

	p.mu.Lock()
	p.inFlight = false
	if gen != p.gen || !p.running {
		p.mu.Unlock()
		return nil
	}
	if err != nil {
		return p.failLocked(ids, err)
	}
	p.attempt = 0
	p.connected = true
	p.lastErr = ""
	if len(ids) > 0 {
		now := p.clock.Now()
		p.lastUpdate = &now
	}
	p.scheduleLocked(p.cfg.Interval)
	p.mu.Unlock()
	metrics.SetChannelConnected(string(ModePoll), true)

	applyTuples(p.jobs, tuples, p.logger)
	return nil
}

// failLocked records a failed round. It is entered with p.mu held and releases it.
func (p *PollTransport) failLocked(ids []string, err error) error {
	if errors.Is(err, context.Canceled) && p.ctx.Err() == nil {
		// Only the caller of a manual refresh gave up; keep the schedule.
		p.scheduleLocked(p.cfg.Interval)
		p.mu.Unlock()
		return err
	}
	p.attempt++
	p.connected = false
	p.lastErr = err.Error()
	attempt := p.attempt
	metrics.ObserveChannelFailure(string(ModePoll))
	metrics.SetChannelConnected(string(ModePoll), false)
	if errors.Is(err, context.Canceled) {
		p.running = false
		p.mu.Unlock()
		return err
	}
	if p.cfg.Backoff.Exhausted(attempt) {
		p.exhausted = true
		p.running = false
		p.mu.Unlock()
		p.logger.Error("poll transport gave up",
			zap.Int("attempts", attempt),
			zap.Strings("job_ids", ids),
			zap.Error(err),
		)
		failJobs(p.jobs, ids, err)
		return err
	}
	delay := p.cfg.Backoff.Delay(attempt)
	p.scheduleLocked(delay)
	p.mu.Unlock()
	p.logger.Warn("progress fetch failed, backing off",
		zap.Int("attempt", attempt),
		zap.Duration("retry_in", delay),
		zap.Error(err),
	)
	return err
}

func applyTuples(jobs Target, tuples []RemoteTuple, logger *zap.Logger) int {
	applied := 0
	for _, t := range tuples {
		u, err := Decode(t)
		if err != nil {
			logger.Warn("dropping invalid remote tuple", zap.String("job_id", t.JobID), zap.Error(err))
			continue
		}
		if Apply(jobs, u) {
			applied++
		}
	}
	return applied
}

// failJobs moves ids to error with the transport failure as the message so the
// recovery classifier sees the raw cause.
func failJobs(jobs Target, ids []string, err error) {
	for _, id := range ids {
		jobs.ErrorProgress(id, err.Error())
	}
}
