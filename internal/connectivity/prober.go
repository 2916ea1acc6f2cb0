package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/metrics"
	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

// ProberConfig controls the reachability probe.
type ProberConfig struct {
	// URL is requested with HEAD; any response below 500 counts as reachable.
	URL string
	// Interval between probes. Defaults to 15s.
	Interval time.Duration
	// Timeout per probe. Defaults to 5s.
	Timeout time.Duration
	// FailureThreshold is the number of consecutive failures before the
	// monitor is marked offline. Defaults to 2.
	FailureThreshold int
}

// Prober periodically checks reachability and reports it to a Monitor.
type Prober struct {
	cfg     ProberConfig
	monitor *Monitor
	client  *http.Client
	clock   tracker.Clock
	logger  *zap.Logger

	mu       sync.Mutex
	timer    tracker.Timer
	failures int
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewProber validates cfg and builds a Prober. A nil client uses http.DefaultClient.
func NewProber(cfg ProberConfig, monitor *Monitor, client *http.Client, clock tracker.Clock, logger *zap.Logger) (*Prober, error) {
	if cfg.URL == "" {
		return nil, errors.New("probe url is required")
	}
	if monitor == nil || clock == nil {
		return nil, errors.New("probe requires a monitor and a clock")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 2
	}
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{cfg: cfg, monitor: monitor, client: client, clock: clock, logger: logger}, nil
}

// Start schedules probes until Stop is called or ctx ends.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.timer = p.clock.AfterFunc(0, p.run)
}

// Stop cancels the schedule and any in-flight probe.
func (p *Prober) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel == nil {
		return
	}
	p.cancel()
	p.cancel = nil
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Prober) run() {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	p.Probe(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil && ctx.Err() == nil {
		p.timer = p.clock.AfterFunc(p.cfg.Interval, p.run)
	}
}

// Probe performs one check and updates the monitor. It returns the probe error.
func (p *Prober) Probe(ctx context.Context) error {
	err := p.check(ctx)
	p.mu.Lock()
	if err == nil {
		p.failures = 0
	} else {
		p.failures++
	}
	failures := p.failures
	p.mu.Unlock()
	metrics.ObserveProbe(p.cfg.URL, err == nil)

	switch {
	case err == nil:
		p.monitor.SetOnline(true)
	case failures >= p.cfg.FailureThreshold:
		p.logger.Warn("connectivity probe failed", zap.Int("consecutive_failures", failures), zap.Error(err))
		p.monitor.SetOnline(false)
	default:
		p.logger.Debug("connectivity probe failed", zap.Int("consecutive_failures", failures), zap.Error(err))
	}
	return err
}

func (p *Prober) check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("probe %s: %w", p.cfg.URL, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("probe %s: status %d", p.cfg.URL, resp.StatusCode)
	}
	return nil
}
