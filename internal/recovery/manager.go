package recovery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/metrics"
	"github.com/JakeFAU/scrape-job-tracker/internal/registry"
	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

// Errors returned by Recover.
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrNotInError       = errors.New("job is not in error")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrRetryScheduled   = errors.New("automatic retry already scheduled")
)

const tick = time.Second

// RestartFunc re-issues a job after it has been reset to idle.
type RestartFunc func(ctx context.Context, job tracker.Job) error

// Jobs is the subset of the registry the manager needs.
type Jobs interface {
	Job(id string) (tracker.Job, bool)
	JobsByStatus(status tracker.Status) []tracker.Job
	ResetForRetry(id string) bool
	OnChange(l registry.Listener) func()
}

// Options configures a Manager.
type Options struct {
	Jobs     Jobs
	Clock    tracker.Clock
	Policies Policies
	// AutoRetry enables countdowns. When false, only manual recovery is possible.
	AutoRetry bool
	// RetryContext bounds restarts triggered by countdowns. Defaults to Background.
	RetryContext context.Context
	Logger       *zap.Logger
}

// ErrorView is the consumer-facing description of a failed job.
type ErrorView struct {
	JobID          string         `json:"job_id"`
	Message        string         `json:"message"`
	Category       Category       `json:"category"`
	Remediation    string         `json:"remediation"`
	RetryScheduled bool           `json:"retry_scheduled"`
	RetryIn        *time.Duration `json:"retry_in,omitempty"`
	CanRetryNow    bool           `json:"can_retry_now"`
	Exhausted      bool           `json:"exhausted"`
	Attempts       int            `json:"attempts"`
	MaxRetries     int            `json:"max_retries"`
}

type countdown struct {
	remaining time.Duration
	timer     tracker.Timer
	category  Category
	gen       int
}

// Manager schedules auto-retry countdowns and performs recovery.
type Manager struct {
	jobs      Jobs
	clock     tracker.Clock
	policies  Policies
	autoRetry bool
	retryCtx  context.Context
	logger    *zap.Logger

	mu          sync.Mutex
	online      bool
	restart     RestartFunc
	countdowns  map[string]*countdown
	gen         int
	unsubscribe func()
	closed      bool
}

// NewManager constructs a Manager. Call Start to begin observing the registry.
func NewManager(opts Options) (*Manager, error) {
	if opts.Jobs == nil {
		return nil, errors.New("recovery: jobs are required")
	}
	if opts.Clock == nil {
		return nil, errors.New("recovery: clock is required")
	}
	policies := opts.Policies
	if policies == nil {
		policies = DefaultPolicies()
	}
	for c, p := range policies {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("recovery policy %s: %w", c, err)
		}
	}
	ctx := opts.RetryContext
	if ctx == nil {
		ctx = context.Background()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		jobs:       opts.Jobs,
		clock:      opts.Clock,
		policies:   policies,
		autoRetry:  opts.AutoRetry,
		retryCtx:   ctx,
		logger:     logger,
		online:     true,
		countdowns: make(map[string]*countdown),
	}, nil
}

// SetRestart installs the default restart used when Recover gets no handler
// and when a countdown fires.
func (m *Manager) SetRestart(fn RestartFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.restart = fn
}

// Start subscribes to registry changes and schedules countdowns for jobs
// that are already in error.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.unsubscribe != nil || m.closed {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	unsub := m.jobs.OnChange(m.onChange)

	m.mu.Lock()
	m.unsubscribe = unsub
	m.mu.Unlock()
	m.rescheduleAll()
}

// Close stops all countdowns and detaches from the registry.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	for id := range m.countdowns {
		m.cancelLocked(id)
	}
}

// SetOnline records connectivity. Going offline aborts every countdown;
// coming back online schedules fresh countdowns for eligible jobs.
func (m *Manager) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	if !online {
		for id := range m.countdowns {
			m.cancelLocked(id)
		}
		m.mu.Unlock()
		m.logger.Info("connectivity lost; auto-retry countdowns aborted")
		return
	}
	m.mu.Unlock()
	m.rescheduleAll()
}

// Policy returns the policy that applies to message.
func (m *Manager) Policy(message string) (Category, Policy) {
	return m.policies.ForMessage(message)
}

// View describes the failed job id. It reports false when the job is absent
// or not in error.
func (m *Manager) View(id string) (ErrorView, bool) {
	job, ok := m.jobs.Job(id)
	if !ok || job.Status != tracker.StatusError {
		return ErrorView{}, false
	}
	msg := job.LastError()
	category, policy := m.policies.ForMessage(msg)
	view := ErrorView{
		JobID:       id,
		Message:     msg,
		Category:    category,
		Remediation: Remediation(category),
		Attempts:    job.RetryCount,
		MaxRetries:  policy.MaxRetries,
		Exhausted:   job.RetryCount >= policy.MaxRetries,
	}
	m.mu.Lock()
	if cd, ok := m.countdowns[id]; ok {
		remaining := cd.remaining
		view.RetryScheduled = true
		view.RetryIn = &remaining
	}
	m.mu.Unlock()
	view.CanRetryNow = !view.RetryScheduled && !view.Exhausted
	return view, true
}

// Views returns error views for every job in error.
func (m *Manager) Views() []ErrorView {
	jobs := m.jobs.JobsByStatus(tracker.StatusError)
	out := make([]ErrorView, 0, len(jobs))
	for _, job := range jobs {
		if v, ok := m.View(job.ID); ok {
			out = append(out, v)
		}
	}
	return out
}

// Recover resets a failed job and restarts it with handler, or with the
// default restart when handler is nil. It refuses while an automatic retry
// is counting down and once the category's retries are exhausted.
func (m *Manager) Recover(ctx context.Context, id string, handler RestartFunc) error {
	return m.recover(ctx, id, handler, false)
}

func (m *Manager) recover(ctx context.Context, id string, handler RestartFunc, automatic bool) error {
	job, ok := m.jobs.Job(id)
	if !ok {
		return ErrJobNotFound
	}
	if job.Status != tracker.StatusError {
		return ErrNotInError
	}
	category, policy := m.policies.ForMessage(job.LastError())
	if job.RetryCount >= policy.MaxRetries {
		return ErrRetriesExhausted
	}

	m.mu.Lock()
	if _, scheduled := m.countdowns[id]; scheduled && !automatic {
		m.mu.Unlock()
		return ErrRetryScheduled
	}
	m.cancelLocked(id)
	if handler == nil {
		handler = m.restart
	}
	m.mu.Unlock()

	if !m.jobs.ResetForRetry(id) {
		return ErrNotInError
	}
	reset, ok := m.jobs.Job(id)
	if !ok {
		return ErrJobNotFound
	}
	m.logger.Info("recovering job",
		zap.String("job_id", id),
		zap.String("category", string(category)),
		zap.Int("attempt", reset.RetryCount),
		zap.Bool("automatic", automatic),
	)
	metrics.ObserveRecoveryRestart(string(category))
	if handler == nil {
		return nil
	}
	if err := handler(ctx, reset); err != nil {
		return fmt.Errorf("restart job %s: %w", id, err)
	}
	return nil
}

func (m *Manager) onChange(c registry.Change) {
	if c.Kind != registry.ChangeDeleted && c.Job.Status == tracker.StatusError {
		m.schedule(c.Job)
		return
	}
	m.mu.Lock()
	m.cancelLocked(c.JobID)
	m.mu.Unlock()
}

func (m *Manager) rescheduleAll() {
	for _, job := range m.jobs.JobsByStatus(tracker.StatusError) {
		m.schedule(job)
	}
}

func (m *Manager) schedule(job tracker.Job) {
	category, policy := m.policies.ForMessage(job.LastError())
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.autoRetry || !m.online || m.closed {
		return
	}
	if _, exists := m.countdowns[job.ID]; exists {
		return
	}
	if job.RetryCount >= policy.MaxRetries {
		return
	}
	m.gen++
	cd := &countdown{remaining: policy.Delay(job.RetryCount), category: category, gen: m.gen}
	m.countdowns[job.ID] = cd
	m.armLocked(job.ID, cd)
	m.logger.Info("auto-retry scheduled",
		zap.String("job_id", job.ID),
		zap.String("category", string(category)),
		zap.Duration("delay", cd.remaining),
	)
}

func (m *Manager) armLocked(id string, cd *countdown) {
	step := tick
	if cd.remaining < step {
		step = cd.remaining
	}
	gen := cd.gen
	cd.timer = m.clock.AfterFunc(step, func() { m.onTick(id, gen, step) })
}

func (m *Manager) onTick(id string, gen int, elapsed time.Duration) {
	m.mu.Lock()
	cd, ok := m.countdowns[id]
	if !ok || cd.gen != gen {
		m.mu.Unlock()
		return
	}
	cd.remaining -= elapsed
	if cd.remaining > 0 {
		m.armLocked(id, cd)
		m.mu.Unlock()
		return
	}
	delete(m.countdowns, id)
	m.mu.Unlock()

	if err := m.recover(m.retryCtx, id, nil, true); err != nil {
		m.logger.Warn("auto-retry failed", zap.String("job_id", id), zap.Error(err))
	}
}

func (m *Manager) cancelLocked(id string) {
	cd, ok := m.countdowns[id]
	if !ok {
		return
	}
	if cd.timer != nil {
		cd.timer.Stop()
	}
	delete(m.countdowns, id)
}
