// Package registry is the single owner of job records. Every state change
// goes through its mutation methods, which validate the transition against
// the job state machine and silently ignore anything else.
package registry

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/progress"
	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

// ChangeKind describes what happened to a job.
type ChangeKind string

// Change kinds delivered to listeners.
const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change is delivered to listeners after a mutation has been applied.
type Change struct {
	Kind     ChangeKind
	JobID    string
	Previous tracker.Status
	// Job is a copy of the record after the change. For deletions it is the
	// record as it was when removed.
	Job tracker.Job
}

// Listener observes applied mutations. Listeners run on the mutating
// goroutine after the registry lock is released.
type Listener func(Change)

// ProgressUpdate carries one progress tick. Zero-valued optional fields
// fall back to derived values.
type ProgressUpdate struct {
	Progress       float64
	Step           string
	ProcessedItems *int
	TotalItems     *int
}

// Stats summarizes the registry contents.
type Stats struct {
	Total    int                    `json:"total"`
	ByStatus map[tracker.Status]int `json:"by_status"`
	ActiveID string                 `json:"active_id,omitempty"`
}

// Snapshot is a serializable copy of the registry.
type Snapshot struct {
	Jobs     []tracker.Job `json:"jobs"`
	ActiveID string        `json:"active_id,omitempty"`
	TakenAt  time.Time     `json:"taken_at"`
}

// Options configures a Registry.
type Options struct {
	Clock   tracker.Clock
	IDs     tracker.IDGenerator
	Emitter progress.Emitter
	Logger  *zap.Logger
}

type entry struct {
	job         tracker.Job
	pausedAt    time.Time
	pausedTotal time.Duration
}

// Registry stores job records keyed by id. It is safe for concurrent use.
type Registry struct {
	clock   tracker.Clock
	ids     tracker.IDGenerator
	emitter progress.Emitter
	logger  *zap.Logger

	mu        sync.RWMutex
	jobs      map[string]*entry
	order     []string
	active    string
	listeners map[int]Listener
	nextLID   int
}

// New constructs an empty Registry. Clock and IDs are required.
func New(opts Options) (*Registry, error) {
	if opts.Clock == nil {
		return nil, fmt.Errorf("registry: clock is required")
	}
	if opts.IDs == nil {
		return nil, fmt.Errorf("registry: id generator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		clock:     opts.Clock,
		ids:       opts.IDs,
		emitter:   opts.Emitter,
		logger:    logger,
		jobs:      make(map[string]*entry),
		listeners: make(map[int]Listener),
	}, nil
}

// OnChange registers a listener and returns a function that removes it.
func (r *Registry) OnChange(l Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextLID
	r.nextLID++
	r.listeners[id] = l
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// CreateJob allocates a new idle job and returns its id.
func (r *Registry) CreateJob(url string, maxResults int) (string, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	if maxResults < 0 {
		maxResults = 0
	}
	now := r.clock.Now()
	job := tracker.Job{
		ID:         id,
		URL:        url,
		MaxResults: maxResults,
		Status:     tracker.StatusIdle,
		TotalItems: maxResults,
		Errors:     []string{},
		CreatedAt:  now,
	}

	r.mu.Lock()
	if _, exists := r.jobs[id]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("duplicate job id %q", id)
	}
	r.jobs[id] = &entry{job: job}
	r.order = append(r.order, id)
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	r.emit(progress.Event{JobID: id, TS: now, Stage: progress.StageJobCreated, URL: url})
	r.notify(listeners, Change{Kind: ChangeCreated, JobID: id, Previous: tracker.StatusIdle, Job: job.Clone()})
	return id, nil
}

// Job returns a copy of the job with the given id.
func (r *Registry) Job(id string) (tracker.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.jobs[id]
	if !ok {
		return tracker.Job{}, false
	}
	return e.job.Clone(), true
}

// Jobs returns copies of every job in creation order.
func (r *Registry) Jobs() []tracker.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tracker.Job, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.jobs[id].job.Clone())
	}
	return out
}

// JobsByStatus returns copies of the jobs in status, in creation order.
func (r *Registry) JobsByStatus(status tracker.Status) []tracker.Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]tracker.Job, 0)
	for _, id := range r.order {
		if e := r.jobs[id]; e.job.Status == status {
			out = append(out, e.job.Clone())
		}
	}
	return out
}

// IDsByStatus returns the ids of jobs in status, in creation order.
func (r *Registry) IDsByStatus(status tracker.Status) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0)
	for _, id := range r.order {
		if r.jobs[id].job.Status == status {
			out = append(out, id)
		}
	}
	return out
}

// StartProgress moves an idle job into processing. A job in error is only
// restarted when reset is true, in which case it is first reset for retry.
func (r *Registry) StartProgress(id string, reset bool) bool {
	var events []progress.Event
	applied := r.mutate(id, func(e *entry, now time.Time) bool {
		switch e.job.Status {
		case tracker.StatusIdle:
			if reset {
				e.job.Errors = []string{}
			}
		case tracker.StatusError:
			if !reset {
				return false
			}
			r.resetEntry(e)
			events = append(events, r.event(e, now, progress.StageJobReset))
		default:
			return false
		}
		// initializing is passed through under the same lock hold and is
		// never observable.
		e.job.Status = tracker.StatusProcessing
		start := now
		e.job.StartTime = &start
		e.job.EndTime = nil
		e.job.IsPaused = false
		e.job.EstimatedTimeRemaining = nil
		e.pausedAt = time.Time{}
		e.pausedTotal = 0
		if e.job.TotalItems == 0 {
			e.job.TotalItems = e.job.MaxResults
		}
		events = append(events, r.event(e, now, progress.StageJobStart))
		return true
	})
	if applied {
		for _, evt := range events {
			r.emit(evt)
		}
	}
	return applied
}

// UpdateProgress applies a progress tick to a processing job. Values below
// the stored progress and exact replays are ignored.
func (r *Registry) UpdateProgress(id string, u ProgressUpdate) bool {
	var evt progress.Event
	applied := r.mutate(id, func(e *entry, now time.Time) bool {
		if e.job.Status != tracker.StatusProcessing {
			return false
		}
		p := clampPercent(u.Progress)
		if p < e.job.Progress {
			return false
		}

		total := e.job.TotalItems
		if u.TotalItems != nil && *u.TotalItems >= 0 {
			total = *u.TotalItems
		}
		if total == 0 {
			total = e.job.MaxResults
		}
		processed := int(math.Round(p / 100 * float64(total)))
		if u.ProcessedItems != nil {
			processed = *u.ProcessedItems
		}
		processed = clampInt(processed, 0, total)
		step := u.Step
		if step == "" {
			step = e.job.CurrentStep
		}

		if p == e.job.Progress && step == e.job.CurrentStep &&
			processed == e.job.ProcessedItems && total == e.job.TotalItems {
			return false
		}

		e.job.Progress = p
		e.job.CurrentStep = step
		e.job.TotalItems = total
		e.job.ProcessedItems = processed
		e.job.EstimatedTimeRemaining = estimateRemaining(e, now, p)
		evt = r.event(e, now, progress.StageJobProgress)
		return true
	})
	if applied {
		r.emit(evt)
	}
	return applied
}

// PauseProgress moves a processing job to paused.
func (r *Registry) PauseProgress(id string) bool {
	var evt progress.Event
	applied := r.mutate(id, func(e *entry, now time.Time) bool {
		if e.job.Status != tracker.StatusProcessing {
			return false
		}
		e.job.Status = tracker.StatusPaused
		e.job.IsPaused = true
		e.pausedAt = now
		evt = r.event(e, now, progress.StageJobPaused)
		return true
	})
	if applied {
		r.emit(evt)
	}
	return applied
}

// ResumeProgress moves a paused job back to processing.
func (r *Registry) ResumeProgress(id string) bool {
	var evt progress.Event
	applied := r.mutate(id, func(e *entry, now time.Time) bool {
		if e.job.Status != tracker.StatusPaused {
			return false
		}
		e.endPause(now)
		e.job.Status = tracker.StatusProcessing
		e.job.IsPaused = false
		evt = r.event(e, now, progress.StageJobResumed)
		return true
	})
	if applied {
		r.emit(evt)
	}
	return applied
}

// CompleteProgress finishes a processing or paused job.
func (r *Registry) CompleteProgress(id string, results json.RawMessage) bool {
	var evt progress.Event
	applied := r.mutate(id, func(e *entry, now time.Time) bool {
		if e.job.Status != tracker.StatusProcessing && e.job.Status != tracker.StatusPaused {
			return false
		}
		e.endPause(now)
		e.job.Status = tracker.StatusCompleted
		e.job.IsPaused = false
		e.job.Progress = 100
		e.job.ProcessedItems = e.job.TotalItems
		zero := time.Duration(0)
		e.job.EstimatedTimeRemaining = &zero
		end := now
		e.job.EndTime = &end
		if len(results) > 0 {
			e.job.Results = append(json.RawMessage(nil), results...)
		}
		evt = r.event(e, now, progress.StageJobDone)
		evt.Dur = e.runtime()
		return true
	})
	if applied {
		r.emit(evt)
	}
	return applied
}

// ErrorProgress records message and moves a non-terminal job to error.
func (r *Registry) ErrorProgress(id, message string) bool {
	if message == "" {
		message = "unknown error"
	}
	var evt progress.Event
	applied := r.mutate(id, func(e *entry, now time.Time) bool {
		if e.job.Status.Terminal() {
			return false
		}
		e.endPause(now)
		e.job.Status = tracker.StatusError
		e.job.IsPaused = false
		e.job.Errors = append(e.job.Errors, message)
		e.job.EstimatedTimeRemaining = nil
		end := now
		e.job.EndTime = &end
		evt = r.event(e, now, progress.StageJobError)
		evt.Note = message
		evt.Dur = e.runtime()
		return true
	})
	if applied {
		r.emit(evt)
	}
	return applied
}

// ResetForRetry takes the error -> idle edge, clearing the run's transient
// state and counting the retry.
func (r *Registry) ResetForRetry(id string) bool {
	var evt progress.Event
	applied := r.mutate(id, func(e *entry, now time.Time) bool {
		if e.job.Status != tracker.StatusError {
			return false
		}
		r.resetEntry(e)
		evt = r.event(e, now, progress.StageJobReset)
		return true
	})
	if applied {
		r.emit(evt)
	}
	return applied
}

func (r *Registry) resetEntry(e *entry) {
	e.job.Status = tracker.StatusIdle
	e.job.Errors = []string{}
	e.job.Progress = 0
	e.job.ProcessedItems = 0
	e.job.TotalItems = e.job.MaxResults
	e.job.CurrentStep = ""
	e.job.EstimatedTimeRemaining = nil
	e.job.StartTime = nil
	e.job.EndTime = nil
	e.job.Results = nil
	e.job.IsPaused = false
	e.job.RetryCount++
	e.pausedAt = time.Time{}
	e.pausedTotal = 0
}

// DeleteJob removes a job and clears the active pointer if it referenced it.
func (r *Registry) DeleteJob(id string) bool {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.jobs, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if r.active == id {
		r.active = ""
	}
	now := r.clock.Now()
	job := e.job.Clone()
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	r.emit(progress.Event{
		JobID: id, TS: now, Stage: progress.StageJobDeleted,
		URL: job.URL, Progress: job.Progress, Step: job.CurrentStep,
	})
	r.notify(listeners, Change{Kind: ChangeDeleted, JobID: id, Previous: job.Status, Job: job})
	return true
}

// SetActiveJob marks id as the active job. An empty id clears the pointer.
func (r *Registry) SetActiveJob(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" {
		r.active = ""
		return true
	}
	if _, ok := r.jobs[id]; !ok {
		return false
	}
	r.active = id
	return true
}

// ActiveJob returns a copy of the active job, if any.
func (r *Registry) ActiveJob() (tracker.Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.active == "" {
		return tracker.Job{}, false
	}
	e, ok := r.jobs[r.active]
	if !ok {
		return tracker.Job{}, false
	}
	return e.job.Clone(), true
}

// Stats counts jobs per status.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Total: len(r.jobs), ByStatus: make(map[tracker.Status]int, len(tracker.Statuses)), ActiveID: r.active}
	for _, st := range tracker.Statuses {
		s.ByStatus[st] = 0
	}
	for _, e := range r.jobs {
		s.ByStatus[e.job.Status]++
	}
	return s
}

// Snapshot copies the registry for durable storage.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap := Snapshot{Jobs: make([]tracker.Job, 0, len(r.order)), ActiveID: r.active, TakenAt: r.clock.Now()}
	for _, id := range r.order {
		snap.Jobs = append(snap.Jobs, r.jobs[id].job.Clone())
	}
	return snap
}

// Import adds the snapshot's jobs that are not already present and adopts its
// active pointer when none is set. It returns the number of jobs imported.
// Paused jobs resume accumulating paused time from the moment of import.
func (r *Registry) Import(snap Snapshot) int {
	r.mu.Lock()
	now := r.clock.Now()
	imported := make([]tracker.Job, 0, len(snap.Jobs))
	for _, job := range snap.Jobs {
		if job.ID == "" || !job.Status.Valid() {
			r.logger.Warn("skipping invalid snapshot job", zap.String("job_id", job.ID), zap.String("status", string(job.Status)))
			continue
		}
		if _, exists := r.jobs[job.ID]; exists {
			continue
		}
		e := &entry{job: job.Clone()}
		if e.job.Errors == nil {
			e.job.Errors = []string{}
		}
		if e.job.Status == tracker.StatusPaused {
			e.pausedAt = now
		}
		r.jobs[job.ID] = e
		r.order = append(r.order, job.ID)
		imported = append(imported, e.job.Clone())
	}
	if r.active == "" && snap.ActiveID != "" {
		if _, ok := r.jobs[snap.ActiveID]; ok {
			r.active = snap.ActiveID
		}
	}
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	for _, job := range imported {
		r.notify(listeners, Change{Kind: ChangeCreated, JobID: job.ID, Previous: job.Status, Job: job})
	}
	return len(imported)
}

// Clear removes every job and the active pointer without notifying listeners.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = make(map[string]*entry)
	r.order = nil
	r.active = ""
}

func (r *Registry) mutate(id string, fn func(e *entry, now time.Time) bool) bool {
	r.mu.Lock()
	e, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	prev := e.job.Status
	now := r.clock.Now()
	if !fn(e, now) {
		r.mu.Unlock()
		return false
	}
	job := e.job.Clone()
	listeners := r.snapshotListeners()
	r.mu.Unlock()

	r.notify(listeners, Change{Kind: ChangeUpdated, JobID: id, Previous: prev, Job: job})
	return true
}

func (r *Registry) snapshotListeners() []Listener {
	if len(r.listeners) == 0 {
		return nil
	}
	out := make([]Listener, 0, len(r.listeners))
	for i := 0; i < r.nextLID; i++ {
		if l, ok := r.listeners[i]; ok {
			out = append(out, l)
		}
	}
	return out
}

func (r *Registry) notify(listeners []Listener, c Change) {
	for _, l := range listeners {
		l(c)
	}
}

func (r *Registry) event(e *entry, now time.Time, stage progress.Stage) progress.Event {
	return progress.Event{
		JobID:    e.job.ID,
		TS:       now,
		Stage:    stage,
		URL:      e.job.URL,
		Progress: e.job.Progress,
		Step:     e.job.CurrentStep,
	}
}

func (r *Registry) emit(evt progress.Event) {
	if r.emitter != nil {
		r.emitter.Emit(evt)
	}
}

func (e *entry) endPause(now time.Time) {
	if e.pausedAt.IsZero() {
		return
	}
	e.pausedTotal += now.Sub(e.pausedAt)
	e.pausedAt = time.Time{}
}

// runtime is the wall time between start and end, paused time included.
func (e *entry) runtime() time.Duration {
	if e.job.StartTime == nil || e.job.EndTime == nil {
		return 0
	}
	d := e.job.EndTime.Sub(*e.job.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

// estimateRemaining extrapolates the active (unpaused) elapsed time linearly.
func estimateRemaining(e *entry, now time.Time, p float64) *time.Duration {
	if p <= 0 || e.job.StartTime == nil {
		return nil
	}
	elapsed := now.Sub(*e.job.StartTime) - e.pausedTotal
	if elapsed < 0 {
		elapsed = 0
	}
	eta := time.Duration(float64(elapsed) * (100 - p) / p)
	return &eta
}

func clampPercent(p float64) float64 {
	if math.IsNaN(p) || p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
