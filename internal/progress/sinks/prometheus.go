package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/scrape-job-tracker/internal/progress"
)

// PrometheusSink exports job lifecycle metrics via Prometheus.
type PrometheusSink struct {
	jobsCreated     prometheus.Counter
	jobsStarted     prometheus.Counter
	jobsFinished    *prometheus.CounterVec
	jobsRunning     prometheus.Gauge
	jobsPaused      prometheus.Gauge
	jobRuntime      *prometheus.HistogramVec
	progressUpdates prometheus.Counter
	retries         prometheus.Counter

	tracker *runTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_jobs_created_total",
			Help: "Total jobs registered.",
		}),
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_jobs_started_total",
			Help: "Total job runs that entered processing.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tracker_jobs_finished_total",
			Help: "Total job runs finished partitioned by result.",
		}, []string{"result"}),
		jobsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_jobs_running",
			Help: "Current number of job runs in processing or paused.",
		}),
		jobsPaused: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tracker_jobs_paused",
			Help: "Current number of paused jobs.",
		}),
		jobRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tracker_job_runtime_seconds",
			Help:    "Wall time per finished job run.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"result"}),
		progressUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_progress_updates_total",
			Help: "Accepted progress updates.",
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tracker_job_resets_total",
			Help: "Jobs reset from error for a retry.",
		}),
		tracker: newRunTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsCreated,
		s.jobsStarted,
		s.jobsFinished,
		s.jobsRunning,
		s.jobsPaused,
		s.jobRuntime,
		s.progressUpdates,
		s.retries,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobCreated:
		s.jobsCreated.Inc()
	case progress.StageJobStart:
		s.jobsStarted.Inc()
		if s.tracker.start(evt.JobID) {
			s.jobsRunning.Inc()
		}
	case progress.StageJobProgress:
		s.progressUpdates.Inc()
	case progress.StageJobPaused:
		if s.tracker.pause(evt.JobID) {
			s.jobsPaused.Inc()
		}
	case progress.StageJobResumed:
		if s.tracker.resume(evt.JobID) {
			s.jobsPaused.Dec()
		}
	case progress.StageJobReset:
		s.retries.Inc()
	case progress.StageJobDone:
		s.finish(evt, "success")
	case progress.StageJobError:
		s.finish(evt, "error")
	case progress.StageJobDeleted:
		s.release(evt.JobID)
	}
}

func (s *PrometheusSink) finish(evt progress.Event, result string) {
	s.jobsFinished.WithLabelValues(result).Inc()
	if evt.Dur > 0 {
		s.jobRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	s.release(evt.JobID)
}

func (s *PrometheusSink) release(id string) {
	running, paused := s.tracker.complete(id)
	if running {
		s.jobsRunning.Dec()
	}
	if paused {
		s.jobsPaused.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type runTracker struct {
	mu      sync.Mutex
	running map[string]bool // value: paused
}

func newRunTracker() *runTracker {
	return &runTracker{running: make(map[string]bool)}
}

func (t *runTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = false
	return true
}

func (t *runTracker) pause(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	paused, ok := t.running[id]
	if !ok || paused {
		return false
	}
	t.running[id] = true
	return true
}

func (t *runTracker) resume(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	paused, ok := t.running[id]
	if !ok || !paused {
		return false
	}
	t.running[id] = false
	return true
}

func (t *runTracker) complete(id string) (running, paused bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	paused, running = t.running[id]
	delete(t.running, id)
	return running, paused
}
