package cmd

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-job-tracker/internal/config"
	"github.com/JakeFAU/scrape-job-tracker/internal/controller"
	"github.com/JakeFAU/scrape-job-tracker/internal/recovery"
	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

// scriptedTracker returns one job state per Job call, repeating the last.
type scriptedTracker struct {
	mu       sync.Mutex
	states   []tracker.Job
	calls    int
	views    map[int]recovery.ErrorView
	started  []controller.StartRequest
	startErr error
}

func (s *scriptedTracker) Start(_ context.Context, req controller.StartRequest) (tracker.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, req)
	if s.startErr != nil {
		return tracker.Job{}, s.startErr
	}
	return tracker.Job{ID: "job-1", URL: req.URL, Status: tracker.StatusProcessing}, nil
}

func (s *scriptedTracker) Job(string) (tracker.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.calls
	if idx >= len(s.states) {
		idx = len(s.states) - 1
	}
	s.calls++
	if idx < 0 {
		return tracker.Job{}, false
	}
	return s.states[idx], true
}

func (s *scriptedTracker) ErrorView(string) (recovery.ErrorView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.views[s.calls-1]
	return v, ok
}

type fakeApp struct {
	tracker *scriptedTracker
	report  controller.InitReport
	closed  bool
}

func (a *fakeApp) Run(context.Context) error { return nil }
func (a *fakeApp) Start(context.Context) (controller.InitReport, error) {
	return a.report, nil
}
func (a *fakeApp) Tracker() Tracker { return a.tracker }
func (a *fakeApp) Close(context.Context) error {
	a.closed = true
	return nil
}

func TestFollowUntilCompleted(t *testing.T) {
	t.Parallel()

	tr := &scriptedTracker{states: []tracker.Job{
		{ID: "job-1", Status: tracker.StatusProcessing, Progress: 10, ProcessedItems: 1, TotalItems: 10},
		{ID: "job-1", Status: tracker.StatusProcessing, Progress: 10, ProcessedItems: 1, TotalItems: 10},
		{ID: "job-1", Status: tracker.StatusCompleted, Progress: 100, ProcessedItems: 10, TotalItems: 10},
	}}
	var out bytes.Buffer
	require.NoError(t, follow(context.Background(), tr, "job-1", time.Millisecond, &out))

	require.Equal(t,
		"[processing]  10.0% 1/10\n[completed] 100.0% 10/10\njob job-1 completed with 10 items\n",
		out.String())
}

func TestFollowKeepsWaitingWhileRetryScheduled(t *testing.T) {
	t.Parallel()

	failed := tracker.Job{ID: "job-1", Status: tracker.StatusError, Errors: []string{"backend start returned 429 Too Many Requests"}}
	tr := &scriptedTracker{
		states: []tracker.Job{failed, {ID: "job-1", Status: tracker.StatusCompleted}},
		views:  map[int]recovery.ErrorView{0: {RetryScheduled: true}},
	}
	var out bytes.Buffer
	require.NoError(t, follow(context.Background(), tr, "job-1", time.Millisecond, &out))
	require.Contains(t, out.String(), "429 Too Many Requests")
	require.Contains(t, out.String(), "completed")
}

func TestFollowReturnsFailure(t *testing.T) {
	t.Parallel()

	tr := &scriptedTracker{states: []tracker.Job{
		{ID: "job-1", Status: tracker.StatusError, Errors: []string{"401 Unauthorized"}},
	}}
	var out bytes.Buffer
	err := follow(context.Background(), tr, "job-1", time.Millisecond, &out)
	require.ErrorContains(t, err, "401 Unauthorized")
}

func TestFollowRechecksUnscheduledFailure(t *testing.T) {
	t.Parallel()

	failed := tracker.Job{ID: "job-1", Status: tracker.StatusError, Errors: []string{"backend network unreachable"}}
	tr := &scriptedTracker{
		states: []tracker.Job{failed, failed, {ID: "job-1", Status: tracker.StatusCompleted, ProcessedItems: 3}},
		views:  map[int]recovery.ErrorView{1: {RetryScheduled: true}},
	}
	var out bytes.Buffer
	require.NoError(t, follow(context.Background(), tr, "job-1", time.Millisecond, &out))
	require.Contains(t, out.String(), "job job-1 completed with 3 items")
	require.Equal(t, 3, tr.calls)
}

func TestFollowStopsOnCancel(t *testing.T) {
	t.Parallel()

	tr := &scriptedTracker{states: []tracker.Job{{ID: "job-1", Status: tracker.StatusProcessing}}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer
	require.NoError(t, follow(ctx, tr, "job-1", time.Hour, &out))
	require.Contains(t, out.String(), "stopped following job job-1")
}

func TestFollowDismissedJob(t *testing.T) {
	t.Parallel()

	tr := &scriptedTracker{}
	err := follow(context.Background(), tr, "job-1", time.Millisecond, &bytes.Buffer{})
	require.ErrorContains(t, err, "dismissed")
}

func TestRunStartSendsRequest(t *testing.T) {
	t.Parallel()

	tr := &scriptedTracker{states: []tracker.Job{{ID: "job-1", Status: tracker.StatusCompleted}}}
	app := &fakeApp{tracker: tr, report: controller.InitReport{ActiveID: "old-job"}}
	opts := &startOptions{maxResults: 5, geo: true, latitude: 40.7, longitude: -74, identity: "alice", interval: time.Millisecond}

	var out bytes.Buffer
	require.NoError(t, runStart(context.Background(), app, opts, "https://example.com", &out))

	require.Len(t, tr.started, 1)
	req := tr.started[0]
	require.Equal(t, "https://example.com", req.URL)
	require.Equal(t, 5, req.MaxResults)
	require.Equal(t, "alice", req.UserIdentity)
	require.NotNil(t, req.Coordinates)
	require.InDelta(t, 40.7, req.Coordinates.Latitude, 1e-9)
	require.Contains(t, out.String(), "resumed session with job old-job")
}

func TestRunStartPropagatesStartError(t *testing.T) {
	t.Parallel()

	tr := &scriptedTracker{startErr: errors.New("invalid request")}
	app := &fakeApp{tracker: tr}
	err := runStart(context.Background(), app, &startOptions{}, "ftp://nope", &bytes.Buffer{})
	require.ErrorContains(t, err, "start job: invalid request")
}

func TestLoadEnvFile(t *testing.T) {
	require.NoError(t, loadEnvFile(""))
	require.NoError(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("TRACKER_TEST_ENV_MARKER=loaded\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("TRACKER_TEST_ENV_MARKER") })
	require.NoError(t, loadEnvFile(path))
	require.Equal(t, "loaded", os.Getenv("TRACKER_TEST_ENV_MARKER"))
}

func TestRootCommandBuildsAndClosesApp(t *testing.T) {
	app := &fakeApp{tracker: &scriptedTracker{}}
	var gotCfg *config.Config
	orig := newApp
	newApp = func(_ context.Context, cfg *config.Config) (App, error) {
		gotCfg = cfg
		return app, nil
	}
	t.Cleanup(func() { newApp = orig })

	root := newRootCmd()
	root.SetArgs([]string{"serve", "--env-file", ""})
	require.NoError(t, root.ExecuteContext(context.Background()))
	require.NotNil(t, gotCfg)
	require.Equal(t, 8080, gotCfg.Server.Port)
	require.True(t, app.closed)
}
