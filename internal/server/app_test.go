package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/config"
	"github.com/JakeFAU/scrape-job-tracker/internal/recovery"
	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

type stubBackend struct {
	mu     sync.Mutex
	starts []map[string]any
}

func (b *stubBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/jobs/start":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.starts = append(b.starts, body)
		b.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jobId": body["jobId"], "status": "accepted"})
	case "/api/jobs/progress":
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (b *stubBackend) startCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.starts)
}

func testConfig(t *testing.T, backendURL string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Backend.BaseURL = backendURL
	cfg.Backend.RateLimit.RPS = 0
	cfg.Channel.PollInterval = time.Hour
	cfg.Persistence.Backend = config.PersistenceMemory
	cfg.Database.DSN = ""
	cfg.PubSub.ProjectID = ""
	cfg.Connectivity.ProbeURL = ""
	return &cfg
}

func buildTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	app, err := build(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.NoError(t, err)
	return app
}

func TestAppServesJobLifecycle(t *testing.T) {
	backend := &stubBackend{}
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	app := buildTestApp(t, testConfig(t, srv.URL))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	report, err := app.Start(ctx)
	require.NoError(t, err)
	require.Zero(t, report.Imported)
	t.Cleanup(func() { require.NoError(t, app.Close(context.Background())) })

	handler := app.Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"url":"https://example.com/listings","max_results":25}`))
	req.Header.Set("Content-Type", "application/json")
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var started struct {
		Job tracker.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.Equal(t, tracker.StatusProcessing, started.Job.Status)
	require.Equal(t, 1, backend.startCount())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/active", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), started.Job.ID)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/history", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBuildRejectsUnknownPolicyCategory(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t, "http://localhost:3000")
	cfg.Recovery.Policies = map[string]config.PolicyConfig{
		"gremlins": {RetryDelay: time.Second, MaxRetries: 1, BackoffMultiplier: 1},
	}
	_, err := build(context.Background(), cfg, zap.NewNop(), prometheus.NewRegistry())
	require.ErrorContains(t, err, "unknown category")
}

func TestRecoveryPoliciesOverrideDefaults(t *testing.T) {
	t.Parallel()

	policies, err := recoveryPolicies(config.RecoveryConfig{
		Policies: map[string]config.PolicyConfig{
			"network": {RetryDelay: 2 * time.Second, MaxRetries: 7, BackoffMultiplier: 3},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 7, policies.For(recovery.CategoryNetwork).MaxRetries)
	require.Equal(t, recovery.DefaultPolicies().For(recovery.CategoryTimeout), policies.For(recovery.CategoryTimeout))
}
