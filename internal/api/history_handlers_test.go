package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/scrape-job-tracker/internal/config"
	"github.com/JakeFAU/scrape-job-tracker/internal/store"
)

func TestHistoryHandlerListRuns(t *testing.T) {
	t.Parallel()

	repo := &mockRunRepo{
		runs: []store.JobRun{{
			JobID:     "job-1",
			URL:       "https://a.example.com",
			Status:    store.RunSuccess,
			StartedAt: time.Now().Add(-time.Hour),
		}},
	}
	handler := NewHistoryHandler(repo, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/history?status=success&limit=10&offset=2", nil)
	rec := httptest.NewRecorder()

	handler.ListRuns(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []store.JobRun `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	require.Equal(t, "job-1", body.Runs[0].JobID)
	require.NotNil(t, repo.lastStatus)
	require.Equal(t, store.RunSuccess, *repo.lastStatus)
	require.Equal(t, 10, repo.lastLimit)
	require.Equal(t, 2, repo.lastOffset)
}

func TestHistoryHandlerListRunsDefaultsAndCaps(t *testing.T) {
	t.Parallel()

	repo := &mockRunRepo{}
	handler := NewHistoryHandler(repo, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/history", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"runs":[]}`, rec.Body.String())
	require.Nil(t, repo.lastStatus)
	require.Equal(t, defaultRunLimit, repo.lastLimit)

	rec = httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/history?limit=100000", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, maxRunLimit, repo.lastLimit)
}

func TestHistoryHandlerListRunsBadInput(t *testing.T) {
	t.Parallel()

	handler := NewHistoryHandler(&mockRunRepo{}, zap.NewNop())
	for _, target := range []string{
		"/v1/history?limit=-1",
		"/v1/history?offset=x",
		"/v1/history?status=unknown",
	} {
		rec := httptest.NewRecorder()
		handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, target, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestHistoryHandlerRepoFailures(t *testing.T) {
	t.Parallel()

	handler := NewHistoryHandler(&mockRunRepo{err: errors.New("db down")}, zap.NewNop())
	rec := httptest.NewRecorder()
	handler.ListRuns(rec, httptest.NewRequest(http.MethodGet, "/v1/history", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	handler.LatestRun(rec, withJobIDParam(httptest.NewRequest(http.MethodGet, "/v1/history/job-1", nil), "job-1"))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHistoryHandlerLatestRun(t *testing.T) {
	t.Parallel()

	repo := &mockRunRepo{runs: []store.JobRun{{JobID: "job-9", Status: store.RunRunning}}}
	handler := NewHistoryHandler(repo, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.LatestRun(rec, withJobIDParam(httptest.NewRequest(http.MethodGet, "/v1/history/job-9", nil), "job-9"))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"job_id":"job-9"`)

	missing := NewHistoryHandler(&mockRunRepo{err: store.ErrNotFound}, zap.NewNop())
	rec = httptest.NewRecorder()
	missing.LatestRun(rec, withJobIDParam(httptest.NewRequest(http.MethodGet, "/v1/history/nope", nil), "nope"))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	handler.LatestRun(rec, withJobIDParam(httptest.NewRequest(http.MethodGet, "/v1/history/", nil), ""))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHistoryHandlerUnavailable(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, false, config.Config{})
	require.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, "/v1/history", "").Code)
	require.Equal(t, http.StatusServiceUnavailable, env.do(http.MethodGet, "/v1/history/job-1", "").Code)
}

type mockRunRepo struct {
	runs []store.JobRun
	err  error

	lastStatus *store.RunStatus
	lastLimit  int
	lastOffset int
}

func (m *mockRunRepo) StartRun(context.Context, string, string, time.Time) error {
	return m.err
}

func (m *mockRunRepo) RecordProgress(context.Context, string, float64, string, time.Time) error {
	return m.err
}

func (m *mockRunRepo) FinishRun(context.Context, string, time.Time, store.RunStatus, *string) error {
	return m.err
}

func (m *mockRunRepo) LatestRun(context.Context, string) (store.JobRun, error) {
	if len(m.runs) > 0 {
		return m.runs[0], nil
	}
	return store.JobRun{}, m.err
}

func (m *mockRunRepo) ListRuns(_ context.Context, status *store.RunStatus, limit, offset int) ([]store.JobRun, error) {
	m.lastStatus = status
	m.lastLimit = limit
	m.lastOffset = offset
	return m.runs, m.err
}

func withJobIDParam(r *http.Request, jobID string) *http.Request {
	ctx := chi.NewRouteContext()
	ctx.URLParams.Add("job_id", jobID)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, ctx))
}
