package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/scrape-job-tracker/internal/clock/manual"
	"github.com/JakeFAU/scrape-job-tracker/internal/persistence"
	"github.com/JakeFAU/scrape-job-tracker/internal/persistence/memory"
	"github.com/JakeFAU/scrape-job-tracker/internal/registry"
	"github.com/JakeFAU/scrape-job-tracker/internal/tracker"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

type brokenStore struct{ err error }

func (b brokenStore) Put(context.Context, string, []byte) error    { return b.err }
func (b brokenStore) Get(context.Context, string) ([]byte, error) { return nil, b.err }
func (b brokenStore) Delete(context.Context, string) error         { return b.err }
func (b brokenStore) Close() error                                 { return nil }

func newRegistry(t *testing.T, clk *manual.Clock) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.Options{Clock: clk, IDs: &seqIDs{}})
	require.NoError(t, err)
	return reg
}

func newAdapter(t *testing.T, store persistence.Store) (*persistence.Adapter, *manual.Clock) {
	t.Helper()
	clk := manual.New(epoch)
	a, err := persistence.NewAdapter(store, clk, nil)
	require.NoError(t, err)
	return a, clk
}

func TestNewAdapterValidation(t *testing.T) {
	t.Parallel()

	_, err := persistence.NewAdapter(nil, manual.New(epoch), nil)
	require.Error(t, err)
	_, err = persistence.NewAdapter(memory.New(), nil, nil)
	require.Error(t, err)
}

func TestSaveLoadClear(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, _ := newAdapter(t, memory.New())

	_, err := a.Load(ctx)
	require.ErrorIs(t, err, persistence.ErrNoHandle)

	require.NoError(t, a.Save(ctx, tracker.Job{ID: "job-1", URL: "https://x", MaxResults: 10}))
	h, err := a.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, persistence.Handle{JobID: "job-1", URL: "https://x", MaxResults: 10, Timestamp: epoch.UnixMilli()}, h)
	require.Equal(t, time.Minute, h.Age(epoch.Add(time.Minute)))

	// Last job wins.
	require.NoError(t, a.Save(ctx, tracker.Job{ID: "job-2", URL: "https://y", MaxResults: 5}))
	h, err = a.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "job-2", h.JobID)

	require.NoError(t, a.Clear(ctx))
	require.NoError(t, a.Clear(ctx))
	_, err = a.Load(ctx)
	require.ErrorIs(t, err, persistence.ErrNoHandle)
}

func TestHandleWireFormat(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	a, _ := newAdapter(t, store)
	require.NoError(t, a.Save(ctx, tracker.Job{ID: "job-1", URL: "https://x", MaxResults: 10}))

	raw, err := store.Get(ctx, persistence.HandleKey)
	require.NoError(t, err)
	require.JSONEq(t, fmt.Sprintf(`{"jobId":"job-1","url":"https://x","maxResults":10,"timestamp":%d}`, epoch.UnixMilli()), string(raw))
}

func TestRestoreMatchingHandle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, clk := newAdapter(t, memory.New())
	reg := newRegistry(t, clk)
	id, err := reg.CreateJob("https://x", 10)
	require.NoError(t, err)
	job, _ := reg.Job(id)
	require.NoError(t, a.Save(ctx, job))

	restored, outcome := a.Restore(ctx, reg)
	require.Equal(t, persistence.RestoreApplied, outcome)
	require.Equal(t, id, restored.ID)
	active, ok := reg.ActiveJob()
	require.True(t, ok)
	require.Equal(t, id, active.ID)
}

func TestRestoreMismatchDiscardsHandle(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		handle tracker.Job
	}{
		{"different url", tracker.Job{URL: "https://other", MaxResults: 10}},
		{"different max results", tracker.Job{URL: "https://x", MaxResults: 11}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			a, clk := newAdapter(t, memory.New())
			reg := newRegistry(t, clk)
			id, err := reg.CreateJob("https://x", 10)
			require.NoError(t, err)

			stale := tc.handle
			stale.ID = id
			require.NoError(t, a.Save(ctx, stale))

			_, outcome := a.Restore(ctx, reg)
			require.Equal(t, persistence.RestoreMismatch, outcome)
			_, ok := reg.ActiveJob()
			require.False(t, ok)
			_, err = a.Load(ctx)
			require.ErrorIs(t, err, persistence.ErrNoHandle)
			_, ok = reg.Job(id)
			require.True(t, ok)
		})
	}
}

func TestRestoreMissingJob(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, clk := newAdapter(t, memory.New())
	reg := newRegistry(t, clk)
	require.NoError(t, a.Save(ctx, tracker.Job{ID: "gone", URL: "https://x", MaxResults: 1}))

	_, outcome := a.Restore(ctx, reg)
	require.Equal(t, persistence.RestoreMissing, outcome)
	_, err := a.Load(ctx)
	require.ErrorIs(t, err, persistence.ErrNoHandle)
}

func TestRestoreSkipsWhenActiveJobExists(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, clk := newAdapter(t, memory.New())
	reg := newRegistry(t, clk)
	first, err := reg.CreateJob("https://a", 1)
	require.NoError(t, err)
	second, err := reg.CreateJob("https://b", 1)
	require.NoError(t, err)
	require.True(t, reg.SetActiveJob(first))

	job, _ := reg.Job(second)
	require.NoError(t, a.Save(ctx, job))
	_, outcome := a.Restore(ctx, reg)
	require.Equal(t, persistence.RestoreSkipped, outcome)

	active, _ := reg.ActiveJob()
	require.Equal(t, first, active.ID)
	_, err = a.Load(ctx)
	require.NoError(t, err)
}

func TestRestoreNoHandle(t *testing.T) {
	t.Parallel()

	a, clk := newAdapter(t, memory.New())
	_, outcome := a.Restore(context.Background(), newRegistry(t, clk))
	require.Equal(t, persistence.RestoreNoHandle, outcome)
}

func TestStorageFailuresAreNonFatal(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	boom := errors.New("disk full")
	a, clk := newAdapter(t, brokenStore{err: boom})

	require.ErrorIs(t, a.Save(ctx, tracker.Job{ID: "x"}), boom)
	require.ErrorIs(t, a.SaveSnapshot(ctx, registry.Snapshot{}), boom)
	_, ok := a.LoadSnapshot(ctx)
	require.False(t, ok)

	_, outcome := a.Restore(ctx, newRegistry(t, clk))
	require.Equal(t, persistence.RestoreUnhealthy, outcome)
}

func TestCorruptHandleIsDiscarded(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	require.NoError(t, store.Put(ctx, persistence.HandleKey, []byte("{not json")))
	a, clk := newAdapter(t, store)

	_, outcome := a.Restore(ctx, newRegistry(t, clk))
	require.Equal(t, persistence.RestoreUnhealthy, outcome)
	_, err := store.Get(ctx, persistence.HandleKey)
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestSnapshotRoundTripRehydratesRegistry(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.New()
	a, clk := newAdapter(t, store)

	src := newRegistry(t, clk)
	id, err := src.CreateJob("https://x", 10)
	require.NoError(t, err)
	require.True(t, src.StartProgress(id, false))
	require.True(t, src.UpdateProgress(id, registry.ProgressUpdate{Progress: 40, Step: "Parsing"}))
	job, _ := src.Job(id)
	require.NoError(t, a.Save(ctx, job))
	require.NoError(t, a.SaveSnapshot(ctx, src.Snapshot()))

	dst := newRegistry(t, clk)
	snap, ok := a.LoadSnapshot(ctx)
	require.True(t, ok)
	require.Equal(t, 1, dst.Import(snap))

	restored, outcome := a.Restore(ctx, dst)
	require.Equal(t, persistence.RestoreApplied, outcome)
	require.Equal(t, tracker.StatusProcessing, restored.Status)
	require.InDelta(t, 40.0, restored.Progress, 1e-9)
}

func TestValidKey(t *testing.T) {
	t.Parallel()

	require.True(t, persistence.ValidKey(persistence.HandleKey))
	require.True(t, persistence.ValidKey("registry-snapshot.v2"))
	require.False(t, persistence.ValidKey(""))
	require.False(t, persistence.ValidKey("../etc/passwd"))
	require.False(t, persistence.ValidKey("a/b"))
	require.False(t, persistence.ValidKey(".hidden"))
}

func TestRestoreLogsHandleAge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	core, logs := observer.New(zap.InfoLevel)
	clk := manual.New(epoch)
	a, err := persistence.NewAdapter(memory.New(), clk, zap.New(core))
	require.NoError(t, err)
	reg := newRegistry(t, clk)
	id, err := reg.CreateJob("https://x", 10)
	require.NoError(t, err)
	job, _ := reg.Job(id)
	require.NoError(t, a.Save(ctx, job))

	clk.Advance(90 * time.Second)
	_, outcome := a.Restore(ctx, reg)
	require.Equal(t, persistence.RestoreApplied, outcome)

	entries := logs.FilterMessage("restored active job").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, id, fields["job_id"])
	require.Equal(t, 90*time.Second, fields["handle_age"])
}
