package channel

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-job-tracker/internal/clock/manual"
	"github.com/JakeFAU/scrape-job-tracker/internal/registry"
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

func newRegistry(t *testing.T) (*registry.Registry, *manual.Clock) {
	t.Helper()
	clk := manual.New(epoch)
	reg, err := registry.New(registry.Options{Clock: clk, IDs: &seqIDs{}})
	require.NoError(t, err)
	return reg, clk
}

// startJob creates a job and moves it to processing.
func startJob(t *testing.T, reg *registry.Registry, url string) string {
	t.Helper()
	id, err := reg.CreateJob(url, 10)
	require.NoError(t, err)
	require.True(t, reg.StartProgress(id, false))
	return id
}

func pct(v float64) *float64 { return &v }
