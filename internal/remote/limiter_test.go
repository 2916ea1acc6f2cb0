package remote

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-job-tracker/internal/recovery"
)

func TestLimiterCancelledWaitIsNotRateLimited(t *testing.T) {
	t.Parallel()

	l := NewLimiter(LimiterConfig{RPS: 0.001, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), EndpointStart))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Wait(ctx, EndpointStart)
	require.ErrorIs(t, err, context.Canceled)
	require.NotContains(t, err.Error(), "rate limit")
	require.NotEqual(t, recovery.CategoryRateLimit, recovery.Classify(err.Error()))
}

func TestLimiterKeepsEndpointsIndependent(t *testing.T) {
	t.Parallel()

	l := NewLimiter(LimiterConfig{RPS: 0.001, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), EndpointStart))
	require.NoError(t, l.Wait(context.Background(), EndpointProgress))
}
