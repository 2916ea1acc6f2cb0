package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBackoffDelay(t *testing.T) {
	t.Parallel()

	b := Backoff{Base: time.Second, Max: 5 * time.Second, MaxAttempts: 4}
	require.Equal(t, time.Second, b.Delay(0))
	require.Equal(t, time.Second, b.Delay(1))
	require.Equal(t, 2*time.Second, b.Delay(2))
	require.Equal(t, 4*time.Second, b.Delay(3))
	require.Equal(t, 5*time.Second, b.Delay(4))
	require.Equal(t, 5*time.Second, b.Delay(30))

	require.False(t, b.Exhausted(3))
	require.True(t, b.Exhausted(4))
}

func TestBackoffDefaults(t *testing.T) {
	t.Parallel()

	b := Backoff{}.withDefaults()
	require.Equal(t, DefaultBackoff(), b)

	custom := Backoff{Base: 3 * time.Second}.withDefaults()
	require.Equal(t, 3*time.Second, custom.Base)
	require.Equal(t, DefaultBackoff().MaxAttempts, custom.MaxAttempts)
}
