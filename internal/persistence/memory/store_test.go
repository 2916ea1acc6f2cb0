package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-job-tracker/internal/persistence"
)

func TestStoreRoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	_, err := s.Get(ctx, "active-job")
	require.ErrorIs(t, err, persistence.ErrNotFound)

	data := []byte(`{"jobId":"a"}`)
	require.NoError(t, s.Put(ctx, "active-job", data))
	data[0] = 'X'

	got, err := s.Get(ctx, "active-job")
	require.NoError(t, err)
	require.Equal(t, `{"jobId":"a"}`, string(got))

	require.NoError(t, s.Delete(ctx, "active-job"))
	require.ErrorIs(t, s.Delete(ctx, "active-job"), persistence.ErrNotFound)
	require.NoError(t, s.Close())
}

func TestStoreRejectsInvalidKeys(t *testing.T) {
	t.Parallel()

	require.Error(t, New().Put(context.Background(), "../x", nil))
}
