package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/scrape-job-tracker/internal/persistence"
)

func TestStoreRoundTripOnDisk(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "tracker.db")
	s, err := New(ctx, Config{Path: path})
	require.NoError(t, err)

	_, err = s.Get(ctx, persistence.SnapshotKey)
	require.ErrorIs(t, err, persistence.ErrNotFound)

	require.NoError(t, s.Put(ctx, persistence.SnapshotKey, []byte(`{"jobs":[]}`)))
	require.NoError(t, s.Put(ctx, persistence.SnapshotKey, []byte(`{"jobs":[{"id":"a"}]}`)))
	got, err := s.Get(ctx, persistence.SnapshotKey)
	require.NoError(t, err)
	require.JSONEq(t, `{"jobs":[{"id":"a"}]}`, string(got))
	require.NoError(t, s.Close())

	// State survives reopening the file.
	reopened, err := New(ctx, Config{Path: path})
	require.NoError(t, err)
	defer func() { require.NoError(t, reopened.Close()) }()
	got, err = reopened.Get(ctx, persistence.SnapshotKey)
	require.NoError(t, err)
	require.JSONEq(t, `{"jobs":[{"id":"a"}]}`, string(got))

	require.NoError(t, reopened.Delete(ctx, persistence.SnapshotKey))
	require.ErrorIs(t, reopened.Delete(ctx, persistence.SnapshotKey), persistence.ErrNotFound)
}

func TestStoreInMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s, err := New(ctx, Config{Path: ":memory:"})
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Close()) }()

	require.NoError(t, s.Put(ctx, persistence.HandleKey, []byte("1")))
	got, err := s.Get(ctx, persistence.HandleKey)
	require.NoError(t, err)
	require.Equal(t, "1", string(got))
	require.Error(t, s.Put(ctx, "bad/key", nil))
}

func TestNewRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	s := NewWithDB(sqlx.NewDb(db, "sqlmock"))
	s.now = func() time.Time { return time.Unix(1700000000, 0) }
	return s, mock
}

func TestStorePutFailure(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	boom := errors.New("database is locked")
	mock.ExpectExec("INSERT INTO tracker_state").
		WithArgs(persistence.HandleKey, []byte("x"), time.Unix(1700000000, 0).UTC()).
		WillReturnError(boom)

	err := s.Put(context.Background(), persistence.HandleKey, []byte("x"))
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetFailure(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	boom := errors.New("disk I/O error")
	mock.ExpectQuery("SELECT value FROM tracker_state").
		WithArgs(persistence.HandleKey).
		WillReturnError(boom)

	_, err := s.Get(context.Background(), persistence.HandleKey)
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, persistence.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreDeleteMissing(t *testing.T) {
	t.Parallel()

	s, mock := newMockStore(t)
	mock.ExpectExec("DELETE FROM tracker_state").
		WithArgs(persistence.HandleKey).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.ErrorIs(t, s.Delete(context.Background(), persistence.HandleKey), persistence.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
