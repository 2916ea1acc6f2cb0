package gcs

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/JakeFAU/scrape-job-tracker/internal/persistence"
)

func newTestStore(t *testing.T, handler http.Handler) *Store {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	s, err := New(client, Config{Bucket: "tracker-state", Prefix: "/dev/"})
	require.NoError(t, err)
	return s
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestStorePutUploadsJSON(t *testing.T) {
	t.Parallel()

	var (
		mu   sync.Mutex
		name string
		body string
	)
	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/tracker-state/o")
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		mu.Lock()
		name = r.URL.Query().Get("name")
		body = string(raw)
		mu.Unlock()
		_, _ = io.WriteString(w, `{"name":"dev/active-job.json","bucket":"tracker-state"}`)
	}))

	require.NoError(t, s.Put(context.Background(), persistence.HandleKey, []byte(`{"jobId":"a"}`)))
	mu.Lock()
	defer mu.Unlock()
	if name != "" {
		assert.Equal(t, "dev/active-job.json", name)
	}
	assert.Contains(t, body, `{"jobId":"a"}`)
	assert.Contains(t, body, "application/json")
}

func TestStorePutServerError(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	require.Error(t, s.Put(context.Background(), persistence.HandleKey, []byte("x")))
}

func TestStoreGetMissingObject(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	_, err := s.Get(context.Background(), persistence.HandleKey)
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestStoreDeleteMissingObject(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/o/dev%2Factive-job.json") ||
			strings.HasSuffix(r.URL.Path, "/o/dev/active-job.json"))
		w.WriteHeader(http.StatusNotFound)
	}))
	require.ErrorIs(t, s.Delete(context.Background(), persistence.HandleKey), persistence.ErrNotFound)
}

func TestStoreRejectsInvalidKey(t *testing.T) {
	t.Parallel()

	s := newTestStore(t, http.NotFoundHandler())
	require.Error(t, s.Put(context.Background(), "../x", nil))
}
