// Package persistence keeps the active job handle and registry snapshots in
// durable storage so a restarted process can rehydrate its jobs. Every
// failure is non-fatal: callers degrade to "nothing restored".
package persistence

import (
	"context"
	"errors"
	"regexp"
)

// ErrNotFound is returned by Store.Get when the key has no value.
var ErrNotFound = errors.New("persisted key not found")

// Store is a small durable key/value store. Implementations must be safe
// for concurrent use.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Keys used by the Adapter.
const (
	HandleKey   = "active-job"
	SnapshotKey = "registry-snapshot"
)

var validKey = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// ValidKey reports whether key is safe to use as a file or object name.
func ValidKey(key string) bool {
	return validKey.MatchString(key)
}
