// Package memory keeps persisted state in process memory. It is the default
// backend for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/scrape-job-tracker/internal/persistence"
)

// Store is an in-memory persistence.Store.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ persistence.Store = (*Store)(nil)

// New creates an empty Store.
func New() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Put stores a copy of data under key.
func (s *Store) Put(_ context.Context, key string, data []byte) error {
	if !persistence.ValidKey(key) {
		return fmt.Errorf("invalid key %q", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return nil
}

// Get returns a copy of the value under key.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[key]
	if !ok {
		return nil, persistence.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Delete removes key.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; !ok {
		return persistence.ErrNotFound
	}
	delete(s.data, key)
	return nil
}

// Close implements persistence.Store.
func (s *Store) Close() error {
	return nil
}
