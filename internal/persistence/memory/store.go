// Package memory provides a process-local implementation of the persistence
// substrate used for tests and ephemeral runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/example/campus-scheduler/internal/persistence"
)

var _ persistence.KeyValueStore = (*Store)(nil)

// Store keeps values in a guarded map. A positive quota caps the combined
// length of all keys and values, mirroring browser storage limits.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
	quota  int
	used   int
}

// Option configures a Store.
type Option func(*Store)

// WithQuota limits the total number of bytes the store may hold.
func WithQuota(bytes int) Option {
	return func(s *Store) {
		s.quota = bytes
	}
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{values: make(map[string]string)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value stored under key.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	if strings.TrimSpace(key) == "" {
		return "", false, persistence.ErrEmptyKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.values[key]
	return value, ok, nil
}

// Set stores value under key, failing with ErrQuotaExceeded when the quota
// would be exceeded. A failed write leaves the previous value in place.
func (s *Store) Set(_ context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return persistence.ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	used := s.used
	if previous, ok := s.values[key]; ok {
		used -= len(key) + len(previous)
	}
	used += len(key) + len(value)
	if s.quota > 0 && used > s.quota {
		return persistence.ErrQuotaExceeded
	}

	s.values[key] = value
	s.used = used
	return nil
}

// Remove deletes key if present.
func (s *Store) Remove(_ context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return persistence.ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if previous, ok := s.values[key]; ok {
		s.used -= len(key) + len(previous)
		delete(s.values, key)
	}
	return nil
}

// Keys returns the stored keys in lexical order.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.values))
	for key := range s.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Used reports the number of bytes currently held.
func (s *Store) Used() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}
