package testfixtures

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/example/campus-scheduler/internal/persistence"
	"github.com/example/campus-scheduler/internal/persistence/memory"
	"github.com/example/campus-scheduler/internal/persistence/sqlite"
)

// NewSubstrate returns a migrated SQLite substrate on a temporary file. The
// store is closed when the test finishes.
func NewSubstrate(tb testing.TB) *sqlite.Store {
	tb.Helper()

	path := filepath.Join(tb.TempDir(), "campus.db")
	store, err := sqlite.Open(path)
	if err != nil {
		tb.Fatalf("failed to open substrate: %v", err)
	}
	tb.Cleanup(func() {
		_ = store.Close()
	})

	if err := store.Migrate(context.Background()); err != nil {
		tb.Fatalf("failed to migrate substrate: %v", err)
	}
	return store
}

// NewMemorySubstrate returns a process-local substrate with optional quota.
func NewMemorySubstrate(opts ...memory.Option) *memory.Store {
	return memory.New(opts...)
}

// FailingSubstrate wraps a substrate and fails writes to selected keys.
// FailGet counts down the remaining read failures per key.
type FailingSubstrate struct {
	persistence.KeyValueStore
	Err      error
	FailSet  map[string]bool
	FailAll  bool
	FailGet  map[string]int
	SetCalls []string
	GetCalls []string
}

// NewFailingSubstrate wraps inner. Set fails with err for the listed keys, or
// for every key when none are listed.
func NewFailingSubstrate(inner persistence.KeyValueStore, err error, keys ...string) *FailingSubstrate {
	if err == nil {
		err = persistence.ErrQuotaExceeded
	}
	f := &FailingSubstrate{KeyValueStore: inner, Err: err, FailSet: map[string]bool{}, FailAll: len(keys) == 0, FailGet: map[string]int{}}
	for _, key := range keys {
		f.FailSet[key] = true
	}
	return f
}

// Set records the call and fails when key is selected.
func (f *FailingSubstrate) Set(ctx context.Context, key, value string) error {
	f.SetCalls = append(f.SetCalls, key)
	if f.FailAll || f.FailSet[key] {
		return f.Err
	}
	return f.KeyValueStore.Set(ctx, key, value)
}

// NewUnreadableSubstrate wraps inner so that the next times reads of key fail
// with err. Writes pass through.
func NewUnreadableSubstrate(inner persistence.KeyValueStore, err error, key string, times int) *FailingSubstrate {
	if err == nil {
		err = persistence.ErrUnavailable
	}
	return &FailingSubstrate{
		KeyValueStore: inner,
		Err:           err,
		FailSet:       map[string]bool{},
		FailGet:       map[string]int{key: times},
	}
}

// Get records the call and fails while key has failures left.
func (f *FailingSubstrate) Get(ctx context.Context, key string) (string, bool, error) {
	f.GetCalls = append(f.GetCalls, key)
	if f.FailGet[key] > 0 {
		f.FailGet[key]--
		return "", false, f.Err
	}
	return f.KeyValueStore.Get(ctx, key)
}
