// Package sqlite implements the persistence substrate on a SQLite database
// using the pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/example/campus-scheduler/internal/persistence"
)

var _ persistence.KeyValueStore = (*Store)(nil)

// Store implements persistence.KeyValueStore over a single kv table.
type Store struct {
	conn  *conn
	retry *retrier
	now   func() time.Time
}

// Open opens (creating if needed) the database at path with default settings.
func Open(path string) (*Store, error) {
	return OpenWithConfig(DefaultConfig(path))
}

// OpenWithConfig opens a Store using the provided configuration. Callers must
// run Migrate before the first read or write.
func OpenWithConfig(config Config) (*Store, error) {
	c, err := newConn(config)
	if err != nil {
		return nil, err
	}
	return &Store{
		conn:  c,
		retry: newRetrier(config),
		now:   time.Now,
	}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.conn.close()
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if strings.TrimSpace(key) == "" {
		return "", false, persistence.ErrEmptyKey
	}

	var value string
	err := s.retry.do(ctx, func() error {
		return s.conn.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// Set upserts value under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return persistence.ErrEmptyKey
	}

	updatedAt := s.now().UTC().Format(time.RFC3339Nano)
	return s.retry.do(ctx, func() error {
		_, err := s.conn.db.ExecContext(ctx, `
			INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, key, value, updatedAt)
		return err
	})
}

// Remove deletes key if present.
func (s *Store) Remove(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return persistence.ErrEmptyKey
	}

	return s.retry.do(ctx, func() error {
		_, err := s.conn.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key)
		return err
	})
}
