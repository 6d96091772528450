package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/example/campus-scheduler/internal/persistence"
)

// conn wraps the single database handle a Store writes through.
type conn struct {
	db *sql.DB
}

func newConn(config Config) (*conn, error) {
	db, err := openDB(config)
	if err != nil {
		return nil, fmt.Errorf("open sqlite substrate: %w", err)
	}
	return &conn{db: db}, nil
}

func (c *conn) close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// withTx runs fn in a transaction. The transaction is rolled back when fn
// fails or panics.
func (c *conn) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", mapError(err))
	}
	return nil
}

// mapError translates driver failures into substrate sentinels. Lock
// contention is left untranslated so the retrier can recognise it.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrConnDone) {
		return fmt.Errorf("%w: %v", persistence.ErrUnavailable, err)
	}

	msg := err.Error()
	switch {
	case containsAny(msg, "database or disk is full", "SQLITE_FULL"):
		return fmt.Errorf("%w: %v", persistence.ErrQuotaExceeded, err)
	case containsAny(msg, "database is closed"):
		return fmt.Errorf("%w: %v", persistence.ErrUnavailable, err)
	}
	return err
}

func isLockContention(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, persistence.ErrQuotaExceeded) || errors.Is(err, persistence.ErrUnavailable) {
		return false
	}
	return containsAny(err.Error(), "database is locked", "database table is locked", "SQLITE_BUSY")
}

func containsAny(s string, substrings ...string) bool {
	for _, sub := range substrings {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// retrier repeats an operation while it fails with lock contention, doubling
// the wait each time up to maxDelay.
type retrier struct {
	attempts  int
	delay     time.Duration
	maxDelay  time.Duration
	sleepFunc func(ctx context.Context, d time.Duration) error
}

func newRetrier(config Config) *retrier {
	return &retrier{
		attempts:  config.LockRetries + 1,
		delay:     config.LockRetryDelay,
		maxDelay:  time.Second,
		sleepFunc: sleepContext,
	}
}

func (r *retrier) do(ctx context.Context, fn func() error) error {
	delay := r.delay
	var err error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			if serr := r.sleepFunc(ctx, delay); serr != nil {
				return serr
			}
			delay = min(delay*2, r.maxDelay)
		}
		err = mapError(fn())
		if !isLockContention(err) {
			return err
		}
	}
	return fmt.Errorf("%w: still locked after %d attempts: %v", persistence.ErrUnavailable, r.attempts, err)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
