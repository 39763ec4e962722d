// Package lock provides advisory locks stored in SQLite so that they are
// shared between processes and survive a crash of the process that took
// them.
//
// Two variants exist. A named lock is a row that exists while the lock is
// held; it has no owner and no expiry unless the caller opts into a
// staleness bound. An owner lock carries an owner and an expiry and is
// re-entrant for its owner; an expired owner lock counts as free.
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/metrics"
	"github.com/activescreen/backend/internal/storage/sqlite"
	"github.com/activescreen/backend/pkg/logger"
)

var (
	// ErrNotAcquired is the "busy" condition: somebody else holds the lock.
	// Callers are expected to back off and try again later.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrNotHeld means the caller's acquisition is gone: it was released
	// already or broken as stale and possibly taken by somebody else.
	ErrNotHeld = errors.New("lock not held")
)

const schema = `
CREATE TABLE IF NOT EXISTS named_locks (
	name     TEXT PRIMARY KEY,
	token    TEXT NOT NULL DEFAULT '',
	acquired REAL NOT NULL
);

CREATE TABLE IF NOT EXISTS owner_locks (
	name    TEXT PRIMARY KEY,
	owner   TEXT NOT NULL,
	expires REAL NOT NULL
);
`

const DefaultPollInterval = 100 * time.Millisecond

type Options struct {
	// Blocking makes Acquire poll until the lock is free, Timeout elapses or
	// ctx is done. A non-blocking Acquire fails at once.
	Blocking bool
	// Timeout bounds a blocking Acquire. Zero waits until ctx is done.
	Timeout      time.Duration
	PollInterval time.Duration
	// StaleAfter, when positive, lets Acquire break a lock that has been
	// held for longer than StaleAfter.
	StaleAfter time.Duration
}

// NonBlocking fails immediately when the lock is taken.
var NonBlocking = Options{}

type Locker struct {
	db *sql.DB
}

func New(ctx context.Context, db *sql.DB) (*Locker, error) {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to initialize lock schema: %w", err)
	}
	return &Locker{db: db}, nil
}

// Acquire takes the named lock and returns the token of this acquisition.
// The token is needed to release it.
func (l *Locker) Acquire(ctx context.Context, name string, opts Options) (string, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	var deadline time.Time
	if opts.Blocking && opts.Timeout > 0 {
		deadline = time.Now().Add(opts.Timeout)
	}

	token := uuid.NewString()
	for {
		ok, err := l.tryAcquire(ctx, name, token, opts.StaleAfter)
		if err != nil {
			return "", err
		}
		if ok {
			logger.Debug("Lock acquired", logger.Lock(name))
			return token, nil
		}

		metrics.LockContention.WithLabelValues(lockKind(name)).Inc()

		if !opts.Blocking {
			return "", fmt.Errorf("%w: %s", ErrNotAcquired, name)
		}
		if !deadline.IsZero() && time.Now().Add(opts.PollInterval).After(deadline) {
			return "", fmt.Errorf("%w: %s: timed out after %s", ErrNotAcquired, name, opts.Timeout)
		}

		timer := time.NewTimer(opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("%w: %s: %v", ErrNotAcquired, name, ctx.Err())
		case <-timer.C:
		}
	}
}

func (l *Locker) tryAcquire(ctx context.Context, name, token string, staleAfter time.Duration) (bool, error) {
	acquired := false
	err := sqlite.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		acquired = false
		now := sqlite.Now()

		if staleAfter > 0 {
			cutoff := now - staleAfter.Seconds()
			res, err := tx.ExecContext(ctx, `DELETE FROM named_locks WHERE name = ? AND acquired < ?`, name, cutoff)
			if err != nil {
				return fmt.Errorf("failed to break stale lock %s: %w", name, err)
			}
			if n, _ := res.RowsAffected(); n > 0 {
				logger.Warn("Broke stale lock", logger.Lock(name), zap.Duration("stale_after", staleAfter))
			}
		}

		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO named_locks (name, token, acquired) VALUES (?, ?, ?)`, name, token, now)
		if err != nil {
			return fmt.Errorf("failed to acquire lock %s: %w", name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		acquired = n == 1
		return nil
	})
	return acquired, err
}

// Release drops the named lock if it is still held by the acquisition that
// returned token. A lock that was broken as stale is left to its new holder
// and ErrNotHeld is returned.
func (l *Locker) Release(ctx context.Context, name, token string) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM named_locks WHERE name = ? AND token = ?`, name, token)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotHeld, name)
	}
	logger.Debug("Lock released", logger.Lock(name))
	return nil
}

// IsLocked reports whether the named lock is currently held.
func (l *Locker) IsLocked(ctx context.Context, name string) (bool, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM named_locks WHERE name = ?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("failed to read lock %s: %w", name, err)
	}
	return n > 0, nil
}

// With runs fn while holding the named lock. The lock is released even when
// fn fails; a release error is only reported when fn succeeded.
func (l *Locker) With(ctx context.Context, name string, opts Options, fn func() error) (err error) {
	token, err := l.Acquire(ctx, name, opts)
	if err != nil {
		return err
	}
	defer func() {
		// release must happen even when ctx was cancelled during fn
		if rerr := l.Release(context.WithoutCancel(ctx), name, token); rerr != nil {
			logger.Error("Failed to release lock", logger.Lock(name), zap.Error(rerr))
			if err == nil {
				err = rerr
			}
		}
	}()
	return fn()
}

func lockKind(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == ':' {
			return name[i+1:]
		}
	}
	return name
}
