package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/metrics"
	"github.com/activescreen/backend/internal/storage/sqlite"
	"github.com/activescreen/backend/pkg/logger"
)

// Holder describes the current owner of an owner lock.
type Holder struct {
	Owner   string
	Expires time.Time
}

// AcquireOwner takes the owner lock name for owner for ttl. It succeeds when
// the lock is free, expired, or already held by owner, in which case the
// expiry is extended.
func (l *Locker) AcquireOwner(ctx context.Context, name, owner string, ttl time.Duration) error {
	if owner == "" {
		return errors.New("owner lock requires an owner")
	}
	if ttl <= 0 {
		return errors.New("owner lock requires a positive ttl")
	}

	var holder string
	err := sqlite.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		holder = ""
		now := sqlite.Now()
		expires := now + ttl.Seconds()

		res, err := tx.ExecContext(ctx, `
			INSERT INTO owner_locks (name, owner, expires) VALUES (?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET owner = excluded.owner, expires = excluded.expires
			WHERE owner_locks.owner = excluded.owner OR owner_locks.expires <= ?`,
			name, owner, expires, now)
		if err != nil {
			return fmt.Errorf("failed to acquire owner lock %s: %w", name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			return nil
		}

		if err := tx.QueryRowContext(ctx, `SELECT owner FROM owner_locks WHERE name = ?`, name).Scan(&holder); err != nil {
			return fmt.Errorf("failed to read owner lock %s: %w", name, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if holder != "" {
		metrics.LockContention.WithLabelValues(lockKind(name)).Inc()
		logger.Debug("Owner lock held by another owner", logger.Lock(name), zap.String("owner", owner), zap.String("holder", holder))
		return fmt.Errorf("%w: %s is held by %s", ErrNotAcquired, name, holder)
	}
	return nil
}

// ReleaseOwner drops the owner lock if owner holds it.
func (l *Locker) ReleaseOwner(ctx context.Context, name, owner string) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM owner_locks WHERE name = ? AND owner = ?`, name, owner)
	if err != nil {
		return fmt.Errorf("failed to release owner lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s by %s", ErrNotHeld, name, owner)
	}
	return nil
}

// HolderOf returns the unexpired holder of an owner lock, or nil when free.
func (l *Locker) HolderOf(ctx context.Context, name string) (*Holder, error) {
	var h Holder
	var expires float64
	err := l.db.QueryRowContext(ctx,
		`SELECT owner, expires FROM owner_locks WHERE name = ? AND expires > ?`, name, sqlite.Now(),
	).Scan(&h.Owner, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read owner lock %s: %w", name, err)
	}
	h.Expires = sqlite.FromReal(expires)
	return &h, nil
}
