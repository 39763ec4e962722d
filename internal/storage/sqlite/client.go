package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/activescreen/backend/pkg/logger"
	"github.com/activescreen/backend/pkg/retry"
)

const DefaultBusyTimeout = 10 * time.Second

type Options struct {
	BusyTimeout time.Duration
	// Schema is executed once after the connection is configured.
	Schema string
}

// Open opens (creating if needed) the SQLite database at path. Every
// transaction begun on the returned handle is BEGIN IMMEDIATE so that a
// read-then-write sequence holds the write lock for its whole duration.
func Open(path string, opts Options) (*sql.DB, error) {
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_foreign_keys=1&_synchronous=NORMAL&_txlock=immediate",
		path, opts.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if opts.Schema != "" {
		if _, err := db.Exec(opts.Schema); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize schema: %w", err)
		}
	}

	logger.Debug("SQLite database opened", zap.String("path", path))

	return db, nil
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// IsConstraint reports whether err is a UNIQUE / PRIMARY KEY violation.
func IsConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

var txRetry = retry.Config{
	MaxAttempts:  4,
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     time.Second,
	Multiplier:   2.0,
	Retryable:    IsBusy,
}

// RunTx runs fn inside a transaction, committing on success and rolling back
// on error. The whole transaction is retried when SQLite reports busy.
func RunTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	cfg := txRetry
	cfg.Logger = logger.GetLogger()
	return retry.Do(ctx, cfg, func() error {
		return runOnce(ctx, db, fn)
	})
}

func runOnce(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Now returns the current time as REAL seconds since the Unix epoch, the
// time representation used by every ledger table.
func Now() float64 {
	return ToReal(time.Now())
}

func ToReal(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func FromReal(v float64) time.Time {
	sec := int64(v)
	return time.Unix(sec, int64((v-float64(sec))*1e9))
}
