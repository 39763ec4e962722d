// Package project manages screening projects on disk. Each project is a
// directory holding one SQLite database with the state store, the project
// status and the project locks. Deleting a project destroys all of them
// together.
package project

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/lock"
	"github.com/activescreen/backend/internal/state"
	"github.com/activescreen/backend/internal/storage/models"
	"github.com/activescreen/backend/internal/storage/sqlite"
	"github.com/activescreen/backend/pkg/logger"
	"github.com/activescreen/backend/pkg/utils"
)

const (
	// TrainingLock guards retraining; it never goes stale so a crashed
	// trainer stays visible until an operator intervenes.
	TrainingLock = "training"
	// ActiveLock serialises writes to the results ledger and last ranking.
	ActiveLock = "active"

	dbFile = "project.db"
)

var (
	ErrProjectNotFound = errors.New("project not found")
	ErrProjectExists   = errors.New("project already exists")
	ErrInvalidID       = errors.New("invalid project id")
	// ErrProjectFailed means a model failure was persisted and the project
	// refuses to continue until ClearError is called.
	ErrProjectFailed = errors.New("project is in error state")
)

// FailedError carries the persisted failure of a project.
type FailedError struct {
	ProjectID string
	Message   string
	Time      time.Time
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("project %s failed at %s: %s", e.ProjectID, e.Time.UTC().Format(time.RFC3339), e.Message)
}

func (e *FailedError) Unwrap() error { return ErrProjectFailed }

const statusSchema = `
CREATE TABLE IF NOT EXISTS review_status (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	status     TEXT NOT NULL,
	error      TEXT,
	error_time REAL,
	updated    REAL NOT NULL
);
`

// LockOptions configures the active lock of every project.
type LockOptions struct {
	PollInterval     time.Duration
	ActiveTimeout    time.Duration
	ActiveStaleAfter time.Duration
}

type Project struct {
	ID  string
	dir string

	db    *sql.DB
	store *state.Store
	locks *lock.Locker
	opts  LockOptions

	hashOnce sync.Once
	hash     string
	hashErr  error
}

func open(ctx context.Context, id, dir string, busyTimeout time.Duration, opts LockOptions) (*Project, error) {
	db, err := sqlite.Open(filepath.Join(dir, dbFile), sqlite.Options{BusyTimeout: busyTimeout, Schema: statusSchema})
	if err != nil {
		return nil, err
	}

	store, err := state.New(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("project %s: %w", id, err)
	}

	locks, err := lock.New(ctx, db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("project %s: %w", id, err)
	}

	return &Project{ID: id, dir: dir, db: db, store: store, locks: locks, opts: opts}, nil
}

func (p *Project) Store() *state.Store { return p.store }
func (p *Project) Locks() *lock.Locker { return p.locks }
func (p *Project) Dir() string         { return p.dir }
func (p *Project) Close() error        { return p.db.Close() }

func (p *Project) activeLockOptions() lock.Options {
	return lock.Options{
		Blocking:     true,
		Timeout:      p.opts.ActiveTimeout,
		PollInterval: p.opts.PollInterval,
		StaleAfter:   p.opts.ActiveStaleAfter,
	}
}

// WithActiveLock runs fn holding the project's active lock.
func (p *Project) WithActiveLock(ctx context.Context, fn func() error) error {
	return p.locks.With(ctx, ActiveLock, p.activeLockOptions(), fn)
}

// TryTrainingLock takes the training lock without waiting. The returned
// function releases it.
func (p *Project) TryTrainingLock(ctx context.Context) (func(), error) {
	token, err := p.locks.Acquire(ctx, TrainingLock, lock.NonBlocking)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := p.locks.Release(context.WithoutCancel(ctx), TrainingLock, token); err != nil {
			logger.Error("Failed to release training lock", logger.ProjectID(p.ID), zap.Error(err))
		}
	}, nil
}

// IsTraining reports whether a training job holds the project.
func (p *Project) IsTraining(ctx context.Context) (bool, error) {
	return p.locks.IsLocked(ctx, TrainingLock)
}

func (p *Project) Status(ctx context.Context) (models.ProjectStatus, error) {
	var st models.ProjectStatus
	var status string
	var errMsg sql.NullString
	var errTime sql.NullFloat64
	var updated float64

	err := p.db.QueryRowContext(ctx,
		`SELECT status, error, error_time, updated FROM review_status WHERE id = 1`,
	).Scan(&status, &errMsg, &errTime, &updated)
	if err != nil {
		return st, fmt.Errorf("failed to read project status: %w", err)
	}

	st.Status = models.ReviewStatus(status)
	st.Error = errMsg.String
	if errTime.Valid {
		t := sqlite.FromReal(errTime.Float64)
		st.ErrorTime = &t
	}
	st.Updated = sqlite.FromReal(updated)
	return st, nil
}

// SetStatus moves the project to status. A project in error state only
// leaves it through ClearError.
func (p *Project) SetStatus(ctx context.Context, status models.ReviewStatus) error {
	if status == models.StatusError {
		return errors.New("use Fail to put a project in error state")
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE review_status SET status = ?, updated = ? WHERE id = 1 AND status != ?`,
		string(status), sqlite.Now(), string(models.StatusError),
	)
	if err != nil {
		return fmt.Errorf("failed to set project status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return p.CheckHealthy(ctx)
	}
	logger.Debug("Project status changed", logger.ProjectID(p.ID), zap.String("status", string(status)))
	return nil
}

// Fail persists cause as the project's terminal error.
func (p *Project) Fail(ctx context.Context, cause error) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE review_status SET status = ?, error = ?, error_time = ?, updated = ? WHERE id = 1`,
		string(models.StatusError), cause.Error(), sqlite.Now(), sqlite.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to persist project error: %w", err)
	}
	logger.Error("Project failed", logger.ProjectID(p.ID), zap.Error(cause))
	return nil
}

// ClearError returns a failed project to review.
func (p *Project) ClearError(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE review_status SET status = ?, error = NULL, error_time = NULL, updated = ? WHERE id = 1 AND status = ?`,
		string(models.StatusReview), sqlite.Now(), string(models.StatusError),
	)
	if err != nil {
		return fmt.Errorf("failed to clear project error: %w", err)
	}
	logger.Info("Project error cleared", logger.ProjectID(p.ID))
	return nil
}

// CheckHealthy returns a *FailedError when the project is in error state.
func (p *Project) CheckHealthy(ctx context.Context) error {
	st, err := p.Status(ctx)
	if err != nil {
		return err
	}
	if st.Status != models.StatusError {
		return nil
	}
	fe := &FailedError{ProjectID: p.ID, Message: st.Error}
	if st.ErrorTime != nil {
		fe.Time = *st.ErrorTime
	}
	return fe
}

// DatasetHash identifies the project's record texts. It keys the feature
// matrix cache.
func (p *Project) DatasetHash(ctx context.Context) (string, error) {
	p.hashOnce.Do(func() {
		records, err := p.store.GetRecords(ctx)
		if err != nil {
			p.hashErr = err
			return
		}
		texts := make([]string, len(records))
		for i, r := range records {
			texts[i] = r.Text()
		}
		p.hash = utils.HashStrings(texts)
	})
	return p.hash, p.hashErr
}
