// Package tasks is a durable job queue on SQLite with visibility timeouts.
//
// A claimed task is hidden for the visibility duration. A worker that
// finishes acks (deletes) it; a worker that crashes or overruns simply lets
// the task reappear for another worker. Several worker processes may share
// one queue database.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/metrics"
	"github.com/activescreen/backend/internal/storage/sqlite"
	"github.com/activescreen/backend/pkg/logger"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	project_id  TEXT NOT NULL,
	kind        TEXT NOT NULL,
	payload     BLOB,
	visible_at  INTEGER NOT NULL DEFAULT 0,
	created_at  INTEGER NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_visible ON tasks (visible_at);
`

type Task struct {
	ID        string
	ProjectID string
	Kind      string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

type Options struct {
	// Visibility is how long a claimed task stays hidden. Default: 5m.
	Visibility time.Duration
	// PollInterval is the delay between claim rounds in Run. Default: 1s.
	PollInterval time.Duration
	// MaxAttempts discards a task claimed more often than this. 0 means
	// unlimited.
	MaxAttempts int
	// Concurrency bounds the handlers Run executes at once. Default: 1.
	Concurrency int
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
}

type Queue struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

// Open opens the queue database at path, creating the table if needed.
func Open(path string, busyTimeout time.Duration, opts Options) (*Queue, error) {
	db, err := sqlite.Open(path, sqlite.Options{BusyTimeout: busyTimeout, Schema: schema})
	if err != nil {
		return nil, fmt.Errorf("failed to open task queue: %w", err)
	}
	return New(db, opts), nil
}

// New wraps db, which must already carry the tasks table.
func New(db *sql.DB, opts Options) *Queue {
	opts.defaults()
	return &Queue{db: db, opts: opts, now: time.Now}
}

func (q *Queue) Close() error {
	return q.db.Close()
}

// Publish inserts a task that is visible at once. A task whose ID is
// already queued is left alone and Publish reports false. An empty ID gets a
// random one.
func (q *Queue) Publish(ctx context.Context, t Task) (bool, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := q.now().UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tasks (id, project_id, kind, payload, visible_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.Kind, t.Payload, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to publish task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		logger.Debug("Task already queued", logger.TaskID(t.ID))
		return false, nil
	}
	logger.Debug("Task published", logger.TaskID(t.ID), zap.String("kind", t.Kind), logger.ProjectID(t.ProjectID))
	return true, nil
}

// Claim hides the oldest visible task for the visibility duration and
// returns it, or nil when nothing is visible.
func (q *Queue) Claim(ctx context.Context) (*Task, error) {
	now := q.now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM tasks
			WHERE visible_at <= ?
			ORDER BY visible_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING id, project_id, kind, payload, visible_at, created_at, attempts`,
		hideUntil, now.UnixMilli(),
	)

	var t Task
	var visAt, creAt int64
	err := row.Scan(&t.ID, &t.ProjectID, &t.Kind, &t.Payload, &visAt, &creAt, &t.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim task: %w", err)
	}
	t.VisibleAt = time.UnixMilli(visAt)
	t.CreatedAt = time.UnixMilli(creAt)
	return &t, nil
}

// Ack deletes a finished task.
func (q *Queue) Ack(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to ack task %s: %w", id, err)
	}
	return nil
}

// Nack makes a task visible again after delay.
func (q *Queue) Nack(ctx context.Context, id string, delay time.Duration) error {
	visibleAt := q.now().Add(delay).UnixMilli()
	if delay <= 0 {
		visibleAt = 0
	}
	if _, err := q.db.ExecContext(ctx, `UPDATE tasks SET visible_at = ? WHERE id = ?`, visibleAt, id); err != nil {
		return fmt.Errorf("failed to nack task %s: %w", id, err)
	}
	return nil
}

// Extend pushes the visibility of a claimed task forward.
func (q *Queue) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := q.now().Add(extra).UnixMilli()
	if _, err := q.db.ExecContext(ctx, `UPDATE tasks SET visible_at = ? WHERE id = ?`, hideUntil, id); err != nil {
		return fmt.Errorf("failed to extend task %s: %w", id, err)
	}
	return nil
}

// Len counts queued tasks, visible or not.
func (q *Queue) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count tasks: %w", err)
	}
	metrics.QueueDepth.Set(float64(n))
	return n, nil
}

// Get returns a queued task by id, or nil.
func (q *Queue) Get(ctx context.Context, id string) (*Task, error) {
	var t Task
	var visAt, creAt int64
	err := q.db.QueryRowContext(ctx,
		`SELECT id, project_id, kind, payload, visible_at, created_at, attempts FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.ProjectID, &t.Kind, &t.Payload, &visAt, &creAt, &t.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	t.VisibleAt = time.UnixMilli(visAt)
	t.CreatedAt = time.UnixMilli(creAt)
	return &t, nil
}

// Outcome tells the queue what to do with a handled task.
type Outcome struct {
	// Retry keeps the task and shows it again after RetryAfter.
	Retry      bool
	RetryAfter time.Duration
	// Label is recorded in the tasks_processed_total metric.
	Label string
}

var Done = Outcome{Label: "done"}

func RetryAfter(d time.Duration, label string) Outcome {
	return Outcome{Retry: true, RetryAfter: d, Label: label}
}

// Handler processes a claimed task.
type Handler func(ctx context.Context, t *Task) Outcome

// Run polls for visible tasks and hands them to handler, at most
// Concurrency at a time. It blocks until ctx is cancelled and waits for
// in-flight handlers before returning.
func (q *Queue) Run(ctx context.Context, handler Handler) {
	logger.Info("Task consumer started",
		zap.Duration("visibility", q.opts.Visibility),
		zap.Duration("poll", q.opts.PollInterval),
		zap.Int("concurrency", q.opts.Concurrency),
	)

	sem := make(chan struct{}, q.opts.Concurrency)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			logger.Info("Task consumer stopped")
			return
		case <-ticker.C:
			q.poll(ctx, handler, sem, &wg)
		}
	}
}

func (q *Queue) poll(ctx context.Context, handler Handler, sem chan struct{}, wg *sync.WaitGroup) {
	for {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			return
		}

		t, err := q.Claim(ctx)
		if err != nil || t == nil {
			<-sem
			if err != nil && ctx.Err() == nil {
				logger.Warn("Task claim failed", zap.Error(err))
			}
			q.Len(ctx)
			return
		}

		if q.opts.MaxAttempts > 0 && t.Attempts > q.opts.MaxAttempts {
			<-sem
			logger.Warn("Task exceeded max attempts, discarding",
				logger.TaskID(t.ID), zap.Int("attempts", t.Attempts))
			metrics.TasksProcessed.WithLabelValues(t.Kind, "discarded").Inc()
			if err := q.Ack(context.WithoutCancel(ctx), t.ID); err != nil {
				logger.Error("Failed to discard task", logger.TaskID(t.ID), zap.Error(err))
			}
			continue
		}

		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			defer func() { <-sem }()
			q.handle(ctx, handler, t)
		}(t)
	}
}

func (q *Queue) handle(ctx context.Context, handler Handler, t *Task) {
	out := handler(ctx, t)
	metrics.TasksProcessed.WithLabelValues(t.Kind, out.Label).Inc()

	// the claim is settled even when ctx ended during the handler
	settle := context.WithoutCancel(ctx)
	if out.Retry {
		if err := q.Nack(settle, t.ID, out.RetryAfter); err != nil {
			logger.Error("Failed to nack task", logger.TaskID(t.ID), zap.Error(err))
		}
		return
	}
	if err := q.Ack(settle, t.ID); err != nil {
		logger.Error("Failed to ack task", logger.TaskID(t.ID), zap.Error(err))
	}
}
