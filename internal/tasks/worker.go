package tasks

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/cache"
	"github.com/activescreen/backend/internal/lock"
	"github.com/activescreen/backend/internal/ml"
	"github.com/activescreen/backend/internal/project"
	"github.com/activescreen/backend/internal/review"
	"github.com/activescreen/backend/pkg/logger"
)

const KindTrain = "train"

const (
	DefaultBusyDelay  = 5 * time.Second
	DefaultErrorDelay = 30 * time.Second
)

// TrainTaskID is the id of the queued train task of a project. At most one
// is queued per project.
func TrainTaskID(projectID string) string {
	return KindTrain + ":" + projectID
}

// EnqueueTrain asks for the project to be retrained. It reports false when
// a train task for the project is already queued.
func EnqueueTrain(ctx context.Context, q *Queue, projectID string) (bool, error) {
	return q.Publish(ctx, Task{ID: TrainTaskID(projectID), ProjectID: projectID, Kind: KindTrain})
}

type WorkerOptions struct {
	// BusyDelay is how long a train task waits when another process holds
	// the project's training lock.
	BusyDelay time.Duration
	// ErrorDelay is how long a task waits after an unexpected error.
	ErrorDelay time.Duration
}

// Worker retrains projects on behalf of served-mode clients.
type Worker struct {
	queue    *Queue
	projects *project.Manager
	registry *ml.Registry
	features cache.FeatureCache
	opts     WorkerOptions
}

func NewWorker(q *Queue, projects *project.Manager, registry *ml.Registry, features cache.FeatureCache, opts WorkerOptions) *Worker {
	if opts.BusyDelay <= 0 {
		opts.BusyDelay = DefaultBusyDelay
	}
	if opts.ErrorDelay <= 0 {
		opts.ErrorDelay = DefaultErrorDelay
	}
	if features == nil {
		features = cache.NewMemory(0)
	}
	return &Worker{queue: q, projects: projects, registry: registry, features: features, opts: opts}
}

// Run consumes tasks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	w.queue.Run(ctx, w.Handle)
}

func (w *Worker) Handle(ctx context.Context, t *Task) Outcome {
	log := logger.ForTask(t.ID, t.ProjectID, t.Attempts)

	switch t.Kind {
	case KindTrain:
		return w.train(ctx, t, log)
	default:
		log.Error("Unknown task kind, discarding", zap.String("kind", t.Kind))
		return Outcome{Label: "unknown_kind"}
	}
}

func (w *Worker) train(ctx context.Context, t *Task, log *zap.Logger) Outcome {
	p, err := w.projects.Open(ctx, t.ProjectID)
	if errors.Is(err, project.ErrProjectNotFound) {
		log.Warn("Project gone, dropping train task")
		return Outcome{Label: "not_found"}
	}
	if err != nil {
		log.Error("Failed to open project", zap.Error(err))
		return RetryAfter(w.opts.ErrorDelay, "error")
	}
	defer p.Close()

	r, err := review.New(ctx, p, w.registry, w.features, nil, review.Options{})
	if err != nil {
		// settings name a model this worker does not know
		log.Error("Failed to prepare reviewer", zap.Error(err))
		return Outcome{Label: "invalid_settings"}
	}

	started := time.Now()
	err = r.Train(ctx)

	var modelErr *review.ModelError
	switch {
	case err == nil:
	case errors.Is(err, lock.ErrNotAcquired):
		log.Info("Project busy training, retrying later", zap.Duration("delay", w.opts.BusyDelay))
		return RetryAfter(w.opts.BusyDelay, "busy")
	case errors.As(err, &modelErr):
		// persisted on the project; an operator must clear it
		log.Error("Training failed", zap.String("stage", modelErr.Stage), zap.Error(err))
		return Outcome{Label: "model_error"}
	case errors.Is(err, project.ErrProjectFailed):
		log.Warn("Project in error state, dropping train task")
		return Outcome{Label: "project_failed"}
	case errors.Is(err, review.ErrInsufficientPriors):
		log.Warn("Not enough labels to train", zap.Error(err))
		return Outcome{Label: "insufficient_priors"}
	case ctx.Err() != nil:
		return RetryAfter(0, "cancelled")
	default:
		log.Error("Training errored", zap.Error(err))
		return RetryAfter(w.opts.ErrorDelay, "error")
	}

	log.Info("Project retrained", zap.Duration("duration", time.Since(started)))

	// a train request that arrived while this one ran was deduplicated away
	stale, err := p.Store().ExistNewLabeledRecords(ctx)
	if err != nil {
		log.Warn("Failed to check for labels added during training", zap.Error(err))
		return Done
	}
	if stale {
		return RetryAfter(0, "retrain")
	}
	return Done
}
