package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/cache"
	"github.com/activescreen/backend/internal/ml"
	"github.com/activescreen/backend/internal/project"
	"github.com/activescreen/backend/internal/review"
	"github.com/activescreen/backend/internal/storage/models"
	"github.com/activescreen/backend/internal/tasks"
	"github.com/activescreen/backend/pkg/logger"
)

// EditLock is the owner lock guarding label corrections.
const EditLock = "edit"

// Env carries what the handlers share.
type Env struct {
	Projects *project.Manager
	Registry *ml.Registry
	Features cache.FeatureCache
	Queue    *tasks.Queue
	// Defaults fill the settings a create request leaves out.
	Defaults    models.Settings
	Review      review.Options
	EditLockTTL time.Duration
}

func (e *Env) withProject(c *fiber.Ctx, fn func(p *project.Project) error) error {
	p, err := e.Projects.Open(c.Context(), c.Params("id"))
	if err != nil {
		return writeError(c, err)
	}
	defer p.Close()
	return fn(p)
}

// enqueueTrain asks the worker for a new ranking. Failing to enqueue is
// logged, not returned: the label is already stored and the next request
// will try again.
func (e *Env) enqueueTrain(ctx context.Context, projectID string) bool {
	if e.Queue == nil {
		return false
	}
	queued, err := tasks.EnqueueTrain(ctx, e.Queue, projectID)
	if err != nil {
		logger.Error("Failed to enqueue training", logger.ProjectID(projectID), zap.Error(err))
		return false
	}
	return queued
}

// trainingPending reports whether a ranking is being produced for the
// project, either running or queued.
func (e *Env) trainingPending(ctx context.Context, p *project.Project) (bool, error) {
	training, err := p.IsTraining(ctx)
	if err != nil || training {
		return training, err
	}
	if e.Queue == nil {
		return false, nil
	}
	t, err := e.Queue.Get(ctx, tasks.TrainTaskID(p.ID))
	return t != nil, err
}
