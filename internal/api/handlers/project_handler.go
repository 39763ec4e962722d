package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/project"
	"github.com/activescreen/backend/internal/review"
	"github.com/activescreen/backend/internal/storage/models"
	"github.com/activescreen/backend/pkg/logger"
)

type ProjectHandler struct {
	env *Env
}

func NewProjectHandler(env *Env) *ProjectHandler {
	return &ProjectHandler{env: env}
}

type settingsRequest struct {
	Classifier       *models.ModelSpec `json:"classifier"`
	Querier          *models.ModelSpec `json:"querier"`
	Balancer         *models.ModelSpec `json:"balancer"`
	FeatureExtractor *models.ModelSpec `json:"feature_extractor"`
}

func (s *settingsRequest) resolve(defaults models.Settings) models.Settings {
	out := defaults
	if s == nil {
		return out
	}
	if s.Classifier != nil {
		out.Classifier = *s.Classifier
	}
	if s.Querier != nil {
		out.Querier = *s.Querier
	}
	if s.Balancer != nil {
		out.Balancer = *s.Balancer
	}
	if s.FeatureExtractor != nil {
		out.FeatureExtractor = *s.FeatureExtractor
	}
	return out
}

func (h *ProjectHandler) CreateProject(c *fiber.Ctx) error {
	var req struct {
		ID       string           `json:"id"`
		Records  []models.Record  `json:"records"`
		Settings *settingsRequest `json:"settings"`
	}

	if err := c.BodyParser(&req); err != nil {
		logger.Error("Failed to parse request body", zap.Error(err))
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if len(req.Records) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "At least one record is required",
		})
	}

	settings := req.Settings.resolve(h.env.Defaults)
	if err := h.env.Registry.Validate(settings); err != nil {
		return writeError(c, err)
	}

	p, err := h.env.Projects.Create(c.Context(), req.ID, req.Records, settings)
	if err != nil {
		return writeError(c, err)
	}
	defer p.Close()

	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"id":       p.ID,
		"records":  len(req.Records),
		"settings": settings,
	})
}

func (h *ProjectHandler) ListProjects(c *fiber.Ctx) error {
	ids, err := h.env.Projects.List(c.Context())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"projects": ids})
}

func (h *ProjectHandler) GetProject(c *fiber.Ctx) error {
	return h.env.withProject(c, func(p *project.Project) error {
		ctx := c.Context()
		st, err := p.Status(ctx)
		if err != nil {
			return writeError(c, err)
		}
		counts, err := p.Store().Counts(ctx)
		if err != nil {
			return writeError(c, err)
		}
		settings, err := p.Store().GetSettings(ctx)
		if err != nil {
			return writeError(c, err)
		}
		training, err := p.IsTraining(ctx)
		if err != nil {
			return writeError(c, err)
		}

		resp := fiber.Map{
			"id":       p.ID,
			"status":   st.Status,
			"updated":  st.Updated.UTC().Format(time.RFC3339),
			"counts":   counts,
			"settings": settings,
			"training": training,
		}
		if st.Status == models.StatusError {
			resp["error"] = st.Error
			if st.ErrorTime != nil {
				resp["error_time"] = st.ErrorTime.UTC().Format(time.RFC3339)
			}
		}
		return c.JSON(resp)
	})
}

func (h *ProjectHandler) DeleteProject(c *fiber.Ctx) error {
	if err := h.env.Projects.Delete(c.Context(), c.Params("id")); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// AddPriors seeds the project and queues its first training.
func (h *ProjectHandler) AddPriors(c *fiber.Ctx) error {
	var prior review.Prior
	if err := c.BodyParser(&prior); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	return h.env.withProject(c, func(p *project.Project) error {
		ctx := c.Context()
		r, err := review.New(ctx, p, h.env.Registry, h.env.Features, nil, h.env.Review)
		if err != nil {
			return writeError(c, err)
		}
		if err := r.Seed(ctx, prior); err != nil {
			return writeError(c, err)
		}
		counts, err := p.Store().Counts(ctx)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{
			"counts":          counts,
			"training_queued": h.env.enqueueTrain(ctx, p.ID),
		})
	})
}

func (h *ProjectHandler) Train(c *fiber.Ctx) error {
	return h.env.withProject(c, func(p *project.Project) error {
		ctx := c.Context()
		if err := p.CheckHealthy(ctx); err != nil {
			return writeError(c, err)
		}
		status := "already_queued"
		if h.env.enqueueTrain(ctx, p.ID) {
			status = "queued"
		}
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": status})
	})
}

func (h *ProjectHandler) ClearError(c *fiber.Ctx) error {
	return h.env.withProject(c, func(p *project.Project) error {
		if err := p.ClearError(c.Context()); err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"status": models.StatusReview})
	})
}
