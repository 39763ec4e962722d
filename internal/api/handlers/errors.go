package handlers

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/lock"
	"github.com/activescreen/backend/internal/ml"
	"github.com/activescreen/backend/internal/project"
	"github.com/activescreen/backend/internal/review"
	"github.com/activescreen/backend/internal/state"
	"github.com/activescreen/backend/pkg/logger"
)

// writeError maps domain errors to HTTP responses.
func writeError(c *fiber.Ctx, err error) error {
	var failed *project.FailedError
	switch {
	case errors.As(err, &failed):
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error":      failed.Message,
			"status":     "error",
			"error_time": failed.Time.UTC().Format(time.RFC3339),
		})
	case errors.Is(err, project.ErrProjectNotFound), errors.Is(err, state.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, project.ErrProjectExists), errors.Is(err, state.ErrDuplicateLabel):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, lock.ErrNotAcquired):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "project is busy, try again later", "status": "busy"})
	case state.IsValidation(err),
		errors.Is(err, project.ErrInvalidID),
		errors.Is(err, ml.ErrUnknownModel),
		errors.Is(err, review.ErrInsufficientPriors):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}

	var modelErr *review.ModelError
	if errors.As(err, &modelErr) {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": modelErr.Error(), "status": "error"})
	}

	logger.Error("Request failed", zap.String("path", c.Path()), zap.Error(err))
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Internal server error"})
}
