package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/analysis"
	"github.com/activescreen/backend/internal/lock"
	"github.com/activescreen/backend/internal/middleware/validation"
	"github.com/activescreen/backend/internal/project"
	"github.com/activescreen/backend/internal/review"
	"github.com/activescreen/backend/internal/state"
	"github.com/activescreen/backend/internal/storage/models"
	"github.com/activescreen/backend/pkg/logger"
)

// OwnerHeader identifies the caller taking the edit lock.
const OwnerHeader = "X-Owner"

type ReviewHandler struct {
	env *Env
}

func NewReviewHandler(env *Env) *ReviewHandler {
	return &ReviewHandler{env: env}
}

type resultView struct {
	RecordID         int64   `json:"record_id"`
	Label            *int    `json:"label"`
	Classifier       *string `json:"classifier"`
	Querier          *string `json:"querier"`
	Balancer         *string `json:"balancer"`
	FeatureExtractor *string `json:"feature_extractor"`
	TrainingSet      *int    `json:"training_set"`
	Time             *string `json:"time"`
	Notes            *string `json:"notes"`
}

func toResultView(r models.Result) resultView {
	v := resultView{RecordID: r.RecordID, Label: r.Label, Notes: r.Notes}
	if r.Meta != nil {
		m := *r.Meta
		v.Classifier = &m.Classifier
		v.Querier = &m.Querier
		v.Balancer = &m.Balancer
		v.FeatureExtractor = &m.FeatureExtractor
		v.TrainingSet = &m.TrainingSet
	}
	if r.Time != nil {
		t := r.Time.UTC().Format(time.RFC3339Nano)
		v.Time = &t
	}
	return v
}

// Next hands out the record to screen next. Without a ranking the caller is
// told to come back once training finishes.
func (h *ReviewHandler) Next(c *fiber.Ctx) error {
	return h.env.withProject(c, func(p *project.Project) error {
		ctx := c.Context()
		rec, err := review.NewSession(p).Next(ctx)
		switch {
		case err == nil:
			return c.JSON(fiber.Map{"record": rec})
		case errors.Is(err, review.ErrExhausted):
			return c.JSON(fiber.Map{"status": models.StatusFinished})
		case errors.Is(err, review.ErrNoRanking):
			pending, perr := h.env.trainingPending(ctx, p)
			if perr != nil {
				return writeError(c, perr)
			}
			if pending {
				return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "training"})
			}
			return c.Status(fiber.StatusConflict).JSON(fiber.Map{
				"error": "no ranking available, add priors and train first",
			})
		}
		return writeError(c, err)
	})
}

func (h *ReviewHandler) Label(c *fiber.Ctx) error {
	payload, ok := validation.Label(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing label payload"})
	}

	return h.env.withProject(c, func(p *project.Project) error {
		ctx := c.Context()
		if err := review.NewSession(p).Label(ctx, payload.RecordID, payload.Label, payload.Note); err != nil {
			return writeError(c, err)
		}

		resp := fiber.Map{"record_id": payload.RecordID, "label": payload.Label}
		stale, err := p.Store().ExistNewLabeledRecords(ctx)
		if err != nil {
			logger.Warn("Failed to check for new labels", logger.ProjectID(p.ID), zap.Error(err))
		} else if stale {
			resp["training_queued"] = h.env.enqueueTrain(ctx, p.ID)
		}
		return c.Status(fiber.StatusCreated).JSON(resp)
	})
}

// Correct changes an earlier decision. The caller must hold the edit lock,
// which is taken here for EditLockTTL and refreshed on every correction.
func (h *ReviewHandler) Correct(c *fiber.Ctx) error {
	payload, ok := validation.Label(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Missing label payload"})
	}
	owner := c.Get(OwnerHeader)
	if owner == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": OwnerHeader + " header is required"})
	}

	return h.env.withProject(c, func(p *project.Project) error {
		ctx := c.Context()
		if err := p.Locks().AcquireOwner(ctx, EditLock, owner, h.env.EditLockTTL); err != nil {
			if !errors.Is(err, lock.ErrNotAcquired) {
				return writeError(c, err)
			}
			resp := fiber.Map{"error": "project is being edited by another owner"}
			if holder, herr := p.Locks().HolderOf(ctx, EditLock); herr == nil && holder != nil {
				resp["holder"] = holder.Owner
				resp["expires"] = holder.Expires.UTC().Format(time.RFC3339)
			}
			return c.Status(fiber.StatusLocked).JSON(resp)
		}

		if err := review.NewSession(p).Correct(ctx, payload.RecordID, payload.Label, payload.Note); err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{
			"record_id":       payload.RecordID,
			"label":           payload.Label,
			"training_queued": h.env.enqueueTrain(ctx, p.ID),
		})
	})
}

// Skip returns a pending record to the pool.
func (h *ReviewHandler) Skip(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("record_id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "record_id must be an integer"})
	}
	return h.env.withProject(c, func(p *project.Project) error {
		if err := review.NewSession(p).Skip(c.Context(), id); err != nil {
			return writeError(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	})
}

func (h *ReviewHandler) Pool(c *fiber.Ctx) error {
	return h.env.withProject(c, func(p *project.Project) error {
		ids, err := p.Store().GetPool(c.Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"pool": ids})
	})
}

func (h *ReviewHandler) Pending(c *fiber.Ctx) error {
	return h.env.withProject(c, func(p *project.Project) error {
		ids, err := p.Store().GetPending(c.Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(fiber.Map{"pending": ids})
	})
}

// Labeled lists the labeled rows of the results table. priors=false drops
// seed labels.
func (h *ReviewHandler) Labeled(c *fiber.Ctx) error {
	return h.env.withProject(c, func(p *project.Project) error {
		results, err := p.Store().GetResultsTable(c.Context(), state.ResultsFilter{
			Priors:  c.QueryBool("priors", true),
			Pending: false,
		})
		if err != nil {
			return writeError(c, err)
		}
		views := make([]resultView, len(results))
		for i, r := range results {
			views[i] = toResultView(r)
		}
		return c.JSON(fiber.Map{"results": views})
	})
}

func (h *ReviewHandler) Result(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("record_id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "record_id must be an integer"})
	}
	return h.env.withProject(c, func(p *project.Project) error {
		r, err := p.Store().GetResultsRecord(c.Context(), id)
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(toResultView(r))
	})
}

func (h *ReviewHandler) Ranking(c *fiber.Ctx) error {
	return h.env.withProject(c, func(p *project.Project) error {
		ranked, err := p.Store().GetRankingWithLabels(c.Context())
		if err != nil {
			return writeError(c, err)
		}
		out := make([]fiber.Map, len(ranked))
		for i, r := range ranked {
			out[i] = fiber.Map{"record_id": r.RecordID, "label": r.Label}
		}
		return c.JSON(fiber.Map{"ranking": out})
	})
}

func (h *ReviewHandler) DecisionChanges(c *fiber.Ctx) error {
	return h.env.withProject(c, func(p *project.Project) error {
		changes, err := p.Store().GetDecisionChanges(c.Context())
		if err != nil {
			return writeError(c, err)
		}
		out := make([]fiber.Map, len(changes))
		for i, ch := range changes {
			out[i] = fiber.Map{
				"record_id": ch.RecordID,
				"new_label": ch.NewLabel,
				"time":      ch.Time.UTC().Format(time.RFC3339Nano),
			}
		}
		return c.JSON(fiber.Map{"decision_changes": out})
	})
}

func (h *ReviewHandler) Analysis(c *fiber.Ctx) error {
	return h.env.withProject(c, func(p *project.Project) error {
		report, err := analysis.NewAnalyzer(p.Store()).Analyze(c.Context())
		if err != nil {
			return writeError(c, err)
		}
		return c.JSON(report)
	})
}
