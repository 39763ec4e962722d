// Package validation checks label payloads before they reach the handlers.
package validation

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const LabelKey = "label_payload"

var xssPattern = regexp.MustCompile(`(?i)(<script|<iframe|javascript:|onerror=|onload=|onclick=)`)

type Config struct {
	MaxNoteLength int
	Logger        *zap.Logger
}

// LabelPayload is a validated labeling decision.
type LabelPayload struct {
	RecordID int64
	Label    int
	Note     *string
}

type labelBody struct {
	RecordID *int64  `json:"record_id"`
	Label    *int    `json:"label"`
	Note     *string `json:"note"`
}

// Labels validates the body of a label or correction request. The record id
// comes from the :record_id route parameter when the route has one,
// otherwise from the body. The result is stored under LabelKey.
func Labels(cfg Config) fiber.Handler {
	if cfg.MaxNoteLength <= 0 {
		cfg.MaxNoteLength = 5000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if ct := c.Get(fiber.HeaderContentType); ct != "" && !strings.HasPrefix(ct, fiber.MIMEApplicationJSON) {
			return c.Status(fiber.StatusUnsupportedMediaType).JSON(fiber.Map{
				"error": "Unsupported content type",
			})
		}

		var body labelBody
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return badRequest(c, "Invalid JSON format")
		}

		var p LabelPayload
		if raw := c.Params("record_id"); raw != "" {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return badRequest(c, "record_id must be an integer")
			}
			p.RecordID = id
		} else {
			if body.RecordID == nil {
				return badRequest(c, "record_id is required")
			}
			p.RecordID = *body.RecordID
		}

		if body.Label == nil {
			return badRequest(c, "label is required")
		}
		if *body.Label != 0 && *body.Label != 1 {
			return badRequest(c, "label must be 0 or 1")
		}
		p.Label = *body.Label

		if body.Note != nil {
			note := sanitizeString(*body.Note)
			if len(note) > cfg.MaxNoteLength {
				return badRequest(c, "note exceeds maximum length")
			}
			if xssPattern.MatchString(note) {
				cfg.Logger.Warn("Potential XSS in note",
					zap.String("ip", c.IP()),
					zap.Int64("record_id", p.RecordID),
				)
				return badRequest(c, "Invalid note content")
			}
			p.Note = &note
		}

		c.Locals(LabelKey, p)
		return c.Next()
	}
}

// Label returns the payload stored by Labels.
func Label(c *fiber.Ctx) (LabelPayload, bool) {
	p, ok := c.Locals(LabelKey).(LabelPayload)
	return p, ok
}

func badRequest(c *fiber.Ctx, msg string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": msg})
}

func sanitizeString(input string) string {
	input = strings.TrimSpace(input)
	return strings.ReplaceAll(input, "\x00", "")
}
