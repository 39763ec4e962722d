package handlers

import (
	"context"
	"errors"
	"sync"

	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"

	"github.com/activescreen/backend/internal/project"
	"github.com/activescreen/backend/internal/review"
	"github.com/activescreen/backend/internal/storage/models"
	"github.com/activescreen/backend/pkg/logger"
)

// OracleHandler runs a review over a websocket: the connected client is the
// labeler. The server sends "question" messages and the client answers
// with "decision", "cancel" or "stop".
type OracleHandler struct {
	env *Env
}

func NewOracleHandler(env *Env) *OracleHandler {
	return &OracleHandler{env: env}
}

type oracleMessage struct {
	Type     string `json:"type"`
	RecordID int64  `json:"record_id"`
	Label    int    `json:"label"`
}

// wsWriter serializes writes; the reader goroutine reports errors too.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(msg map[string]interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(msg)
}

func (w *wsWriter) sendError(msg string) {
	if err := w.send(map[string]interface{}{"type": "error", "error": msg}); err != nil {
		logger.Debug("Failed to send websocket error", zap.Error(err))
	}
}

func (h *OracleHandler) HandleConnection(c *websocket.Conn) {
	projectID := c.Params("id")
	log := logger.ForProject(projectID)
	log.Info("Oracle session started")

	w := &wsWriter{conn: c}
	defer log.Info("Oracle session closed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := h.env.Projects.Open(ctx, projectID)
	if err != nil {
		w.sendError(err.Error())
		c.Close()
		return
	}
	defer p.Close()

	oracle := review.NewOracleLabeler()
	r, err := review.New(ctx, p, h.env.Registry, h.env.Features, oracle, h.env.Review)
	if err != nil {
		w.sendError(err.Error())
		c.Close()
		return
	}

	done := make(chan error, 1)
	go func() {
		done <- r.Run(ctx)
	}()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		defer cancel()
		for {
			var msg oracleMessage
			if err := c.ReadJSON(&msg); err != nil {
				log.Debug("Oracle connection read ended", zap.Error(err))
				return
			}
			switch msg.Type {
			case "decision":
				if err := oracle.Decide(msg.RecordID, msg.Label); err != nil {
					w.sendError(err.Error())
				}
			case "cancel":
				if err := oracle.Cancel(msg.RecordID); err != nil {
					w.sendError(err.Error())
				}
			case "stop":
				return
			default:
				w.sendError("unknown message type: " + msg.Type)
			}
		}
	}()

	for {
		select {
		case id := <-oracle.Questions():
			rec, err := p.Store().GetRecord(ctx, id)
			if err != nil {
				log.Error("Failed to load record for question", logger.RecordID(id), zap.Error(err))
				rec = models.Record{RecordID: id}
			}
			if err := w.send(map[string]interface{}{
				"type":   "question",
				"record": rec,
				"state":  r.State(),
			}); err != nil {
				log.Warn("Failed to send question", zap.Error(err))
				cancel()
			}

		case err := <-done:
			h.finish(ctx, w, p, r, err)
			// unblocks the reader
			c.Close()
			<-readerDone
			return
		}
	}
}

func (h *OracleHandler) finish(ctx context.Context, w *wsWriter, p *project.Project, r *review.Reviewer, err error) {
	ctx = context.WithoutCancel(ctx)
	switch {
	case err == nil:
		counts, cerr := p.Store().Counts(ctx)
		msg := map[string]interface{}{"type": "finished", "state": r.State()}
		if cerr == nil {
			msg["counts"] = counts
		}
		if serr := w.send(msg); serr != nil {
			logger.Debug("Failed to send finished message", zap.Error(serr))
		}
	case errors.Is(err, review.ErrCancelled), errors.Is(err, context.Canceled):
		logger.Info("Oracle session stopped", logger.ProjectID(p.ID))
		if serr := w.send(map[string]interface{}{"type": "stopped"}); serr != nil {
			logger.Debug("Failed to send stopped message", zap.Error(serr))
		}
	default:
		logger.Error("Oracle review failed", logger.ProjectID(p.ID), zap.Error(err))
		w.sendError(err.Error())
	}

	// labels given in the session are trained on by the worker
	if stale, serr := p.Store().ExistNewLabeledRecords(ctx); serr == nil && stale {
		h.env.enqueueTrain(ctx, p.ID)
	}
}
