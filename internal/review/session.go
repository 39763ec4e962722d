package review

import (
	"context"
	"strconv"

	"github.com/activescreen/backend/internal/metrics"
	"github.com/activescreen/backend/internal/project"
	"github.com/activescreen/backend/internal/storage/models"
	"github.com/activescreen/backend/pkg/logger"
)

// Session serves labeling to remote callers. Training happens elsewhere
// (the task runner); a session only reads the last ranking and writes
// labels.
type Session struct {
	project *project.Project
}

func NewSession(p *project.Project) *Session {
	return &Session{project: p}
}

// Next returns the record to screen next: a pending record if one exists,
// otherwise the top of the last ranking, which becomes pending.
func (s *Session) Next(ctx context.Context) (models.Record, error) {
	if err := s.project.CheckHealthy(ctx); err != nil {
		return models.Record{}, err
	}

	store := s.project.Store()
	var id int64
	err := s.project.WithActiveLock(ctx, func() error {
		pending, err := store.GetPending(ctx)
		if err != nil {
			return err
		}
		if len(pending) > 0 {
			id = pending[0]
			return nil
		}

		ok, err := store.HasRanking(ctx)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNoRanking
		}
		top, err := store.QueryTopRanked(ctx, 1)
		if err != nil {
			return err
		}
		if len(top) == 0 {
			return ErrExhausted
		}
		metrics.RecordsQueried.Inc()
		id = top[0]
		return nil
	})
	if err != nil {
		return models.Record{}, err
	}
	return store.GetRecord(ctx, id)
}

// Label records a decision. The project is marked finished once every
// record is labeled.
func (s *Session) Label(ctx context.Context, recordID int64, label int, note *string) error {
	if err := s.project.CheckHealthy(ctx); err != nil {
		return err
	}

	var notes []string
	if note != nil {
		notes = []string{*note}
	}

	store := s.project.Store()
	var remaining int
	err := s.project.WithActiveLock(ctx, func() error {
		if err := store.AddLabelingData(ctx, []int64{recordID}, []int{label}, notes, false); err != nil {
			return err
		}
		c, err := store.Counts(ctx)
		if err != nil {
			return err
		}
		remaining = c.Pool + c.Pending
		return nil
	})
	if err != nil {
		return err
	}
	metrics.LabelsTotal.WithLabelValues("api", strconv.Itoa(label)).Inc()

	if remaining == 0 {
		logger.Info("All records labeled", logger.ProjectID(s.project.ID))
		return s.project.SetStatus(ctx, models.StatusFinished)
	}
	return nil
}

// Correct changes an earlier decision. A finished project goes back to
// review so the correction is trained on.
func (s *Session) Correct(ctx context.Context, recordID int64, label int, note *string) error {
	if err := s.project.CheckHealthy(ctx); err != nil {
		return err
	}

	err := s.project.WithActiveLock(ctx, func() error {
		return s.project.Store().Update(ctx, recordID, label, note)
	})
	if err != nil {
		return err
	}
	metrics.DecisionChanges.Inc()

	st, err := s.project.Status(ctx)
	if err != nil {
		return err
	}
	if st.Status == models.StatusFinished {
		logger.Info("Finished project reopened by correction", logger.ProjectID(s.project.ID), logger.RecordID(recordID))
		return s.project.SetStatus(ctx, models.StatusReview)
	}
	return nil
}

// Skip returns a pending record to the pool.
func (s *Session) Skip(ctx context.Context, recordID int64) error {
	return s.project.WithActiveLock(ctx, func() error {
		return s.project.Store().DeleteRecordLabelingData(ctx, recordID)
	})
}
