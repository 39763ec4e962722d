package review

import (
	"context"
	"fmt"
	"sync"

	"github.com/activescreen/backend/internal/storage/models"
)

// Labeler decides on one record.
type Labeler interface {
	Label(ctx context.Context, recordID int64) (int, error)
}

// SimulatedLabeler answers from a ground-truth vector and never blocks.
type SimulatedLabeler struct {
	truth map[int64]int
}

func NewSimulatedLabeler(truth map[int64]int) *SimulatedLabeler {
	return &SimulatedLabeler{truth: truth}
}

// GroundTruth extracts the labels of a fully labeled dataset.
func GroundTruth(records []models.Record) (map[int64]int, error) {
	truth := make(map[int64]int, len(records))
	for _, r := range records {
		if r.Included == nil {
			return nil, fmt.Errorf("record %d has no ground-truth label", r.RecordID)
		}
		truth[r.RecordID] = *r.Included
	}
	return truth, nil
}

func (l *SimulatedLabeler) Label(_ context.Context, recordID int64) (int, error) {
	label, ok := l.truth[recordID]
	if !ok {
		return 0, fmt.Errorf("no ground-truth label for record %d", recordID)
	}
	return label, nil
}

type decision struct {
	label     int
	cancelled bool
}

// OracleLabeler hands records to a human through Questions and suspends
// until Decide or Cancel is called for the record.
type OracleLabeler struct {
	questions chan int64

	mu      sync.Mutex
	waiting map[int64]chan decision
}

func NewOracleLabeler() *OracleLabeler {
	return &OracleLabeler{
		questions: make(chan int64),
		waiting:   make(map[int64]chan decision),
	}
}

// Questions delivers the record ids awaiting a decision.
func (o *OracleLabeler) Questions() <-chan int64 {
	return o.questions
}

func (o *OracleLabeler) Label(ctx context.Context, recordID int64) (int, error) {
	ch := make(chan decision, 1)
	o.mu.Lock()
	o.waiting[recordID] = ch
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.waiting, recordID)
		o.mu.Unlock()
	}()

	select {
	case o.questions <- recordID:
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}

	select {
	case d := <-ch:
		if d.cancelled {
			return 0, ErrCancelled
		}
		return d.label, nil
	case <-ctx.Done():
		return 0, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}
}

func (o *OracleLabeler) Decide(recordID int64, label int) error {
	if label != models.LabelRelevant && label != models.LabelIrrelevant {
		return fmt.Errorf("invalid label %d", label)
	}
	return o.send(recordID, decision{label: label})
}

func (o *OracleLabeler) Cancel(recordID int64) error {
	return o.send(recordID, decision{cancelled: true})
}

func (o *OracleLabeler) send(recordID int64, d decision) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	ch, ok := o.waiting[recordID]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotAsked, recordID)
	}
	select {
	case ch <- d:
		delete(o.waiting, recordID)
		return nil
	default:
		return fmt.Errorf("%w: %d already decided", ErrNotAsked, recordID)
	}
}
