package review

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficientPriors means the labeled set lacks a relevant or an
	// irrelevant record, so no classifier can be trained.
	ErrInsufficientPriors = errors.New("at least one relevant and one irrelevant label are required")
	// ErrCancelled is returned by a labeler when the operator cancels a
	// decision. The record stays pending.
	ErrCancelled = errors.New("labeling cancelled")
	ErrNoRanking = errors.New("no ranking available yet")
	// ErrExhausted means every record is labeled or pending.
	ErrExhausted = errors.New("no records left to screen")
	ErrNotAsked  = errors.New("record is not awaiting a decision")
)

// ModelError wraps a failure raised by one of the model capabilities during
// training. It is persisted as the project error and never retried.
type ModelError struct {
	Stage string
	Err   error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model failure during %s: %v", e.Stage, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }
