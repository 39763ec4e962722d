package state

import (
	"errors"
	"fmt"
)

var (
	ErrRecordNotFound    = errors.New("record not found")
	ErrDuplicateLabel    = errors.New("record is already labeled")
	ErrInvalidRanking    = errors.New("invalid ranking")
	ErrInvalidLabel      = errors.New("invalid label")
	ErrRecordTableExists = errors.New("record table already exists")
	ErrSettingsExist     = errors.New("settings already written")
	ErrSettingsNotFound  = errors.New("settings not written")
	ErrSchemaMismatch    = errors.New("state schema version mismatch")
	ErrCorrupt           = errors.New("state database failed integrity check")
	ErrUnknownColumn     = errors.New("unknown results column")
)

type RecordNotFoundError struct {
	RecordID int64
	What     string
}

func (e *RecordNotFoundError) Error() string {
	if e.What == "" {
		return fmt.Sprintf("record %d not found", e.RecordID)
	}
	return fmt.Sprintf("record %d not found: %s", e.RecordID, e.What)
}

func (e *RecordNotFoundError) Unwrap() error { return ErrRecordNotFound }

type DuplicateLabelError struct {
	RecordID int64
}

func (e *DuplicateLabelError) Error() string {
	return fmt.Sprintf("record %d is already labeled, use update to change its label", e.RecordID)
}

func (e *DuplicateLabelError) Unwrap() error { return ErrDuplicateLabel }

type InvalidRankingError struct {
	Reason string
}

func (e *InvalidRankingError) Error() string {
	return "invalid ranking: " + e.Reason
}

func (e *InvalidRankingError) Unwrap() error { return ErrInvalidRanking }

// IsValidation reports whether err is a caller mistake that must not be
// retried.
func IsValidation(err error) bool {
	return errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrDuplicateLabel) ||
		errors.Is(err, ErrInvalidRanking) ||
		errors.Is(err, ErrInvalidLabel) ||
		errors.Is(err, ErrRecordTableExists) ||
		errors.Is(err, ErrSettingsExist) ||
		errors.Is(err, ErrUnknownColumn)
}
