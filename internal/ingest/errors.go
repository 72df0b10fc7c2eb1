package ingest

import (
	"errors"
	"fmt"
)

// Error classes shared by the pipeline. All of them are converted into a
// failed work item at the worker boundary except ErrListing.
var (
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrSessionCreation   = errors.New("session creation failed")
	ErrExtraction        = errors.New("extraction failed")
	ErrPersistence       = errors.New("persistence failed")
	ErrBatchTimeout      = errors.New("batch timeout")
	ErrListing           = errors.New("listing work items failed")
	ErrFatal             = errors.New("fatal")
)

// ExtractionError reports a failure to extract one work item.
type ExtractionError struct {
	ItemID string
	Err    error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract item %s: %v", e.ItemID, e.Err)
}

// Unwrap exposes both the class sentinel and the cause.
func (e *ExtractionError) Unwrap() []error {
	return []error{ErrExtraction, e.Err}
}

// PersistenceError reports a rolled-back batch write. IDs holds the ids
// produced before the failing record.
type PersistenceError struct {
	Source string
	IDs    []string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist batch for %s (partial ids=%d): %v", e.Source, len(e.IDs), e.Err)
}

// Unwrap exposes both the class sentinel and the cause.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// Fatal marks err as non-retryable.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}

// IsFatal reports whether err was marked with Fatal.
func IsFatal(err error) bool {
	return errors.Is(err, ErrFatal)
}
