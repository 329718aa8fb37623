package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a post or trade does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate is returned when a post key is already taken.
	ErrDuplicate = errors.New("duplicate key")
)

// ValidationError marks input rejected before any side effect took place.
type ValidationError struct {
	Err error
}

// NewValidationError formats a ValidationError.
func NewValidationError(format string, args ...any) error {
	return &ValidationError{Err: fmt.Errorf(format, args...)}
}

func (e *ValidationError) Error() string { return "validation failed: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// ExtractionError is a failed call to the insight extraction service.
// It is recovered locally and never reaches a webhook caller.
type ExtractionError struct {
	PostKey string
	Err     error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for post %s: %v", e.PostKey, e.Err)
}
func (e *ExtractionError) Unwrap() error { return e.Err }

// PersistenceError is a failed disk or database write.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed (%s): %v", e.Op, e.Err)
}
func (e *PersistenceError) Unwrap() error { return e.Err }

// ExecutionError is a failed or timed out brokerage order.
type ExecutionError struct {
	Symbol string
	Err    error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("trade execution failed for %s: %v", e.Symbol, e.Err)
}
func (e *ExecutionError) Unwrap() error { return e.Err }

// AggregationReadError is a single unreadable post encountered while listing.
type AggregationReadError struct {
	Key string
	Err error
}

func (e *AggregationReadError) Error() string {
	return fmt.Sprintf("unreadable post %s: %v", e.Key, e.Err)
}
func (e *AggregationReadError) Unwrap() error { return e.Err }
