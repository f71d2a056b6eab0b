package task

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a rejected submission. No task is created.
	ErrValidation = errors.New("validation failed")

	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrRevisionLimit is returned when a revision cycle would push
	// revision_count past max_revisions.
	ErrRevisionLimit = errors.New("revision limit exceeded")

	ErrCancelled = errors.New("cancellation requested")

	// ErrDocument marks a JSON document that failed envelope or content
	// validation at the store boundary.
	ErrDocument = errors.New("invalid document")
)

// ValidationError describes the offending field of a bad submission.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
