package service

import (
	"errors"
	"fmt"
)

// ErrValidation marks local invariant violations (non-contiguous page ranges, duplicate
// question numbers...). They are never retried.
var ErrValidation = errors.New("validation failed")

// ErrRunInProgress indicates the submission is already being marked.
var ErrRunInProgress = errors.New("marking run already in progress")

// ValidationError describes which invariant failed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Is reports the sentinel match.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StageError is the terminal failure of a marking run.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("marking failed during %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
