package ai

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrTransport marks failures reaching the assessor.
	ErrTransport = errors.New("assessor transport failure")
	// ErrSchemaViolation marks responses that do not honour the declared schema.
	ErrSchemaViolation = errors.New("assessor schema violation")
	// ErrAssessorDeclined marks responses carrying a non-empty failure signal.
	ErrAssessorDeclined = errors.New("assessor declined request")
)

// TransportError wraps network, timeout and upstream service failures. Temporary errors
// are worth retrying after a backoff.
type TransportError struct {
	Backend   string
	Temporary bool
	Err       error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Backend, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is reports the sentinel match.
func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// SchemaViolationError reports a response that cannot be read into the declared schema or
// breaks one of the schema's semantic rules.
type SchemaViolationError struct {
	Schema string
	Reason string
	Err    error
}

func (e *SchemaViolationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema %s violated: %s: %v", e.Schema, e.Reason, e.Err)
	}
	return fmt.Sprintf("schema %s violated: %s", e.Schema, e.Reason)
}

func (e *SchemaViolationError) Unwrap() error { return e.Err }

// Is reports the sentinel match.
func (e *SchemaViolationError) Is(target error) bool { return target == ErrSchemaViolation }

// AssessorError carries the assessor's failure signal verbatim.
type AssessorError struct {
	Schema string
	Signal string
}

func (e *AssessorError) Error() string {
	return fmt.Sprintf("assessor raised a fatal error: %s", e.Signal)
}

// Is reports the sentinel match.
func (e *AssessorError) Is(target error) bool { return target == ErrAssessorDeclined }

// NewSchemaViolation builds a SchemaViolationError for semantic checks done by callers.
func NewSchemaViolation(schema, reason string) error {
	return &SchemaViolationError{Schema: schema, Reason: reason}
}

// IsTemporary reports whether err is a transport failure worth retrying.
func IsTemporary(err error) bool {
	var transport *TransportError
	return errors.As(err, &transport) && transport.Temporary
}

func transportFailure(backend string, err error, temporary bool) error {
	if errors.Is(err, context.DeadlineExceeded) {
		temporary = true
	}
	return &TransportError{Backend: backend, Temporary: temporary, Err: err}
}
