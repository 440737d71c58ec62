// Package apperr defines the typed failures returned by the pipeline components.
package apperr

import (
	"errors"
	"fmt"
	"strings"
)

// FieldError is used to indicate an error with a specific input field.
type FieldError struct {
	Field string `json:"field"`
	Error string `json:"error"`
}

// ValidationError reports malformed caller input. It is never retried.
type ValidationError struct {
	Err    error
	Fields []FieldError
}

// NewValidationError wraps err with optional per-field details.
func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{Err: err, Fields: flds}
}

// Invalid is a shorthand for a single-field validation error.
func Invalid(field, msg string) error {
	return &ValidationError{
		Err:    fmt.Errorf("invalid %s: %s", field, msg),
		Fields: []FieldError{{Field: field, Error: msg}},
	}
}

func (e *ValidationError) Error() string {
	if e.Err == nil {
		return "validation failed"
	}
	return e.Err.Error()
}

func (e *ValidationError) Unwrap() error { return e.Err }

// UpstreamError reports that the document source or store was unavailable.
// Callers retry these with backoff.
type UpstreamError struct {
	Service string
	Err     error
}

// Upstream wraps err as a failure of the named external service.
func Upstream(service string, err error) error {
	return &UpstreamError{Service: service, Err: err}
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Reason classifies a reasoning-service failure.
type Reason string

const (
	EmptyOutput           Reason = "EmptyOutput"
	SchemaMismatch        Reason = "SchemaMismatch"
	Timeout               Reason = "Timeout"
	UnparseableEvaluation Reason = "UnparseableEvaluation"
)

// ReasoningError is a typed failure of a reasoning call.
type ReasoningError struct {
	Reason Reason
	Call   string
	Raw    string
	Err    error
}

func (e *ReasoningError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Call, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Call, e.Reason)
}

func (e *ReasoningError) Unwrap() error { return e.Err }

// Reasoning builds a ReasoningError.
func Reasoning(call string, reason Reason, raw string, err error) error {
	return &ReasoningError{Reason: reason, Call: call, Raw: raw, Err: err}
}

// ConstraintViolation reports that hard paper constraints could not be honored.
// Achieved holds the best distribution that could be reached.
type ConstraintViolation struct {
	Violations []string
	Achieved   any
}

func (e *ConstraintViolation) Error() string {
	return "constraint violation: " + strings.Join(e.Violations, "; ")
}

// StateConflict reports an operation on an entity already past the required state.
// It is a benign outcome, not a crash.
type StateConflict struct {
	Entity string
	ID     string
	State  string
}

func (e *StateConflict) Error() string {
	if e.State == "" {
		return fmt.Sprintf("%s %s is no longer available", e.Entity, e.ID)
	}
	return fmt.Sprintf("%s %s is %s", e.Entity, e.ID, e.State)
}

// Conflict builds a StateConflict.
func Conflict(entity, id, state string) error {
	return &StateConflict{Entity: entity, ID: id, State: state}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsUpstream reports whether err is an UpstreamError.
func IsUpstream(err error) bool {
	var u *UpstreamError
	return errors.As(err, &u)
}

// IsStateConflict reports whether err is a StateConflict.
func IsStateConflict(err error) bool {
	var c *StateConflict
	return errors.As(err, &c)
}

// ReasonOf returns the reasoning failure reason carried by err, if any.
func ReasonOf(err error) (Reason, bool) {
	var r *ReasoningError
	if errors.As(err, &r) {
		return r.Reason, true
	}
	return "", false
}

// RetryableReasoning reports whether a single same-input retry is worthwhile:
// formatting failures are, timeouts are not.
func RetryableReasoning(err error) bool {
	reason, ok := ReasonOf(err)
	if !ok {
		return false
	}
	return reason == EmptyOutput || reason == SchemaMismatch || reason == UnparseableEvaluation
}
