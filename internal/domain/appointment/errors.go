package appointment

import (
	"errors"
	"fmt"
)

// Common errors returned by the appointment service.
var (
	ErrValidation        = errors.New("validation failed")
	ErrCapacityExceeded  = errors.New("no remaining capacity for the requested time slot")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("appointment not found")
	ErrForbidden         = errors.New("not allowed to modify this appointment")
)

// ValidationError names the request field that was missing or invalid.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// TransitionError reports a status change the state machine does not allow.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot change status from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }
