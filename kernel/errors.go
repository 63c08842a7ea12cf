// Package kernel provides typed kernel errors with stable codes.
//
// The wire layer maps these codes onto protocol error frames; inside the
// process use errors.As to branch on the concrete type.
package kernel

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable machine-readable error classification.
type ErrorCode string

const (
	CodeNotFound          ErrorCode = "not_found"
	CodeAlreadyExists     ErrorCode = "already_exists"
	CodeInvalidTransition ErrorCode = "invalid_transition"
	CodeValidation        ErrorCode = "validation_error"
)

// NotFoundError is returned when a pid, session, or interrupt is unknown.
type NotFoundError struct {
	Kind string // "process", "session", "interrupt"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("unknown %s: %s", e.Kind, e.ID)
}

// Code returns the stable error code.
func (e *NotFoundError) Code() ErrorCode { return CodeNotFound }

// AlreadyExistsError is returned on duplicate creation without force.
type AlreadyExistsError struct {
	Kind string
	ID   string
}

func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Kind, e.ID)
}

// Code returns the stable error code.
func (e *AlreadyExistsError) Code() ErrorCode { return CodeAlreadyExists }

// InvalidTransitionError is returned when a state edge is absent from the FSM.
type InvalidTransitionError struct {
	PID  string
	From ProcessState
	To   ProcessState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s for pid %s", e.From, e.To, e.PID)
}

// Code returns the stable error code.
func (e *InvalidTransitionError) Code() ErrorCode { return CodeInvalidTransition }

// ValidationError is returned for malformed configuration or requests.
type ValidationError struct {
	Message string
	Cause   error
}

func (e *ValidationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ValidationError) Unwrap() error { return e.Cause }

// Code returns the stable error code.
func (e *ValidationError) Code() ErrorCode { return CodeValidation }

// coded is implemented by all typed kernel errors.
type coded interface {
	Code() ErrorCode
}

// CodeOf extracts the stable code from a kernel error. Unclassified errors
// report an empty code.
func CodeOf(err error) ErrorCode {
	var c coded
	if errors.As(err, &c) {
		return c.Code()
	}
	return ""
}
