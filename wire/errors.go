package wire

import (
	"context"
	"errors"
	"fmt"

	"github.com/kestrelflow/kestrel/kernel"
)

// ErrorCode is the structured error code carried on error frames.
type ErrorCode string

const (
	CodeMalformedFrame    ErrorCode = "malformed_frame"
	CodeUnknownService    ErrorCode = "unknown_service"
	CodeUnknownMethod     ErrorCode = "unknown_method"
	CodeTimeout           ErrorCode = "timeout"
	CodeConnectionClosed  ErrorCode = "connection_closed"
	CodeNotFound          ErrorCode = "not_found"
	CodeAlreadyExists     ErrorCode = "already_exists"
	CodeInvalidTransition ErrorCode = "invalid_transition"
	CodeValidationError   ErrorCode = "validation_error"
	CodeInternal          ErrorCode = "internal"
)

// WireError is the error payload on a response frame.
type WireError struct {
	Code    ErrorCode `json:"code" msgpack:"code"`
	Message string    `json:"message" msgpack:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewWireError builds a wire error.
func NewWireError(code ErrorCode, format string, args ...any) *WireError {
	return &WireError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// FromError maps an error to its wire representation. Kernel typed errors
// keep their stable codes; everything else is internal.
func FromError(err error) *WireError {
	var we *WireError
	if errors.As(err, &we) {
		return we
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &WireError{Code: CodeTimeout, Message: err.Error()}
	}

	switch kernel.CodeOf(err) {
	case kernel.CodeNotFound:
		return &WireError{Code: CodeNotFound, Message: err.Error()}
	case kernel.CodeAlreadyExists:
		return &WireError{Code: CodeAlreadyExists, Message: err.Error()}
	case kernel.CodeInvalidTransition:
		return &WireError{Code: CodeInvalidTransition, Message: err.Error()}
	case kernel.CodeValidation:
		return &WireError{Code: CodeValidationError, Message: err.Error()}
	default:
		return &WireError{Code: CodeInternal, Message: err.Error()}
	}
}
