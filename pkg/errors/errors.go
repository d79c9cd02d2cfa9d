package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
)

// ErrorType represents different types of errors in the system
type ErrorType string

const (
	// ErrorTypeConfig indicates invalid provider/template/segment configuration
	ErrorTypeConfig ErrorType = "CONFIG"

	// ErrorTypeInputInvalid indicates a transcription or input payload failed validation
	ErrorTypeInputInvalid ErrorType = "INPUT_INVALID"

	// ErrorTypeAuth indicates the AI backend rejected the credentials
	ErrorTypeAuth ErrorType = "AUTH"

	// ErrorTypeRateLimited indicates the AI backend throttled the call
	ErrorTypeRateLimited ErrorType = "RATE_LIMITED"

	// ErrorTypeBadRequest indicates the AI backend rejected the request payload
	ErrorTypeBadRequest ErrorType = "BAD_REQUEST"

	// ErrorTypeServer indicates a 5xx from the AI backend
	ErrorTypeServer ErrorType = "SERVER"

	// ErrorTypeTimeout indicates a call exceeded its deadline
	ErrorTypeTimeout ErrorType = "TIMEOUT"

	// ErrorTypeNetwork indicates a transport-level failure
	ErrorTypeNetwork ErrorType = "NETWORK"

	// ErrorTypeMalformed indicates the response did not satisfy the output contract
	ErrorTypeMalformed ErrorType = "MALFORMED"

	// ErrorTypeToolUnavailable indicates a required CLI tool is not installed
	ErrorTypeToolUnavailable ErrorType = "TOOL_UNAVAILABLE"

	// ErrorTypeToolFailed indicates a CLI tool exited non-zero
	ErrorTypeToolFailed ErrorType = "TOOL_FAILED"

	// ErrorTypeCancelled indicates an operator interrupted the run
	ErrorTypeCancelled ErrorType = "CANCELLED"

	// ErrorTypeNotFound indicates a resource was not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// ErrorTypeValidation indicates a validation error at a storage boundary
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeConflict indicates a conflict with existing data
	ErrorTypeConflict ErrorType = "CONFLICT"

	// ErrorTypeInternal indicates an unexpected internal error
	ErrorTypeInternal ErrorType = "INTERNAL"
)

// AppError represents an application error
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates an error of an explicit type
func New(t ErrorType, message string) *AppError {
	return &AppError{Type: t, Message: message}
}

// Wrap creates an error of an explicit type wrapping a cause
func Wrap(t ErrorType, message string, err error) *AppError {
	return &AppError{Type: t, Message: message, Err: err}
}

// NewConfigError creates a new configuration error
func NewConfigError(message string) *AppError {
	return &AppError{Type: ErrorTypeConfig, Message: message}
}

// NewInputInvalidError creates a new input validation error
func NewInputInvalidError(message string) *AppError {
	return &AppError{Type: ErrorTypeInputInvalid, Message: message}
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{Type: ErrorTypeNotFound, Message: message}
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *AppError {
	return &AppError{Type: ErrorTypeValidation, Message: message}
}

// NewConflictError creates a new conflict error
func NewConflictError(message string) *AppError {
	return &AppError{Type: ErrorTypeConflict, Message: message}
}

// NewCancelledError creates a new cancellation error
func NewCancelledError(message string) *AppError {
	return &AppError{Type: ErrorTypeCancelled, Message: message}
}

// NewToolUnavailableError reports a missing external CLI tool
func NewToolUnavailableError(tool string) *AppError {
	return &AppError{Type: ErrorTypeToolUnavailable, Message: fmt.Sprintf("required tool %q not found in PATH", tool)}
}

// NewToolFailedError reports a non-zero exit from an external CLI tool
func NewToolFailedError(tool, stderrTail string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeToolFailed,
		Message: fmt.Sprintf("%s failed: %s", tool, stderrTail),
		Err:     err,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return &AppError{Type: ErrorTypeInternal, Message: message, Err: err}
}

// TypeOf returns the error type for an error, or ErrorTypeInternal when the
// error carries no classification.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrorTypeTimeout
	}
	if errors.Is(err, context.Canceled) {
		return ErrorTypeCancelled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return ErrorTypeTimeout
		}
		return ErrorTypeNetwork
	}
	return ErrorTypeInternal
}

// IsType reports whether err carries the given type
func IsType(err error, t ErrorType) bool {
	return TypeOf(err) == t
}

// Retryable reports whether the error class is worth retrying with backoff.
// Auth, bad request, and configuration failures never are.
func Retryable(err error) bool {
	switch TypeOf(err) {
	case ErrorTypeRateLimited, ErrorTypeServer, ErrorTypeTimeout, ErrorTypeNetwork, ErrorTypeMalformed:
		return true
	default:
		return false
	}
}
