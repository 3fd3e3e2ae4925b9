package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

const (
	// ErrPreconditionNotMet signals an action had no eligible target or
	// content. It is a silent no-op outcome, never a user-facing failure.
	ErrPreconditionNotMet ErrorCode = "PRECONDITION_NOT_MET"
	// ErrGenerationFailed signals the external content-generation call
	// failed or returned unparseable content. Recovered locally.
	ErrGenerationFailed ErrorCode = "GENERATION_FAILED"
	// ErrAuthorizationDenied signals the relationship check between two
	// participants failed. Absence of a relationship is a hard deny.
	ErrAuthorizationDenied ErrorCode = "AUTHORIZATION_DENIED"
	// ErrParticipantBusy signals the target is already in a feedback
	// session. Retryable conflict, no partial state mutation.
	ErrParticipantBusy ErrorCode = "PARTICIPANT_BUSY"
	// ErrLockNotAcquired signals another session creation is in flight for
	// the same pair. Retryable conflict.
	ErrLockNotAcquired ErrorCode = "LOCK_NOT_ACQUIRED"
	// ErrStateCorruption signals an agent was found stuck in a session
	// state with no matching active session. Self-healed, logged.
	ErrStateCorruption ErrorCode = "STATE_CORRUPTION"
	// ErrStoreUnavailable signals the state store itself is unreachable.
	// Fatal: no further invariant can be guaranteed without it.
	ErrStoreUnavailable ErrorCode = "STORE_UNAVAILABLE"

	ErrInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrNotFound          ErrorCode = "NOT_FOUND"
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrInternalError     ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorf creates a new Error with a formatted message.
func NewErrorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// AsError extracts a *Error from err, unwrapping as needed.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	if e, ok := AsError(err); ok {
		return e.Code == code
	}
	return false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error, or "" for plain errors.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}
