package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode is the machine-readable code carried on the wire next to
// the human-readable message.
type ErrorCode string

const (
	// Input errors
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// Call errors
	ErrCodeCallNotFound   ErrorCode = "CALL_NOT_FOUND"
	ErrCodeAlreadyInCall  ErrorCode = "ALREADY_IN_CALL"
	ErrCodeCallState      ErrorCode = "INVALID_CALL_STATE"
	ErrCodeMediaAccess    ErrorCode = "MEDIA_ACCESS_DENIED"
	ErrCodeSignalDelivery ErrorCode = "SIGNAL_DELIVERY_FAILED"
	ErrCodeNegotiation    ErrorCode = "NEGOTIATION_FAILED"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError is a structured application error carrying a code, a
// message, and the HTTP status it maps to.
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
// The status code defaults to 500 Internal Server Error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}
