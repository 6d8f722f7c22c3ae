// Package errors provides the error taxonomy for the WAAAH core.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeWrongState      = "WRONG_STATE"
	ErrCodeWrongAgent      = "WRONG_AGENT"
	ErrCodeInvalidIdentity = "INVALID_IDENTITY"
	ErrCodeInvalidRouting  = "INVALID_ROUTING"
	ErrCodeNoMatches       = "NO_MATCHES"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a new not found error for a resource.
func NotFound(resource string, id string) *AppError {
	return &AppError{
		Code:       ErrCodeNotFound,
		Message:    fmt.Sprintf("%s with id '%s' not found", resource, id),
		HTTPStatus: http.StatusNotFound,
	}
}

// WrongState signals an operation invalid for the current task status.
func WrongState(message string) *AppError {
	return &AppError{
		Code:       ErrCodeWrongState,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// WrongAgent signals a PENDING_ACK agent mismatch. Treated as a hostile or
// delayed duplicate; never retried internally.
func WrongAgent(message string) *AppError {
	return &AppError{
		Code:       ErrCodeWrongAgent,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InvalidIdentity signals a malformed agent identity.
func InvalidIdentity(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidIdentity,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// InvalidRouting signals a malformed task routing descriptor.
func InvalidRouting(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidRouting,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// NoMatches signals a broadcast that reached zero agents.
func NoMatches(message string) *AppError {
	return &AppError{
		Code:       ErrCodeNoMatches,
		Message:    message,
		HTTPStatus: http.StatusNotFound,
	}
}

// Internal creates a new internal error with a wrapped underlying error.
// Persistence failures surface through this constructor; callers receive a
// generic internal error while the cause stays in the log.
func Internal(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsWrongState checks if the error is a wrong state error.
func IsWrongState(err error) bool {
	return hasCode(err, ErrCodeWrongState)
}

// IsWrongAgent checks if the error is a wrong agent error.
func IsWrongAgent(err error) bool {
	return hasCode(err, ErrCodeWrongAgent)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
