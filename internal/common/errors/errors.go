// Package errors provides custom error types for the Codedeck session host.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"

	// Session host error kinds
	ErrCodeAgentConfig       = "AGENT_CONFIG"
	ErrCodeAgentHandshake    = "AGENT_HANDSHAKE"
	ErrCodeAgentCrash        = "AGENT_CRASH"
	ErrCodeAgentRapidCrash   = "AGENT_RAPID_CRASH"
	ErrCodePromptTimeout     = "PROMPT_TIMEOUT"
	ErrCodePromptInFlight    = "PROMPT_IN_FLIGHT"
	ErrCodeCancelUnheeded    = "CANCEL_UNHEEDED"
	ErrCodeStopTimeout       = "STOP_TIMEOUT"
	ErrCodeTransportClosed   = "TRANSPORT_CLOSED"
	ErrCodeSessionNotRunning = "SESSION_NOT_RUNNING"
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

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// AgentConfig creates an error for missing or invalid agent configuration
// (for example a credential the control plane does not hold).
func AgentConfig(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgentConfig,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
		Err:        err,
	}
}

// AgentHandshake creates an error for a failed ACP initialize or session
// establishment exchange.
func AgentHandshake(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgentHandshake,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// AgentCrash creates an error for an agent subprocess that exited unexpectedly.
func AgentCrash(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentCrash,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
	}
}

// RapidCrash creates an error for an agent that exited within the rapid-exit
// window. These are treated as fatal and never restarted.
func RapidCrash(message string) *AppError {
	return &AppError{
		Code:       ErrCodeAgentRapidCrash,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
	}
}

// PromptTimeout creates an error for a prompt that exceeded its deadline.
func PromptTimeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodePromptTimeout,
		Message:    message,
		HTTPStatus: http.StatusGatewayTimeout,
	}
}

// StopTimeout creates an error for a subprocess that survived the full
// SIGTERM/SIGKILL escalation window.
func StopTimeout(message string) *AppError {
	return &AppError{
		Code:       ErrCodeStopTimeout,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
	}
}

// TransportClosed creates an error for an operation attempted on a closed
// ACP transport.
func TransportClosed(message string) *AppError {
	return &AppError{
		Code:       ErrCodeTransportClosed,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
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

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == ErrCodeNotFound
	}
	return false
}

// IsCode checks whether the error carries the given application error code.
func IsCode(err error, code string) bool {
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
