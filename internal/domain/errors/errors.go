package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType classifies failures so callers can decide how to degrade.
type ErrorType string

const (
	ErrorTypeValidation            ErrorType = "validation"
	ErrorTypeDependencyUnavailable ErrorType = "dependency_unavailable"
	ErrorTypeConfig                ErrorType = "config"
	ErrorTypeExecutionFailure      ErrorType = "execution_failure"
	ErrorTypeNotFound              ErrorType = "not_found"
	ErrorTypeInternal              ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		StatusCode: http.StatusBadRequest,
	}
}

// NewDependencyUnavailableError is returned when a collaborator (classifier,
// store, window store) fails or times out. Events hitting it are undecidable.
func NewDependencyUnavailableError(dependency, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeDependencyUnavailable,
		Code:       "DEPENDENCY_UNAVAILABLE",
		Message:    fmt.Sprintf("%s unavailable: %s", dependency, message),
		Retryable:  true,
		StatusCode: http.StatusServiceUnavailable,
		Details:    map[string]interface{}{"dependency": dependency},
	}
}

func NewConfigError(field, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConfig,
		Code:       "INVALID_CONFIG",
		Message:    fmt.Sprintf("%s: %s", field, message),
		StatusCode: http.StatusInternalServerError,
		Details:    map[string]interface{}{"field": field},
	}
}

func NewExecutionFailure(action, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExecutionFailure,
		Code:       "EXECUTION_FAILED",
		Message:    fmt.Sprintf("%s execution failed: %s", action, message),
		Retryable:  true,
		StatusCode: http.StatusBadGateway,
		Details:    map[string]interface{}{"action": action},
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		StatusCode: http.StatusNotFound,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: http.StatusInternalServerError,
	}
}

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return http.StatusInternalServerError
}
