// Package errors provides custom error types for the scheduler service.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAccountTaken     = "ACCOUNT_TAKEN"
	ErrCodeInvalid          = "INVALID"
	ErrCodeIllegalState     = "ILLEGAL_STATE"
	ErrCodeTaskLimitReached = "TASK_LIMIT_REACHED"
	ErrCodeLicenseExpired   = "LICENSE_EXPIRED"
	ErrCodeLicenseForbidden = "LICENSE_FORBIDDEN"
	ErrCodeBusy             = "BUSY"
	ErrCodeAgentError       = "AGENT_ERROR"
	ErrCodePersistence      = "PERSISTENCE_ERROR"
	ErrCodeCorruptSnapshot  = "CORRUPT_SNAPSHOT"
	ErrCodeInternalError    = "INTERNAL_ERROR"
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

// AccountTaken creates an error for a duplicate (task type, account) registration.
func AccountTaken(taskType, accountID string) *AppError {
	return &AppError{
		Code:       ErrCodeAccountTaken,
		Message:    fmt.Sprintf("account '%s' already has a %s task", accountID, taskType),
		HTTPStatus: http.StatusConflict,
	}
}

// Invalid creates a validation error for a specific field.
func Invalid(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalid,
		Message:    fmt.Sprintf("invalid %s: %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// IllegalState creates an error for an operation applied in the wrong task state.
func IllegalState(message string) *AppError {
	return &AppError{
		Code:       ErrCodeIllegalState,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// TaskLimitReached creates an error for exceeding the licensed task count.
func TaskLimitReached(limit int) *AppError {
	return &AppError{
		Code:       ErrCodeTaskLimitReached,
		Message:    fmt.Sprintf("task limit of %d reached", limit),
		HTTPStatus: http.StatusForbidden,
	}
}

// LicenseExpired creates an error for operations blocked by an expired license.
func LicenseExpired() *AppError {
	return &AppError{
		Code:       ErrCodeLicenseExpired,
		Message:    "license has expired",
		HTTPStatus: http.StatusForbidden,
	}
}

// LicenseForbidden creates an error for features the current license does not allow.
func LicenseForbidden(feature string) *AppError {
	return &AppError{
		Code:       ErrCodeLicenseForbidden,
		Message:    fmt.Sprintf("%s requires an activated license", feature),
		HTTPStatus: http.StatusForbidden,
	}
}

// Busy creates an error for a run request while another task holds the execution lock.
func Busy(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBusy,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// AgentError wraps a failure reported by a task agent.
func AgentError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeAgentError,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// Persistence wraps a failure writing or reading durable state.
func Persistence(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodePersistence,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// CorruptSnapshot wraps an unreadable or unparseable state snapshot.
func CorruptSnapshot(path string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeCorruptSnapshot,
		Message:    fmt.Sprintf("snapshot '%s' is corrupt", path),
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
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

// hasCode checks the error chain for an AppError with the given code.
func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error.
func IsNotFound(err error) bool { return hasCode(err, ErrCodeNotFound) }

// IsAccountTaken checks if the error is a duplicate account registration error.
func IsAccountTaken(err error) bool { return hasCode(err, ErrCodeAccountTaken) }

// IsInvalid checks if the error is a validation error.
func IsInvalid(err error) bool { return hasCode(err, ErrCodeInvalid) }

// IsIllegalState checks if the error is an illegal state error.
func IsIllegalState(err error) bool { return hasCode(err, ErrCodeIllegalState) }

// IsTaskLimitReached checks if the error is a task limit error.
func IsTaskLimitReached(err error) bool { return hasCode(err, ErrCodeTaskLimitReached) }

// IsLicenseExpired checks if the error is a license expiry error.
func IsLicenseExpired(err error) bool { return hasCode(err, ErrCodeLicenseExpired) }

// IsLicenseForbidden checks if the error is a license restriction error.
func IsLicenseForbidden(err error) bool { return hasCode(err, ErrCodeLicenseForbidden) }

// IsBusy checks if the error is an execution lock contention error.
func IsBusy(err error) bool { return hasCode(err, ErrCodeBusy) }

// IsAgentError checks if the error was reported by a task agent.
func IsAgentError(err error) bool { return hasCode(err, ErrCodeAgentError) }

// IsPersistence checks if the error is a durable state I/O error.
func IsPersistence(err error) bool { return hasCode(err, ErrCodePersistence) }

// IsCorruptSnapshot checks if the error is a corrupt snapshot error.
func IsCorruptSnapshot(err error) bool { return hasCode(err, ErrCodeCorruptSnapshot) }

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
