// Package apperr defines the closed error taxonomy used at every component
// boundary. Provider and storage edges translate raw errors into one of these
// kinds exactly once; everything above matches on the code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes. The set is closed: new failure modes get mapped onto one of
// these at the edge where they occur.
const (
	CodeTransientIO         = "TRANSIENT_IO"
	CodeAuthExpired         = "AUTH_EXPIRED"
	CodeAuthPermanent       = "AUTH_PERMANENT"
	CodeRateLimited         = "RATE_LIMITED"
	CodeNotFound            = "NOT_FOUND"
	CodeStorageFailure      = "STORAGE_FAILURE"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeClassificationParse = "CLASSIFICATION_PARSE_ERROR"
	CodeNotificationFailure = "NOTIFICATION_FAILURE"
	CodeQueueUnavailable    = "QUEUE_UNAVAILABLE"
	CodeConfigError         = "CONFIG_ERROR"
	CodeInternalError       = "INTERNAL_ERROR"
)

// AppError is a structured application error.
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// HTTPStatus returns the HTTP status associated with the kind.
func (e *AppError) HTTPStatus() int {
	return e.Status
}

func New(code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{Code: code, Message: message, Status: status, Err: err}
}

// TransientIO wraps a network blip or broker timeout. Callers retry with
// backoff at their own boundary.
func TransientIO(err error, message string) *AppError {
	return Wrap(err, CodeTransientIO, message, http.StatusServiceUnavailable)
}

// AuthExpired signals a 401 from a provider. The credential store refreshes
// once; a second failure escalates to AuthPermanent.
func AuthExpired(err error, message string) *AppError {
	return Wrap(err, CodeAuthExpired, message, http.StatusUnauthorized)
}

// AuthPermanent signals a revoked grant or failed refresh. The account is
// marked errored and its worker stopped until the user reconnects.
func AuthPermanent(err error, message string) *AppError {
	return Wrap(err, CodeAuthPermanent, message, http.StatusUnauthorized)
}

// RateLimited signals a 429. Backed off with jitter, never fails the job.
func RateLimited(err error, message string) *AppError {
	return Wrap(err, CodeRateLimited, message, http.StatusTooManyRequests)
}

// NotFound is used for HTTP surfaces only. Repositories return nil for
// absence instead of this error.
func NotFound(message string) *AppError {
	return New(CodeNotFound, message, http.StatusNotFound)
}

// StorageFailure wraps any SQL or search-store failure other than a unique
// violation. The current batch is rolled back.
func StorageFailure(err error, message string) *AppError {
	return Wrap(err, CodeStorageFailure, message, http.StatusInternalServerError)
}

// Validation rejects input before any side effect.
func Validation(message string) *AppError {
	return New(CodeValidationError, message, http.StatusBadRequest)
}

// ClassificationParse marks a malformed or unknown-category LLM result for a
// single id. The batch continues.
func ClassificationParse(message string) *AppError {
	return New(CodeClassificationParse, message, http.StatusUnprocessableEntity)
}

// NotificationFailure is logged and never propagated.
func NotificationFailure(err error, sink string) *AppError {
	return Wrap(err, CodeNotificationFailure, fmt.Sprintf("webhook sink %s failed", sink), http.StatusBadGateway)
}

// QueueUnavailable marks the broker as unreachable; the write path falls back
// to synchronous indexing.
func QueueUnavailable(err error) *AppError {
	return Wrap(err, CodeQueueUnavailable, "sync queue unavailable", http.StatusServiceUnavailable)
}

func Config(message string) *AppError {
	return New(CodeConfigError, message, http.StatusInternalServerError)
}

func Internal(err error, message string) *AppError {
	return Wrap(err, CodeInternalError, message, http.StatusInternalServerError)
}

// AsAppError extracts an *AppError from an error chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsCode reports whether err carries the given code anywhere in its chain.
func IsCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsRetriable reports whether a worker should retry after this error.
// Auth-permanent, validation and parse errors are terminal.
func IsRetriable(err error) bool {
	appErr, ok := AsAppError(err)
	if !ok {
		return true
	}
	switch appErr.Code {
	case CodeAuthPermanent, CodeValidationError, CodeClassificationParse, CodeNotFound:
		return false
	default:
		return true
	}
}

// GetHTTPStatus maps any error to an HTTP status for the response envelope.
func GetHTTPStatus(err error) int {
	if appErr, ok := AsAppError(err); ok {
		return appErr.HTTPStatus()
	}
	return http.StatusInternalServerError
}
