// internal/apperr/apperr.go
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// ValidationError rejects malformed input before any mutation. Never
// retried automatically.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func Validation(format string, args ...any) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// ConflictError covers unique/foreign-key violations and lost
// optimistic-concurrency races. The caller may retry the whole operation.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return e.Msg }

func Conflict(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError is returned when a referenced resource does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// RetryableEngineError signals a transient network/timeout failure talking
// to an external engine. Handled internally with bounded backoff.
type RetryableEngineError struct {
	Cause error
}

func (e *RetryableEngineError) Error() string {
	return fmt.Sprintf("retryable engine error: %v", e.Cause)
}

func (e *RetryableEngineError) Unwrap() error { return e.Cause }

func Retryable(cause error) error {
	return &RetryableEngineError{Cause: cause}
}

// EngineFailure is a failure reported by the external engine itself.
// Terminal, surfaced verbatim in the task's error message.
type EngineFailure struct {
	Reason string
}

func (e *EngineFailure) Error() string { return e.Reason }

// StorageError wraps catalog-store unavailability; fatal for the current
// operation, nothing partial is committed.
type StorageError struct {
	Cause error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error: %v", e.Cause)
}

func (e *StorageError) Unwrap() error { return e.Cause }

func Storage(cause error) error {
	return &StorageError{Cause: cause}
}

func IsRetryable(err error) bool {
	var r *RetryableEngineError
	return errors.As(err, &r)
}

func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// HTTPStatus maps a taxonomy error to the status code handlers respond with.
func HTTPStatus(err error) int {
	var (
		v *ValidationError
		c *ConflictError
		n *NotFoundError
	)
	switch {
	case errors.As(err, &v):
		return http.StatusBadRequest
	case errors.As(err, &n):
		return http.StatusNotFound
	case errors.As(err, &c):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
