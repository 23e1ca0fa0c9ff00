// Package apperror defines the typed failures that cross layer boundaries.
//
// Every error the service layer returns to a caller is (or wraps) an *AppError
// whose Err is one of the sentinels below. Handlers translate the sentinel to a
// transport status with errors.Is; the Message is safe to show to the client.
package apperror

import (
	"errors"
	"fmt"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrValidation       = errors.New("Validation Error")
	ErrInternal         = errors.New("internal error")
)

type AppError struct {
	Err     error  // actual error
	Message string // Human-readable error message
	Field   string // Optional: field causing the error
}

func (e *AppError) Error() string {
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func NotFound(resource, id string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with id %s", resource, id),
	}
}

// NotFoundBy is NotFound for lookups keyed by something other than the id,
// e.g. a chatroom resolved by name.
func NotFoundBy(resource, key, value string) *AppError {
	return &AppError{
		Err:     ErrNotFound,
		Message: fmt.Sprintf("%s not found with %s %s", resource, key, value),
	}
}

func ValidationFailed(field, message string) *AppError {
	return &AppError{
		Err:     ErrValidation,
		Message: message,
		Field:   field,
	}
}

func Conflict(resource, id string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: fmt.Sprintf("%s conflict with id %s", resource, id),
	}
}

// ConflictMessage returns a conflict with a caller-supplied message, used when
// the clashing value (a name, an email) is more useful than an id.
func ConflictMessage(field, message string) *AppError {
	return &AppError{
		Err:     ErrConflict,
		Message: message,
		Field:   field,
	}
}

// Forbidden returns an AppError indicating the caller lacks permission.
// HTTP handlers map this to 403 Forbidden.
func Forbidden(message string) *AppError {
	return &AppError{
		Err:     ErrForbidden,
		Message: message,
	}
}

// Unauthorized is returned when no usable credential is present. The message
// never says which credential failed.
func Unauthorized(message string) *AppError {
	return &AppError{
		Err:     ErrUnauthorized,
		Message: message,
	}
}

func CapacityExceeded(resource string, capacity int) *AppError {
	return &AppError{
		Err:     ErrCapacityExceeded,
		Message: fmt.Sprintf("%s cannot hold more than %d participants", resource, capacity),
		Field:   "participants",
	}
}

// Internal wraps an unexpected failure. The cause is kept for logs and errors.Is
// but the message shown to clients stays generic.
func Internal(cause error) *AppError {
	return &AppError{
		Err:     errors.Join(ErrInternal, cause),
		Message: "an internal error occurred",
	}
}
