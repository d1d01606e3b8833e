// Package errors provides the domain error taxonomy of the reservation
// service, with machine-readable codes and HTTP status mapping.
//
// Usage:
//
//	// In the engine - return typed errors
//	if active != nil {
//	    return errors.DuplicateReservation("requester already holds an active reservation")
//	}
//
//	// In handlers - check with errors.Is
//	if errors.Is(err, errors.ErrAllCopiesClaimed) {
//	    ...
//	}
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Re-export standard library functions for convenience.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	Join   = errors.Join
	New    = errors.New
)

// Code represents a machine-readable error code.
type Code string

// Error codes used throughout the service.
const (
	CodeDuplicateReservation  Code = "DUPLICATE_RESERVATION"
	CodeAllCopiesClaimed      Code = "ALL_COPIES_CLAIMED"
	CodeRequesterUnresolvable Code = "REQUESTER_UNRESOLVABLE"
	CodeInventoryUnavailable  Code = "INVENTORY_UNAVAILABLE"
	CodeNotFound              Code = "NOT_FOUND"
	CodeNotAuthorized         Code = "NOT_AUTHORIZED"
	CodeProjectionWriteFailed Code = "PROJECTION_WRITE_FAILED"
	CodeInvalidTransition     Code = "INVALID_TRANSITION"
	CodeValidation            Code = "VALIDATION"
	CodeUnauthenticated       Code = "UNAUTHENTICATED"
	CodeConflict              Code = "CONFLICT"
	CodeRateLimited           Code = "RATE_LIMITED"
	CodeInternal              Code = "INTERNAL"
)

// HTTPStatus returns the appropriate HTTP status code for an error code.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeDuplicateReservation, CodeAllCopiesClaimed, CodeInvalidTransition, CodeConflict:
		return http.StatusConflict
	case CodeRequesterUnresolvable:
		return http.StatusUnprocessableEntity
	case CodeInventoryUnavailable:
		return http.StatusServiceUnavailable
	case CodeNotAuthorized:
		return http.StatusForbidden
	case CodeUnauthenticated:
		return http.StatusUnauthorized
	case CodeValidation:
		return http.StatusBadRequest
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeProjectionWriteFailed:
		// The operation itself succeeded; the warning travels in the body.
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// Error is a domain error with a code, message, and optional details.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
	cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.cause
}

// Is reports whether target matches this error.
// Matches if target is an *Error with the same Code.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// HTTPStatus returns the HTTP status code for this error.
func (e *Error) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a new error with additional details.
func (e *Error) WithDetails(details any) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: details, cause: e.cause}
}

// WithCause wraps an underlying error.
func (e *Error) WithCause(err error) *Error {
	return &Error{Code: e.Code, Message: e.Message, Details: e.Details, cause: err}
}

// Sentinel errors for use with errors.Is().
var (
	ErrDuplicateReservation  = &Error{Code: CodeDuplicateReservation, Message: "duplicate reservation"}
	ErrAllCopiesClaimed      = &Error{Code: CodeAllCopiesClaimed, Message: "all copies claimed"}
	ErrRequesterUnresolvable = &Error{Code: CodeRequesterUnresolvable, Message: "requester unresolvable"}
	ErrInventoryUnavailable  = &Error{Code: CodeInventoryUnavailable, Message: "inventory unavailable"}
	ErrNotFound              = &Error{Code: CodeNotFound, Message: "not found"}
	ErrNotAuthorized         = &Error{Code: CodeNotAuthorized, Message: "not authorized"}
	ErrProjectionWriteFailed = &Error{Code: CodeProjectionWriteFailed, Message: "projection write failed"}
	ErrInvalidTransition     = &Error{Code: CodeInvalidTransition, Message: "invalid status transition"}
	ErrValidation            = &Error{Code: CodeValidation, Message: "validation error"}
	ErrUnauthenticated       = &Error{Code: CodeUnauthenticated, Message: "not authenticated"}
	ErrConflict              = &Error{Code: CodeConflict, Message: "conflict"}
	ErrRateLimited           = &Error{Code: CodeRateLimited, Message: "rate limited"}
	ErrInternal              = &Error{Code: CodeInternal, Message: "internal error"}
)

// DuplicateReservation creates a duplicate reservation error.
func DuplicateReservation(msg string) *Error {
	return &Error{Code: CodeDuplicateReservation, Message: msg}
}

// AllCopiesClaimed creates an all-copies-claimed error.
func AllCopiesClaimed(msg string) *Error {
	return &Error{Code: CodeAllCopiesClaimed, Message: msg}
}

// RequesterUnresolvable creates a requester unresolvable error.
func RequesterUnresolvable(msg string) *Error {
	return &Error{Code: CodeRequesterUnresolvable, Message: msg}
}

// InventoryUnavailable creates a retryable inventory error.
func InventoryUnavailable(msg string) *Error {
	return &Error{Code: CodeInventoryUnavailable, Message: msg}
}

// NotFound creates a not found error.
func NotFound(msg string) *Error {
	return &Error{Code: CodeNotFound, Message: msg}
}

// NotFoundf creates a not found error with formatted message.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

// NotAuthorized creates a not authorized error.
func NotAuthorized(msg string) *Error {
	return &Error{Code: CodeNotAuthorized, Message: msg}
}

// ProjectionWriteFailed creates a degraded-consistency warning.
func ProjectionWriteFailed(msg string) *Error {
	return &Error{Code: CodeProjectionWriteFailed, Message: msg}
}

// InvalidTransitionf creates an invalid transition error with formatted message.
func InvalidTransitionf(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidTransition, Message: fmt.Sprintf(format, args...)}
}

// Validation creates a validation error.
func Validation(msg string) *Error {
	return &Error{Code: CodeValidation, Message: msg}
}

// ValidationWithDetails creates a validation error with details.
func ValidationWithDetails(msg string, details any) *Error {
	return &Error{Code: CodeValidation, Message: msg, Details: details}
}

// Conflict creates a conflict error.
func Conflict(msg string) *Error {
	return &Error{Code: CodeConflict, Message: msg}
}

// Internal creates an internal error.
func Internal(msg string) *Error {
	return &Error{Code: CodeInternal, Message: msg}
}

// Wrap wraps an error with a code and message.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, cause: err}
}

// Wrapf wraps an error with a code and formatted message.
func Wrapf(err error, code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: err}
}

// Retryable reports whether the caller may retry the failed operation
// unchanged. Only transient collaborator read failures qualify.
func Retryable(err error) bool {
	return errors.Is(err, ErrInventoryUnavailable)
}

// CodeOf returns the domain code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}
