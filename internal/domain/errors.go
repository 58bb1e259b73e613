package domain

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	CodeInvalidArgument     ErrorCode = "invalid_argument"
	CodeNotFound            ErrorCode = "not_found"
	CodeConflict            ErrorCode = "conflict"
	CodeUnavailable         ErrorCode = "unavailable"
	CodeExternalCheckFailed ErrorCode = "external_check_failed"
	CodeUnauthenticated     ErrorCode = "unauthenticated"
	CodeInternal            ErrorCode = "internal"
)

type AppError struct {
	Code    ErrorCode
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// InvalidArgument reports malformed input: bad timestamps, config blobs, or request fields.
func InvalidArgument(message string) *AppError {
	return &AppError{Code: CodeInvalidArgument, Message: message}
}

func NotFound(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

// Conflict reports a uniqueness or foreign-key violation.
func Conflict(message string, cause error) *AppError {
	return &AppError{Code: CodeConflict, Message: message, Cause: cause}
}

// Unavailable reports an I/O or connection failure of the backing store.
func Unavailable(message string, cause error) *AppError {
	return &AppError{Code: CodeUnavailable, Message: message, Cause: cause}
}

// ExternalCheck reports a network or content failure inside a handler check.
func ExternalCheck(message string, cause error) *AppError {
	return &AppError{Code: CodeExternalCheckFailed, Message: message, Cause: cause}
}

func Unauthenticated(message string) *AppError {
	return &AppError{Code: CodeUnauthenticated, Message: message}
}

func Internal(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Cause: cause}
}

func AsAppError(err error) (*AppError, bool) {
	if err == nil {
		return nil, false
	}
	var typed *AppError
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// IsCode reports whether err carries an AppError with the given code anywhere in its chain.
func IsCode(err error, code ErrorCode) bool {
	typed, ok := AsAppError(err)
	return ok && typed.Code == code
}
