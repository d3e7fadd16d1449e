package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is the machine-readable classification of an engine error.
type ErrorCode string

const (
	CodeValidation      ErrorCode = "VALIDATION"
	CodeConflict        ErrorCode = "CONFLICT"
	CodeResourceBusy    ErrorCode = "RESOURCE_BUSY"
	CodeBlockedByPolicy ErrorCode = "BLOCKED_BY_POLICY"
	CodeExpired         ErrorCode = "EXPIRED"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeUnauthorized    ErrorCode = "UNAUTHORIZED"
	CodeForbidden       ErrorCode = "FORBIDDEN"
	CodeInternal        ErrorCode = "INTERNAL"
)

// Error is a coded engine error. Check and repair violations are never
// surfaced through this type; they are returned as data.
type Error struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// E builds a coded error.
func E(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// EWrap builds a coded error wrapping a cause.
func EWrap(code ErrorCode, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// WithDetails attaches structured detail for the error envelope.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// CodeOf extracts the error code, defaulting to INTERNAL for plain errors.
func CodeOf(err error) ErrorCode {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// IsCode reports whether err carries the given code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
