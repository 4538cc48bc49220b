// Package engine implements the write pipeline of the object store:
// validation and casting, change detection, security stamping, rename
// propagation, relations, and the broadcast hook.
package engine

import (
	"fmt"
	"strings"
)

// Code classifies every engine failure.
type Code string

const (
	CodeInvalidParams    Code = "invalid_params"
	CodeNotFound         Code = "not_found"
	CodeForbidden        Code = "forbidden"
	CodeValidationFailed Code = "validation_failed"
	CodeUnique           Code = "unique"
	CodeInvalidRelation  Code = "invalid_relation"
	CodeStorageError     Code = "storage_error"
)

// FieldError is one per-property validation failure.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error is the engine's typed failure, carrying the taxonomy code, an
// optional per-field error list, and free-form context.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Errors  []FieldError   `json:"errors,omitempty"`
	Context map[string]any `json:"context,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if len(e.Errors) > 0 {
		paths := make([]string, 0, len(e.Errors))
		for _, fe := range e.Errors {
			paths = append(paths, fe.Path)
		}
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, strings.Join(paths, ", "))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// NewError builds an engine error.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithContext attaches context to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// WrapStorage wraps a backend failure as a storage_error, preserving cause.
func WrapStorage(err error, format string, args ...any) *Error {
	return &Error{
		Code:    CodeStorageError,
		Message: fmt.Sprintf(format, args...) + ": " + err.Error(),
		cause:   err,
	}
}

// ValidationError builds a validation_failed error from a field error list.
func ValidationError(errs []FieldError) *Error {
	return &Error{
		Code:    CodeValidationFailed,
		Message: "validation failed",
		Errors:  errs,
	}
}
