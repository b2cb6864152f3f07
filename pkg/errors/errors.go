// Package errors provides structured error types for forge.
//
// This package defines error codes and types that enable:
//   - Consistent error handling across the CLI and the library packages
//   - Machine-readable error codes for programmatic handling
//   - User-facing messages that carry context (tiers searched, hashes)
//
// # Error Codes
//
// Error codes follow a hierarchical naming convention:
//   - INVALID_*: Input validation failures
//   - NOT_FOUND / CONSTRAINT_UNSATISFIABLE: Resolution outcomes
//   - CYCLE_DETECTED / INTEGRITY_MISMATCH: Structural and trust violations
//   - NETWORK_*: Registry transport errors
//   - INTERNAL_*: Unexpected internal errors
//
// # Usage
//
//	err := errors.New(errors.ErrCodeNotFound, "agent %q not found", name).
//	    WithDetail("searched", "local -> global -> registry:main")
//	if errors.Is(err, errors.ErrCodeNotFound) {
//	    // Handle missing definition
//	}
//
//	// Wrap existing errors
//	err := errors.Wrap(errors.ErrCodeNetwork, origErr, "failed to fetch %s", url)
package errors

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Code represents a machine-readable error code.
type Code string

// Error codes for different error categories.
const (
	// Input validation errors
	ErrCodeInvalidInput      Code = "INVALID_INPUT"
	ErrCodeInvalidDefinition Code = "INVALID_DEFINITION"
	ErrCodeInvalidConstraint Code = "INVALID_CONSTRAINT"
	ErrCodeInvalidLockfile   Code = "INVALID_LOCKFILE"
	ErrCodeInvalidPath       Code = "INVALID_PATH"

	// Resolution errors
	ErrCodeNotFound                Code = "NOT_FOUND"
	ErrCodeConstraintUnsatisfiable Code = "CONSTRAINT_UNSATISFIABLE"
	ErrCodeVersionConflict         Code = "VERSION_CONFLICT"

	// Structural and trust errors. These always propagate unmodified.
	ErrCodeCycleDetected     Code = "CYCLE_DETECTED"
	ErrCodeIntegrityMismatch Code = "INTEGRITY_MISMATCH"

	// Cache errors
	ErrCodeCacheCorrupt Code = "CACHE_CORRUPT"
	ErrCodeCache        Code = "CACHE_ERROR"

	// Fork errors
	ErrCodeForkExists   Code = "FORK_EXISTS"
	ErrCodeForkNotFound Code = "FORK_NOT_FOUND"

	// Network errors
	ErrCodeNetwork      Code = "NETWORK_ERROR"
	ErrCodeTimeout      Code = "TIMEOUT"
	ErrCodeUnauthorized Code = "UNAUTHORIZED"

	// Configuration errors
	ErrCodeConfig Code = "CONFIG_ERROR"

	// Internal errors
	ErrCodeInternal    Code = "INTERNAL_ERROR"
	ErrCodeUnsupported Code = "UNSUPPORTED"
)

// Error is a structured error with a code, optional cause and details.
type Error struct {
	Code    Code           // Machine-readable error code
	Message string         // Human-readable message
	Cause   error          // Underlying error (optional)
	Details map[string]any // Extra context such as the tier-search order (optional)
}

// Error implements the error interface.
// Details are appended in key order so messages are stable.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		parts := make([]string, 0, len(e.Details))
		for _, k := range slices.Sorted(maps.Keys(e.Details)) {
			parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail attaches a key/value pair to the error and returns it.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates a new Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap creates a new Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Is reports whether err has the given error code.
// It unwraps the error chain looking for an *Error with a matching code,
// so an outer error with a different code does not hide an inner match.
func Is(err error, code Code) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.Cause
	}
	return false
}

// As is the standard library's errors.As, so callers need a single errors
// import.
func As(err error, target any) bool { return errors.As(err, target) }

// GetCode extracts the outermost error code from an error, if available.
// Returns empty string if the error is not an *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Detail returns the detail stored under key on the outermost *Error.
func Detail(err error, key string) (any, bool) {
	var e *Error
	if errors.As(err, &e) && e.Details != nil {
		v, ok := e.Details[key]
		return v, ok
	}
	return nil, false
}

// UserMessage returns a user-friendly message for the error.
// For *Error types, returns the message and details without the code prefix.
// For other errors, returns the error string as-is.
func UserMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	msg := e.Message
	if v, ok := e.Details["searched"]; ok {
		msg += fmt.Sprintf(" (searched: %v)", v)
	}
	return msg
}
