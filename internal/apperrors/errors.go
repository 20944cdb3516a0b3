// Package apperrors defines the tagged error kinds used across rexml.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on it.
type Kind string

// Error kinds.
const (
	KindNotFound        Kind = "NOT_FOUND"
	KindConflict        Kind = "CONFLICT"
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	KindUpstream        Kind = "UPSTREAM_FAILURE"
	KindStorage         Kind = "STORAGE_FAILURE"
	KindInternal        Kind = "INTERNAL_ERROR"
)

// Error is an application error carrying a Kind and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates an Error without a cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to err.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Cause: err}
}

// KindOf returns the kind of the outermost *Error in err's chain.
// Errors that carry no kind are reported as KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
