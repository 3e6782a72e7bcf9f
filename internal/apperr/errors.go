// Package apperr defines the error taxonomy shared by the room and game
// services and the HTTP/WebSocket transport that maps it to status codes.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// KindInternal covers store/notifier faults the caller can't fix.
	KindInternal Kind = iota
	// KindNotFound covers a missing room, connection, or resume token.
	KindNotFound
	// KindForbidden covers a caller lacking authority for the action.
	KindForbidden
	// KindConflict covers a violated precondition (wrong phase, already
	// voted, bounds exceeded, stale deadline).
	KindConflict
	// KindValidation covers a malformed request body.
	KindValidation
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindForbidden:
		return "forbidden"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	default:
		return "internal"
	}
}

// Error is the concrete error type returned by room and game operations.
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

func (e *Error) Unwrap() error { return e.Cause }

func new_(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// NotFound builds a KindNotFound error.
func NotFound(format string, args ...any) *Error { return new_(KindNotFound, format, args...) }

// Forbidden builds a KindForbidden error.
func Forbidden(format string, args ...any) *Error { return new_(KindForbidden, format, args...) }

// Conflict builds a KindConflict error.
func Conflict(format string, args ...any) *Error { return new_(KindConflict, format, args...) }

// Validation builds a KindValidation error.
func Validation(format string, args ...any) *Error { return new_(KindValidation, format, args...) }

// Internal wraps a lower-level fault (store, notifier) as KindInternal.
func Internal(cause error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the Kind of err, defaulting to KindInternal for any
// error that isn't an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
