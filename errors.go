package strata

import (
	"errors"
	"fmt"
)

// Kind is the stable machine-readable category of an engine error.
//
// Kinds are part of the engine contract: callers (and binding layers) must be
// able to branch on the category without parsing message text.
type Kind int

const (
	// KindUnknown is the zero value; it is never produced by the engine itself.
	KindUnknown Kind = iota

	// KindNotFound indicates a missing key, branch, space, collection,
	// document or cell on a read or a mutating-on-missing operation.
	KindNotFound

	// KindValidation indicates malformed input: an unrecognized metric,
	// a non-finite vector component, a malformed JSON path.
	KindValidation

	// KindConflict indicates a version clash, a failed state transition or a
	// transaction conflict on commit.
	KindConflict

	// KindState indicates an operation that is invalid for the current state:
	// no active transaction, a branch or space that already exists or is closed.
	KindState

	// KindConstraint indicates a violated structural invariant, such as a
	// vector dimension mismatch.
	KindConstraint

	// KindAccessDenied indicates insufficient permission, e.g. a write against
	// a read-only handle.
	KindAccessDenied

	// KindIO indicates a storage, serialization or internal failure.
	KindIO
)

// String returns the canonical name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindState:
		return "state"
	case KindConstraint:
		return "constraint"
	case KindAccessDenied:
		return "access_denied"
	case KindIO:
		return "io"
	default:
		return "unknown"
	}
}

// Error is the structured error type returned by every engine operation.
//
// The Kind is carried as a field, not encoded in the message, so a binding
// layer can reconstruct a typed error deterministically.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("strata: %s: %s", e.Op, e.Message)
	}
	return "strata: " + e.Message
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is an *Error with the same Kind.
// This makes errors.Is(err, &Error{Kind: KindNotFound}) work as a category check.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// newError creates an engine error with the given kind.
func newError(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// wrapError wraps a cause into an engine error, preserving it for Unwrap.
func wrapError(kind Kind, op string, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...), cause: cause}
}

// KindOf extracts the error category from any error returned by the engine.
// It returns KindUnknown for nil or foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsNotFound reports whether err carries KindNotFound.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

// IsConflict reports whether err carries KindConflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// translateError normalizes internal package errors into the public contract.
//
// Internal packages return their own errors; the boundary maps anything that
// is not already an *Error onto KindIO exactly once so the category survives
// wrapping.
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return err
	}

	return wrapError(KindIO, op, err, "%v", err)
}
