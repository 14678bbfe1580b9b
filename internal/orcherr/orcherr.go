// Package orcherr implements the error taxonomy every component in this repository
// wraps its failures in: validation, not-found, conflict, transient I/O, adapter
// failure, bus failure, governance gate failure, and fatal.
package orcherr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to branch on handling strategy
// (retry, surface to user, crash) without string-matching messages.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindConflict   Kind = "conflict"
	KindTransient  Kind = "transient"
	KindAdapter    Kind = "adapter"
	KindBus        Kind = "bus"
	KindGovernance Kind = "governance"
	KindFatal      Kind = "fatal"
)

// Error wraps an underlying cause with a Kind so callers can use errors.As.
type Error struct {
	kind    Kind
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *Error) Unwrap() error { return e.cause }

// Kind returns the error's taxonomy classification.
func (e *Error) Kind() Kind { return e.kind }

func newErr(kind Kind, msg string, cause error) *Error {
	return &Error{kind: kind, message: msg, cause: cause}
}

// Validation wraps a validation failure (cycle in DAG, invalid state transition).
func Validation(msg string, cause error) error { return newErr(KindValidation, msg, cause) }

// NotFound wraps a missing-entity failure.
func NotFound(msg string, cause error) error { return newErr(KindNotFound, msg, cause) }

// Conflict wraps a non-exceptional race loss (e.g. claim on an already-assigned task).
// Callers of Conflict-producing operations check the returned value, not the error:
// a lost claim race returns a nil result, not an error.
func Conflict(msg string, cause error) error { return newErr(KindConflict, msg, cause) }

// Transient wraps a retryable I/O failure.
func Transient(msg string, cause error) error { return newErr(KindTransient, msg, cause) }

// Adapter wraps an external adapter failure.
func Adapter(msg string, cause error) error { return newErr(KindAdapter, msg, cause) }

// Bus wraps a pub/sub publish/subscribe failure.
func Bus(msg string, cause error) error { return newErr(KindBus, msg, cause) }

// Governance wraps a phase-gate failure. Per spec this is non-exceptional in normal
// flow (callers inspect a GateResult), but the Kind exists for code paths that must
// surface it as an error (e.g. a CLI wrapper).
func Governance(msg string, cause error) error { return newErr(KindGovernance, msg, cause) }

// Fatal wraps an unrecoverable failure; callers of Fatal-producing paths are expected
// to crash the process with this error as the diagnostic.
func Fatal(msg string, cause error) error { return newErr(KindFatal, msg, cause) }

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.kind == kind
	}
	return false
}
