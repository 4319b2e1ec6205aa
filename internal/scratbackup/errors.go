// Package scratbackup defines the error taxonomy shared across the engine.
// Every fallible operation in this module returns an error that, somewhere
// in its wrapping chain, carries one of these kinds — recoverable with
// errors.As regardless of how many fmt.Errorf("...: %w", ...) layers sit
// on top of it.
package scratbackup

import (
	"errors"
	"fmt"
)

// ErrorKind identifies which of the taxonomy's eight kinds an error
// belongs to, independent of its message.
type ErrorKind int

const (
	KindValidation ErrorKind = iota + 1
	KindPassphrase
	KindDestination
	KindTransientIO
	KindSource
	KindIntegrity
	KindCancelled
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation_error"
	case KindPassphrase:
		return "passphrase_error"
	case KindDestination:
		return "destination_error"
	case KindTransientIO:
		return "io_error"
	case KindSource:
		return "source_error"
	case KindIntegrity:
		return "integrity_error"
	case KindCancelled:
		return "cancelled"
	case KindInternal:
		return "internal_error"
	default:
		return "unknown_error"
	}
}

// Error is the taxonomy's concrete error type. Kind is queried by callers
// that need to branch on error category (CLI exit codes, retry policy).
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err (which may be nil) with the given kind and operation name.
func New(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op string, err error) *Error { return New(KindValidation, op, err) }
func Passphrase(op string, err error) *Error { return New(KindPassphrase, op, err) }
func Destination(op string, err error) *Error { return New(KindDestination, op, err) }
func TransientIO(op string, err error) *Error { return New(KindTransientIO, op, err) }
func Source(op string, err error) *Error      { return New(KindSource, op, err) }
func Integrity(op string, err error) *Error   { return New(KindIntegrity, op, err) }
func Cancelled(op string, err error) *Error   { return New(KindCancelled, op, err) }
func Internal(op string, err error) *Error    { return New(KindInternal, op, err) }

// KindOf extracts the ErrorKind from err if it (or anything it wraps) is
// an *Error, returning KindInternal otherwise — an error that never went
// through the taxonomy is itself an invariant violation worth flagging.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
