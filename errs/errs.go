// Package errs implements the platform-style error taxonomy shared by the
// scheduler and module registry (spec §6: "Error taxonomy (surface)").
package errs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the recognized POSIX-errno-style error categories.
type Kind int

const (
	// KindInvalidArgument maps to EINVAL.
	KindInvalidArgument Kind = iota
	// KindNotFound maps to ENOENT.
	KindNotFound
	// KindAlreadyExists maps to EEXIST.
	KindAlreadyExists
	// KindPermissionDenied maps to EACCES.
	KindPermissionDenied
	// KindNoMemory maps to ENOMEM.
	KindNoMemory
	// KindResourceBusy maps to EBUSY.
	KindResourceBusy
	// KindDeadlock maps to EDEADLK.
	KindDeadlock
	// KindNotSupported maps to ENOTSUP.
	KindNotSupported
	// KindTimeout maps to ETIMEDOUT.
	KindTimeout
	// KindCancelled has no direct errno equivalent; used for cooperative aborts.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "invalid argument"
	case KindNotFound:
		return "not found"
	case KindAlreadyExists:
		return "already exists"
	case KindPermissionDenied:
		return "permission denied"
	case KindNoMemory:
		return "no memory"
	case KindResourceBusy:
		return "resource busy"
	case KindDeadlock:
		return "deadlock"
	case KindNotSupported:
		return "operation not supported"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	default:
		return "unknown error kind"
	}
}

// Error is the opaque error value every scheduler/registry operation
// returns on failure: a Kind plus an optional human-readable description.
type Error struct {
	Kind Kind
	Desc string
	// cause is wrapped with github.com/pkg/errors at construction so a
	// stack trace is available at the point the error first crossed a
	// package boundary, per SPEC_FULL §10.2.
	cause error
}

func (e *Error) Error() string {
	if e.Desc == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Desc)
}

// Unwrap lets errors.Is/As see through to the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error of the given kind with a description.
func New(kind Kind, desc string) *Error {
	return &Error{Kind: kind, Desc: desc, cause: errors.New(desc)}
}

// Wrap builds an Error of the given kind, attaching cause's stack trace.
func Wrap(kind Kind, cause error, desc string) *Error {
	if cause == nil {
		return New(kind, desc)
	}
	return &Error{Kind: kind, Desc: desc, cause: errors.Wrap(cause, desc)}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Convenience constructors for the taxonomy's most common members.

func NotFound(desc string) *Error         { return New(KindNotFound, desc) }
func AlreadyExists(desc string) *Error    { return New(KindAlreadyExists, desc) }
func InvalidArgument(desc string) *Error  { return New(KindInvalidArgument, desc) }
func NoMemory(desc string) *Error         { return New(KindNoMemory, desc) }
func ResourceBusy(desc string) *Error     { return New(KindResourceBusy, desc) }
func Deadlock(desc string) *Error         { return New(KindDeadlock, desc) }
func NotSupported(desc string) *Error     { return New(KindNotSupported, desc) }
func Timeout(desc string) *Error          { return New(KindTimeout, desc) }
func Cancelled(desc string) *Error        { return New(KindCancelled, desc) }
func PermissionDenied(desc string) *Error { return New(KindPermissionDenied, desc) }
