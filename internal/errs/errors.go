// Package errs provides the structured error type shared by every
// package in this module, following the teacher's errors.go pattern:
// a typed Code plus Op/Inner context, with errors.Is/As support.
package errs

import (
	"errors"
	"fmt"
)

// Code is a high-level error category, mapping onto spec.md §7's error
// kinds.
type Code string

const (
	// CodeIOError is a transient I/O failure: a meta write or bitmap
	// write failed. May escalate to device-wide meta-I/O error and
	// force-detach.
	CodeIOError Code = "I/O error"
	// CodeNoDevice means the disk is not attached or in insufficient
	// state for the operation.
	CodeNoDevice Code = "no device"
	// CodeWouldBlock is returned by non-blocking acquirers that find no
	// slot available.
	CodeWouldBlock Code = "would block"
	// CodeBusy is returned by non-blocking acquirers that lose to
	// contention (e.g. an overlapping resync extent claimed the region
	// but hasn't elevated priority yet).
	CodeBusy Code = "busy"
	// CodeInterrupted is returned by an interruptible wait that was
	// cancelled.
	CodeInterrupted Code = "interrupted"
	// CodeLogicError marks an invariant violation: unknown slot on
	// complete_io, refcount underflow, worker reentrancy. Fatal in the
	// original; here it is still returned as an error rather than
	// panicking the process, except where the invariant is a
	// programmer error that can never legitimately occur (see
	// internal/lru's refcount-underflow panic).
	CodeLogicError Code = "logic error"
)

// Error is this module's structured error type.
type Error struct {
	Op    string
	Code  Code
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("actlog: %s: %s", e.Op, msg)
	}
	return fmt.Sprintf("actlog: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// New creates a structured error with no wrapped cause.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// Wrap attaches op/code context to an existing error.
func Wrap(op string, code Code, inner error) *Error {
	if inner == nil {
		return nil
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
