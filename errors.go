// Package actlog implements the activity-log / resync-tracker core of
// a block-level synchronous replication engine: an on-disk journal of
// hot write regions for bounded post-crash resync, and a tracker that
// mediates between application writes and the background resync they
// race against.
package actlog

import "github.com/nblockio/actlog/internal/errs"

// Code, Error and the error constructors are re-exported from
// internal/errs so callers outside this module see one error type
// regardless of which subsystem raised it (mirrors the teacher's
// single root-level Error type spanning ctrl/queue/backend errors).
type Code = errs.Code

type Error = errs.Error

const (
	CodeIOError     = errs.CodeIOError
	CodeNoDevice    = errs.CodeNoDevice
	CodeWouldBlock  = errs.CodeWouldBlock
	CodeBusy        = errs.CodeBusy
	CodeInterrupted = errs.CodeInterrupted
	CodeLogicError  = errs.CodeLogicError
)

// NewError creates a structured error with no wrapped cause.
func NewError(op string, code Code, msg string) *Error { return errs.New(op, code, msg) }

// WrapError attaches op/code context to an existing error.
func WrapError(op string, code Code, inner error) *Error { return errs.Wrap(op, code, inner) }

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code Code) bool { return errs.IsCode(err, code) }

// ErrNoBackend is returned by NewDevice when constructed without a
// metadata backend, the one parameter every subsystem depends on.
var ErrNoBackend = errs.New("new_device", errs.CodeNoDevice, "no metadata backend supplied")
