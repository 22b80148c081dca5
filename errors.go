package scrub

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is the scrub engine's structured error type: every failure
// surfaced across a package boundary carries the operation, the device
// and logical range involved, and an error-taxonomy code (§7 "Error
// Handling Design").
type Error struct {
	Op      string  // operation that failed (e.g. "scrub_start", "recover")
	Device  uint64  // device id (0 if not applicable)
	Logical int64   // logical offset (-1 if not applicable)
	Mirror  int     // mirror index (-1 if not applicable)
	Code    Code    // high-level error category
	Errno   syscall.Errno
	Msg     string
	Inner   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Device != 0 {
		parts = append(parts, fmt.Sprintf("dev=%d", e.Device))
	}
	if e.Logical >= 0 {
		parts = append(parts, fmt.Sprintf("logical=%d", e.Logical))
	}
	if e.Mirror >= 0 {
		parts = append(parts, fmt.Sprintf("mirror=%d", e.Mirror))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("scrub: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("scrub: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support, matching on error code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// Code is the error taxonomy spec.md §7 names.
type Code string

const (
	// CodeTransientIO is a single-mirror read failure, recoverable from
	// other mirrors.
	CodeTransientIO Code = "transient I/O error"
	// CodeChecksum is a payload checksum mismatch, same recovery path
	// as a transient I/O error.
	CodeChecksum Code = "checksum error"
	// CodeHeaderGeneration is a metadata header/generation mismatch.
	CodeHeaderGeneration Code = "header/generation error"
	// CodeUncorrectable means all mirrors were bad, or no good page
	// set could be found.
	CodeUncorrectable Code = "uncorrectable error"
	// CodeSuperBlock is reported-only; repaired out-of-band.
	CodeSuperBlock Code = "super-block error"
	// CodeResource is an allocation failure (malloc_errors).
	CodeResource Code = "resource error"
	// CodeStructural is a layout-invariant violation (stripe-spanning
	// tree block, RAID map mismatch) — logged, item skipped.
	CodeStructural Code = "structural error"
	// CodeCancelled is a cooperative cancellation, not a data fault.
	CodeCancelled Code = "cancelled"
	// CodePaused is a cooperative pause signal, not a data fault.
	CodePaused Code = "paused"
	// CodeInvalidArgument covers invalid preconditions: device
	// missing, replace-in-progress conflict, nodesize > stripe length.
	CodeInvalidArgument Code = "invalid argument"
	// CodeOutOfMemory is resource exhaustion surfaced to the operator
	// entry points (§6 "Exit codes / error mapping").
	CodeOutOfMemory Code = "out of memory"
)

// NewError creates a structured error with no device/logical context.
func NewError(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, Logical: -1, Mirror: -1}
}

// NewDeviceError creates a device-scoped structured error.
func NewDeviceError(op string, device uint64, code Code, msg string) *Error {
	return &Error{Op: op, Device: device, Code: code, Msg: msg, Logical: -1, Mirror: -1}
}

// NewBlockError creates a structured error scoped to one block's logical
// offset and mirror index — the shape most §7 per-block warnings use.
func NewBlockError(op string, device uint64, logical int64, mirror int, code Code, msg string) *Error {
	return &Error{Op: op, Device: device, Logical: logical, Mirror: mirror, Code: code, Msg: msg}
}

// WrapError wraps an existing error with scrub context, preserving an
// already-structured error's fields and updating only Op.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if se, ok := inner.(*Error); ok {
		return &Error{
			Op: op, Device: se.Device, Logical: se.Logical, Mirror: se.Mirror,
			Code: se.Code, Errno: se.Errno, Msg: se.Msg, Inner: se.Inner,
		}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op: op, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(),
			Inner: inner, Logical: -1, Mirror: -1,
		}
	}
	return &Error{Op: op, Code: CodeTransientIO, Msg: inner.Error(), Inner: inner, Logical: -1, Mirror: -1}
}

func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInvalidArgument
	case syscall.ENOMEM, syscall.ENOSPC:
		return CodeOutOfMemory
	case syscall.ENOENT, syscall.EBUSY:
		return CodeInvalidArgument
	default:
		return CodeTransientIO
	}
}

// IsCode reports whether err is a *Error (directly or via errors.As)
// with the given code.
func IsCode(err error, code Code) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
