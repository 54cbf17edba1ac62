package goishmem

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Code is a high-level error category, mirroring the taxonomy in the
// setup/transient-IPC/programmer/backend-dispatch split: every fatal path
// through Init or Finalize, and every non-fatal collective return status,
// carries one of these.
type Code string

const (
	CodeNoDevice           Code = "no device"
	CodeNoDriver           Code = "no driver"
	CodeDeviceRuntime      Code = "device runtime error"
	CodeIPCExchange        Code = "ipc exchange failure"
	CodeBackendInit        Code = "backend init failure"
	CodeInvalidRuntime     Code = "invalid runtime selection"
	CodeTransientIPC       Code = "transient ipc error"
	CodeInvalidPointer     Code = "unaligned or out-of-heap pointer"
	CodeInvalidPE          Code = "invalid pe id"
	CodeInvalidComparison  Code = "invalid comparison constant"
	CodeInvalidTeam        Code = "invalid team handle"
	CodeUnsupportedOp      Code = "unsupported (op, type)"
	CodeNotInitialized     Code = "library not initialized"
	CodeAlreadyInitialized Code = "library already initialized"
	CodeHeapExhausted      Code = "symmetric heap exhausted"
)

// Error is the structured error type every goishmem entry point returns or
// panics with on a fatal path. Op names the failing operation, PE and Team
// are -1 when not applicable.
type Error struct {
	Op    string
	PE    int
	Team  int
	Code  Code
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.PE >= 0 {
		parts = append(parts, fmt.Sprintf("pe=%d", e.PE))
	}
	if e.Team >= 0 {
		parts = append(parts, fmt.Sprintf("team=%d", e.Team))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		return fmt.Sprintf("goishmem: %s (%s)", msg, strings.Join(parts, " "))
	}
	return fmt.Sprintf("goishmem: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports both structured-Error comparison and the legacy ShmemError
// string-const comparison, for callers that only care about the category.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if se, ok := target.(ShmemError); ok {
		return e.Code == Code(se)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ShmemError is a legacy string-constant error kept for callers that
// compare against a bare category rather than the structured Error.
type ShmemError string

func (e ShmemError) Error() string { return string(e) }

const (
	ErrNotInitialized     ShmemError = ShmemError(CodeNotInitialized)
	ErrAlreadyInitialized ShmemError = ShmemError(CodeAlreadyInitialized)
	ErrInvalidPE          ShmemError = ShmemError(CodeInvalidPE)
	ErrHeapExhausted      ShmemError = ShmemError(CodeHeapExhausted)
)

func newError(op string, code Code, msg string) *Error {
	return &Error{Op: op, PE: -1, Team: -1, Code: code, Msg: msg}
}

func newPEError(op string, pe int, code Code, msg string) *Error {
	return &Error{Op: op, PE: pe, Team: -1, Code: code, Msg: msg}
}

func newTeamError(op string, team int, code Code, msg string) *Error {
	return &Error{Op: op, PE: -1, Team: team, Code: code, Msg: msg}
}

// wrapError wraps an existing error under goishmem's structured error type,
// mapping a bare syscall.Errno onto the error taxonomy where possible.
func wrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ge, ok := inner.(*Error); ok {
		return &Error{Op: op, PE: ge.PE, Team: ge.Team, Code: ge.Code, Errno: ge.Errno, Msg: ge.Msg, Inner: ge.Inner}
	}
	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{Op: op, PE: -1, Team: -1, Code: mapErrnoToCode(errno), Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	return &Error{Op: op, PE: -1, Team: -1, Code: CodeDeviceRuntime, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.EAGAIN:
		return CodeTransientIPC
	case syscall.ENOTCONN, syscall.ECONNREFUSED:
		return CodeIPCExchange
	case syscall.EINVAL:
		return CodeInvalidPointer
	case syscall.ENOMEM, syscall.ENOSPC:
		return CodeHeapExhausted
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return CodeInvalidRuntime
	default:
		return CodeDeviceRuntime
	}
}

// IsCode reports whether err (or anything it wraps) is a *Error with the
// given Code.
func IsCode(err error, code Code) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code == code
	}
	return false
}

// IsErrno reports whether err (or anything it wraps) is a *Error carrying
// the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Errno == errno
	}
	return false
}
