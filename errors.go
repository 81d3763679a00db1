// Package kernel provides the root identity of the microkernel core: its
// structured error type and runtime metrics, shared by every internal/
// package (spec.md §7, §6 "Metrics").
package kernel

import (
	"errors"
	"fmt"
)

// Error represents a structured kernel error with operation context and a
// Family classification (spec.md §7).
type Error struct {
	Op     string  // Operation that failed (e.g., "syscallHandle", "requestServer")
	PID    uint64  // Process ID (0 if not applicable)
	TID    uint64  // Thread ID (0 if not applicable)
	Code   ErrorCode // High-level error category
	Family Family    // Which of the four families Code belongs to
	Msg    string    // Human-readable message
	Inner  error     // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.PID != 0 {
		parts = append(parts, fmt.Sprintf("pid=%d", e.PID))
	}
	if e.TID != 0 {
		parts = append(parts, fmt.Sprintf("tid=%d", e.TID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("kernel: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("kernel: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support, comparing by Code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// Family groups error codes into the four outcomes spec.md §7 requires a
// handler distinguish: a caller mistake, a resource limit, a policy
// violation, or a condition the kernel cannot recover from.
type Family int

const (
	// ErrProgrammer marks a caller-contract violation: bad argument, null
	// slot, out-of-range syscall number. Terminates the offending thread.
	ErrProgrammer Family = iota
	// ErrResource marks exhaustion of a bounded table or pool: socket
	// table full, backlog full, physical memory exhausted. Returned to
	// the caller as a negative status; the thread survives.
	ErrResource
	// ErrPolicy marks a permission/authorization failure: a non-lumen
	// thread addressing sd=0, an unprivileged thread issuing a
	// kernel-intrinsic request.
	ErrPolicy
	// ErrFatal marks a condition the kernel cannot recover from: a
	// corrupted scheduler invariant, a lock acquired out of order. Logged
	// and escalated to a full halt, never just returned to the caller.
	ErrFatal
)

func (f Family) String() string {
	switch f {
	case ErrProgrammer:
		return "programmer"
	case ErrResource:
		return "resource"
	case ErrPolicy:
		return "policy"
	case ErrFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrorCode represents a high-level error category within a Family.
type ErrorCode string

const (
	ErrCodeInvalidSyscall   ErrorCode = "invalid syscall number"
	ErrCodeNullSlot         ErrorCode = "null syscall slot"
	ErrCodeBadAddress       ErrorCode = "bad user address"
	ErrCodeSocketTableFull  ErrorCode = "socket table full"
	ErrCodeBacklogFull      ErrorCode = "listen backlog full"
	ErrCodeOutOfMemory      ErrorCode = "physical memory exhausted"
	ErrCodeNoVirtualSpace   ErrorCode = "no free virtual address range"
	ErrCodeNotLumen         ErrorCode = "caller is not lumen or its child"
	ErrCodeWouldBlock       ErrorCode = "operation would block"
	ErrCodeLumenImageAbsent ErrorCode = "lumen boot image absent"
	ErrCodeSchedulerCorrupt ErrorCode = "scheduler invariant violated"
)

var codeFamily = map[ErrorCode]Family{
	ErrCodeInvalidSyscall:   ErrProgrammer,
	ErrCodeNullSlot:         ErrProgrammer,
	ErrCodeBadAddress:       ErrProgrammer,
	ErrCodeSocketTableFull:  ErrResource,
	ErrCodeBacklogFull:      ErrResource,
	ErrCodeOutOfMemory:      ErrResource,
	ErrCodeNoVirtualSpace:   ErrResource,
	ErrCodeNotLumen:         ErrPolicy,
	ErrCodeWouldBlock:       ErrResource,
	ErrCodeLumenImageAbsent: ErrFatal,
	ErrCodeSchedulerCorrupt: ErrFatal,
}

// NewError creates a structured error, resolving its Family from Code.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Family: codeFamily[code], Msg: msg}
}

// NewThreadError creates a structured error scoped to a specific thread.
func NewThreadError(op string, pid, tid uint64, code ErrorCode, msg string) *Error {
	return &Error{Op: op, PID: pid, TID: tid, Code: code, Family: codeFamily[code], Msg: msg}
}

// WrapError wraps an existing error with kernel context, preserving the
// inner error's Code/Family if it is already structured.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ke, ok := inner.(*Error); ok {
		return &Error{Op: op, PID: ke.PID, TID: ke.TID, Code: ke.Code, Family: ke.Family, Msg: ke.Msg, Inner: ke.Inner}
	}
	return &Error{Op: op, Code: ErrCodeWouldBlock, Family: ErrResource, Msg: inner.Error(), Inner: inner}
}

// IsCode checks if an error matches a specific error code.
func IsCode(err error, code ErrorCode) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Code == code
	}
	return false
}

// IsFamily checks if an error belongs to a specific family.
func IsFamily(err error, f Family) bool {
	var ke *Error
	if errors.As(err, &ke) {
		return ke.Family == f
	}
	return false
}
