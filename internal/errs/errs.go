// Package errs defines the closed set of failures a room operation can end
// with. Callers branch on the Code, never on message text.
package errs

import (
	"errors"
	"fmt"
)

// Code categorizes a room operation failure.
type Code string

const (
	// LockTimeout means the room lock could not be acquired within the retry
	// budget. Nothing was written.
	LockTimeout Code = "LOCK_TIMEOUT"

	// VersionMismatch means the submitted version was not the stored one.
	// It is an expected outcome of optimistic concurrency, not a fault.
	VersionMismatch Code = "VERSION_MISMATCH"

	// HookRejected means a connection guard or init hook refused the request.
	HookRejected Code = "HOOK_REJECTED"

	// Unknown covers storage and apply failures. They always propagate.
	Unknown Code = "UNKNOWN"
)

// Error is a room operation failure with enough context to log it.
type Error struct {
	Code Code

	// Op names the failing operation, e.g. "updateDoc".
	Op string

	// Room is "<namespace>/<room>" when known.
	Room string

	Err error
}

func (e *Error) Error() string {
	msg := string(e.Code)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Room != "" {
		msg += fmt.Sprintf(" (room=%s)", e.Room)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error.
func New(code Code, op, room string, err error) *Error {
	return &Error{Code: code, Op: op, Room: room, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, Unknown for any
// other non-nil error and "" for nil.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Unknown
}

// IsLockTimeout reports whether err is a lock acquisition timeout.
func IsLockTimeout(err error) bool {
	return CodeOf(err) == LockTimeout
}

// IsHookRejected reports whether err is a hook rejection.
func IsHookRejected(err error) bool {
	return CodeOf(err) == HookRejected
}

// Reject wraps a hook's refusal. A nil reason gets a generic message so the
// client still sees something in initFailed.
func Reject(op, room string, reason error) *Error {
	if reason == nil {
		reason = errors.New("rejected")
	}
	return New(HookRejected, op, room, reason)
}
