package proto

import "fmt"

// ErrorCode is the closed taxonomy of typed errors an RPC result may carry.
// Every RPC result is either a typed result or exactly one ErrorCode; never
// both.
type ErrorCode uint8

const (
	ErrNone ErrorCode = iota
	ErrNotFound
	ErrPermissionDenied
	ErrNotADirectory
	ErrNotASymlink
	ErrNoSpace
	ErrBadHandle
	ErrIO
	ErrTimeout
	ErrBusy
	ErrInterrupted
	ErrProtocol
	ErrAuthFailed
	ErrShutdown
	ErrCacheCorrupt
)

func (c ErrorCode) String() string {
	switch c {
	case ErrNone:
		return "None"
	case ErrNotFound:
		return "NotFound"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrNotADirectory:
		return "NotADirectory"
	case ErrNotASymlink:
		return "NotASymlink"
	case ErrNoSpace:
		return "NoSpace"
	case ErrBadHandle:
		return "BadHandle"
	case ErrIO:
		return "IO"
	case ErrTimeout:
		return "Timeout"
	case ErrBusy:
		return "Busy"
	case ErrInterrupted:
		return "Interrupted"
	case ErrProtocol:
		return "ProtocolError"
	case ErrAuthFailed:
		return "AuthFailed"
	case ErrShutdown:
		return "Shutdown"
	case ErrCacheCorrupt:
		return "CacheCorrupt"
	default:
		return "Unknown"
	}
}

// Error is a typed RPC error. It implements the standard error interface so
// it can be passed around like any other Go error, but callers that need to
// distinguish cases (e.g. to retry Timeout/Busy, or to map to an errno at the
// FUSE boundary) should switch on Code.
type Error struct {
	Code ErrorCode
	Msg  string
}

func (e *Error) Error() string {
	if e.Msg == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

// NewError builds an *Error with the given code and a formatted message.
func NewError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// AsError extracts an *Error from a generic error, if there is one in the
// chain. Used at boundaries that need to inspect the code (retry logic,
// errno mapping).
func AsError(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	if pe, ok := err.(*Error); ok {
		return pe, true
	}
	return nil, false
}

// Retryable reports whether spec.md's §7 propagation rules call for local
// retry with capped exponential backoff before surfacing to the kernel.
func (c ErrorCode) Retryable() bool {
	return c == ErrTimeout || c == ErrBusy
}

// Fatal reports whether the error tears down the whole session rather than
// just failing one request.
func (c ErrorCode) Fatal() bool {
	return c == ErrProtocol || c == ErrAuthFailed
}
