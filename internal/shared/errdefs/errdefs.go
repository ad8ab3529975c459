// Package errdefs defines the error taxonomy shared by the broker, the
// client runtime and the shared-memory primitives.
//
// Every failure a client can observe maps onto exactly one Code so a
// rejection message names the case that applied:
//   - VersionMismatch: registration rejected, process table unchanged
//   - ResourceExhausted: no free port slot, process table unchanged
//   - StaleSession: message tagged with an outdated session id, discarded
//   - ChannelError: malformed or undeliverable message
//   - Timeout: a bounded wait expired
//   - ShutdownInProgress: the broker is tearing down
package errdefs

import (
	"errors"
	"fmt"
)

var (
	ErrVersionMismatch    = errors.New("version mismatch")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrStaleSession       = errors.New("stale session")
	ErrChannel            = errors.New("channel error")
	ErrTimeout            = errors.New("timeout")
	ErrShutdownInProgress = errors.New("shutdown in progress")
)

// Code is the wire representation of an error in a reply message.
type Code int

const (
	CodeNone Code = iota
	CodeVersionMismatch
	CodeResourceExhausted
	CodeStaleSession
	CodeChannelError
	CodeTimeout
	CodeShutdownInProgress
	CodeUnknown
)

// String returns the string representation of the code
func (c Code) String() string {
	switch c {
	case CodeNone:
		return "none"
	case CodeVersionMismatch:
		return "version-mismatch"
	case CodeResourceExhausted:
		return "resource-exhausted"
	case CodeStaleSession:
		return "stale-session"
	case CodeChannelError:
		return "channel-error"
	case CodeTimeout:
		return "timeout"
	case CodeShutdownInProgress:
		return "shutdown-in-progress"
	default:
		return "unknown"
	}
}

// Err returns the sentinel error for the code, nil for CodeNone.
func (c Code) Err() error {
	switch c {
	case CodeNone:
		return nil
	case CodeVersionMismatch:
		return ErrVersionMismatch
	case CodeResourceExhausted:
		return ErrResourceExhausted
	case CodeStaleSession:
		return ErrStaleSession
	case CodeChannelError:
		return ErrChannel
	case CodeTimeout:
		return ErrTimeout
	case CodeShutdownInProgress:
		return ErrShutdownInProgress
	default:
		return fmt.Errorf("unknown error code %d", int(c))
	}
}

// CodeOf maps an error (possibly wrapped) onto its wire code.
func CodeOf(err error) Code {
	switch {
	case err == nil:
		return CodeNone
	case errors.Is(err, ErrVersionMismatch):
		return CodeVersionMismatch
	case errors.Is(err, ErrResourceExhausted):
		return CodeResourceExhausted
	case errors.Is(err, ErrStaleSession):
		return CodeStaleSession
	case errors.Is(err, ErrChannel):
		return CodeChannelError
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrShutdownInProgress):
		return CodeShutdownInProgress
	default:
		return CodeUnknown
	}
}
