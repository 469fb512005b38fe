// Package pmcerr defines the closed error taxonomy shared by every
// component of the daemon (spec §7).
package pmcerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error classes a caller might want to switch on.
type Kind int

const (
	// LinkIO indicates a transient or fatal I/O error on the serial link.
	LinkIO Kind = iota
	// FrameMalformed indicates a frame that could not be parsed into one of
	// the three known shapes (response, ack, alert/err).
	FrameMalformed
	// CommandRejected indicates the PMC replied ERR to a command.
	CommandRejected
	// Timeout indicates a pending command's deadline elapsed before
	// completion.
	Timeout
	// UnexpectedFrame indicates a getter response whose code did not match
	// the pending request.
	UnexpectedFrame
	// ConfigInvalid indicates a configuration file failed validation.
	ConfigInvalid
	// SubprocessFailed indicates a notification hook or temperature tool
	// exited non-zero or could not be started. Never fatal.
	SubprocessFailed
	// IPCMalformedRequest indicates a client sent a request the IPC server
	// could not parse.
	IPCMalformedRequest
	// ThermalCritical indicates the fan governor observed the CRITICAL
	// level. Never recovered; triggers immediate shutdown.
	ThermalCritical
)

func (k Kind) String() string {
	switch k {
	case LinkIO:
		return "LinkIO"
	case FrameMalformed:
		return "FrameMalformed"
	case CommandRejected:
		return "CommandRejected"
	case Timeout:
		return "Timeout"
	case UnexpectedFrame:
		return "UnexpectedFrame"
	case ConfigInvalid:
		return "ConfigInvalid"
	case SubprocessFailed:
		return "SubprocessFailed"
	case IPCMalformedRequest:
		return "IPCMalformedRequest"
	case ThermalCritical:
		return "ThermalCritical"
	default:
		return "Unknown"
	}
}

// Error wraps a Kind and an optional cause. The PMC link and engine return
// it for protocol failures; other components also return plain fmt errors.
// Callers switch on Kind via Is/As/KindOf rather than on the message.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is a *Error with the same Kind, so that callers
// can write errors.Is(err, pmcerr.New(pmcerr.Timeout, "")); the message is
// ignored. KindOf is the alternative when the Kind itself is wanted.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New constructs an *Error of the given kind.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap constructs an *Error of the given kind around cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
