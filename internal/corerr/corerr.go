// Package corerr defines the error kinds the control surface reports back
// to operators (spec §7). Every error that can reach a verb reply carries
// one of these kinds as its second reply token; anything else is a bug.
package corerr

import (
	"errors"
	"fmt"
)

// Kind is one of the fixed vocabulary of error kinds named in spec §7.
// It is what the control server renders as the second token of a `fail`
// reply, so kinds are written lower_snake_case to match the wire format.
type Kind string

const (
	BadAddress             Kind = "bad_address"
	AddressOverflow        Kind = "address_overflow"
	ConfigError            Kind = "config_error"
	InputUnknown           Kind = "input_unknown"
	StreamUnknown          Kind = "stream_unknown"
	AlreadyCreated         Kind = "already_created"
	NotInitialised         Kind = "not_initialised"
	AlreadyInitialised     Kind = "already_initialised"
	LoadTooSoon            Kind = "load_too_soon"
	WaitNegative           Kind = "wait_negative"
	VaccResetFailed        Kind = "vacc_reset_failed"
	VaccLoadtimeDivergence Kind = "vacc_loadtime_divergence"
	VaccArmMissed          Kind = "vacc_arm_missed"
	VaccDidNotTrigger      Kind = "vacc_did_not_trigger"
	VaccCheckFailed        Kind = "vacc_check_failed"
	Timeout                Kind = "timeout"
	PartialCommit          Kind = "partial_commit"
	BoardTransport         Kind = "board_transport"
	EqRevert               Kind = "eq_revert"
	DelayPartialCommit     Kind = "delay_partial_commit"
	Unsupported            Kind = "unsupported"
)

// Error is a kinded error that crosses the verb boundary unchanged.
// Internal functions return it directly (result-shaped, per spec §9
// "Exceptions for control flow") rather than raising and catching.
type Error struct {
	Kind    Kind
	Message string
	// Fields carries structured detail (host names, counter values, …)
	// that a verb handler may render as extra reply tokens. It is never
	// printed raw; see the VACC-sync note in spec §9.
	Fields map[string]any
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an Error with no structured fields.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WithFields builds an Error from a kind, a message and structured
// detail fields.
func WithFields(kind Kind, message string, fields map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Fields: fields}
}

// As reports whether err (or one it wraps) is a *Error and returns it.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
