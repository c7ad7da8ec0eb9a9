// Package ferrors defines the closed set of error kinds named in
// spec §7, each carrying its own recovery policy. Grounded on the
// teacher's consensus.ErrorCode / *TxError shape
// (consensus/errors.go): a string-backed Kind enum plus a minimal
// wrapping error type, rather than a tree of sentinel errors.
package ferrors

import "fmt"

// Kind is one of the named error kinds of spec §7.
type Kind string

const (
	DimensionMismatch         Kind = "DimensionMismatch"
	UndecodableCycle          Kind = "UndecodableCycle"
	UnauthorizedOperator      Kind = "UnauthorizedOperator"
	ReplayedOrStale           Kind = "ReplayedOrStale"
	BadSignature              Kind = "BadSignature"
	UnknownState              Kind = "UnknownState"
	HeartbeatTimeout          Kind = "HeartbeatTimeout"
	FrameOutOfWindow          Kind = "FrameOutOfWindow"
	InternalInvariantViolation Kind = "InternalInvariantViolation"
)

// Fatal reports whether this kind is one of the two that terminate
// the process (spec §7: "Nothing except the two fatals terminates the
// process").
func (k Kind) Fatal() bool {
	return k == DimensionMismatch || k == InternalInvariantViolation
}

// Error wraps a Kind with a human-readable message.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// New constructs an *Error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf constructs an *Error of the given kind with a formatted
// message.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// As extracts the Kind of err if it is (or wraps) an *Error.
func As(err error) (Kind, bool) {
	if fe, ok := err.(*Error); ok {
		return fe.Kind, true
	}
	return "", false
}
