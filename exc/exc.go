// Package exc defines the error taxonomy shared by the wire codec and
// the RPC runtime, along with annotation helpers that attach a
// call-site prefix without losing the ability to unwrap the cause.
package exc

import (
	"errors"
	"fmt"
)

// Type classifies an error the way the RPC wire protocol's
// Exception.Type field does.
type Type int

const (
	// Failed is a generic, possibly transient failure.
	Failed Type = iota
	// Overloaded indicates the callee is overloaded and the caller
	// should try again later, possibly with a different callee.
	Overloaded
	// Disconnected indicates the callee is no longer reachable.
	Disconnected
	// Unimplemented indicates the callee does not implement the
	// requested interface or method.
	Unimplemented
)

func (t Type) String() string {
	switch t {
	case Failed:
		return "failed"
	case Overloaded:
		return "overloaded"
	case Disconnected:
		return "disconnected"
	case Unimplemented:
		return "unimplemented"
	default:
		return "unknown"
	}
}

// Kind names one of the specific decode/protocol error conditions
// this implementation can produce. Kind is orthogonal to Type: Type
// is what goes over the wire in an Exception, Kind is what lets local
// code (and tests) discriminate precisely on what went wrong.
type Kind string

const (
	TruncatedMessage        Kind = "truncated message"
	InvalidPointer          Kind = "invalid pointer"
	InvalidSegmentID        Kind = "invalid segment id"
	SegmentCountLimitExceed Kind = "segment count limit exceeded"
	ElementCountTooLarge    Kind = "element count too large"
	NestingLimitExceeded    Kind = "nesting limit exceeded"
	TraversalLimitExceeded  Kind = "traversal limit exceeded"
	ArithmeticOverflow      Kind = "arithmetic overflow"
	InvalidEnumValue        Kind = "invalid enum value"
	FrameTooLarge           Kind = "frame too large"
	ProtocolViolation       Kind = "protocol violation"
	CapabilityUnavailable   Kind = "capability unavailable"
	ConnectionClosed        Kind = "connection closed"
	ConnectionAborted       Kind = "connection aborted"
	StreamDrainPending      Kind = "stream drain already pending"
	OutOfMemory             Kind = "out of memory"
)

// Exception is an error with an RPC exception Type and an optional
// Kind for precise local matching, plus the usual wrapped cause.
type Exception struct {
	Type   Type
	Kind   Kind
	Prefix string
	Cause  error
}

func (e *Exception) Error() string {
	msg := string(e.Kind)
	if msg == "" {
		msg = e.Cause.Error()
	} else if e.Cause != nil {
		msg = msg + ": " + e.Cause.Error()
	}
	if e.Prefix != "" {
		return e.Prefix + ": " + msg
	}
	return msg
}

func (e *Exception) Unwrap() error { return e.Cause }

// New creates a new exception of the given kind, formatting a message
// with fmt.Sprintf semantics.
func New(typ Type, kind Kind, format string, args ...any) error {
	return &Exception{
		Type:  typ,
		Kind:  kind,
		Cause: fmt.Errorf(format, args...),
	}
}

// Errorf creates a Failed exception with no particular Kind. It is
// the workhorse for ad-hoc internal errors that don't correspond to
// one of the named Kinds.
func Errorf(format string, args ...any) error {
	return &Exception{Type: Failed, Cause: fmt.Errorf(format, args...)}
}

// WrapError annotates err with a prefix describing the operation that
// failed, preserving err for errors.Is/As. Returns nil if err is nil.
func WrapError(prefix string, err error) error {
	if err == nil {
		return nil
	}
	var e *Exception
	if errors.As(err, &e) {
		return &Exception{Type: e.Type, Kind: e.Kind, Prefix: prefix, Cause: err}
	}
	return &Exception{Type: Failed, Prefix: prefix, Cause: err}
}

// Annotate returns a function that wraps an error with prefix, for use
// in a defer to label every error returned by a function uniformly.
func Annotate(prefix string) func(error) error {
	return func(err error) error {
		return WrapError(prefix, err)
	}
}

// TypeOf reports the Type of err, defaulting to Failed for errors that
// were not constructed through this package.
func TypeOf(err error) Type {
	if err == nil {
		return Failed
	}
	var e *Exception
	if errors.As(err, &e) {
		return e.Type
	}
	return Failed
}

// KindOf reports the Kind of err, or "" if err has none.
func KindOf(err error) Kind {
	var e *Exception
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err (or something it wraps) carries the given
// Kind.
func IsKind(err error, k Kind) bool {
	return KindOf(err) == k
}
