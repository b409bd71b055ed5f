// Package brokererr defines the broker-wide error taxonomy and its mapping
// to MQTT 3.1.1 close semantics and MQTT 5.0 reason codes.
package brokererr

import (
	"github.com/cockroachdb/errors"

	"github.com/axmq/broker/encoding"
)

// Kind classifies a broker error for the purpose of connection handling.
type Kind byte

const (
	// ProtocolDecode is a malformed frame. Always fatal; no reply is sent
	// because the connection is already untrusted.
	ProtocolDecode Kind = iota
	// ProtocolSemantic is a well-formed frame used illegally (e.g. PUBACK
	// for an unknown packet id, topic-alias misuse).
	ProtocolSemantic
	// PolicyReject is a hook veto or ACL failure.
	PolicyReject
	// ResourceExhausted covers queue-full and packet-too-large conditions.
	ResourceExhausted
	// Transport is an I/O error on the underlying socket.
	Transport
	// Internal is a handler invariant violated; never panics the process.
	Internal
)

func (k Kind) String() string {
	switch k {
	case ProtocolDecode:
		return "protocol_decode"
	case ProtocolSemantic:
		return "protocol_semantic"
	case PolicyReject:
		return "policy_reject"
	case ResourceExhausted:
		return "resource_exhausted"
	case Transport:
		return "transport"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a structured broker error carrying its Kind and, for v5
// connections, the reason code a DISCONNECT or ack should carry.
type Error struct {
	Kind       Kind
	ReasonCode encoding.ReasonCode
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Kind.String() + ": " + e.cause.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.cause }

// New wraps cause with a Kind and reason code.
func New(kind Kind, reason encoding.ReasonCode, cause error, context string) *Error {
	wrapped := cause
	if context != "" {
		wrapped = errors.Wrap(cause, context)
	}
	return &Error{Kind: kind, ReasonCode: reason, cause: wrapped}
}

// Decode builds a ProtocolDecode error; the caller must close the
// connection without a reply.
func Decode(cause error, context string) *Error {
	return New(ProtocolDecode, encoding.ReasonMalformedPacket, cause, context)
}

// Semantic builds a ProtocolSemantic error carrying the v5 reason code to
// send in the closing DISCONNECT.
func Semantic(reason encoding.ReasonCode, cause error, context string) *Error {
	return New(ProtocolSemantic, reason, cause, context)
}

// Policy builds a PolicyReject error; the connection stays open unless the
// veto happened during CONNECT.
func Policy(reason encoding.ReasonCode, cause error, context string) *Error {
	return New(PolicyReject, reason, cause, context)
}

// Exhausted builds a ResourceExhausted error (queue full, packet too large).
func Exhausted(reason encoding.ReasonCode, cause error, context string) *Error {
	return New(ResourceExhausted, reason, cause, context)
}

// Transp builds a Transport error from an underlying socket failure.
func Transp(cause error) *Error {
	return New(Transport, encoding.ReasonUnspecifiedError, cause, "")
}

// InternalErr builds an Internal error for a handler invariant violation.
func InternalErr(cause error, context string) *Error {
	return New(Internal, encoding.ReasonUnspecifiedError, cause, context)
}

// As extracts a *Error from err, if any.
func As(err error) (*Error, bool) {
	var be *Error
	ok := errors.As(err, &be)
	return be, ok
}

// KindOf returns the Kind of err, defaulting to Internal when err does not
// wrap a *Error.
func KindOf(err error) Kind {
	if be, ok := As(err); ok {
		return be.Kind
	}
	return Internal
}

// ReasonCodeOf returns the v5 reason code carried by err, or
// ReasonUnspecifiedError when err does not wrap a *Error.
func ReasonCodeOf(err error) encoding.ReasonCode {
	if be, ok := As(err); ok {
		return be.ReasonCode
	}
	return encoding.ReasonUnspecifiedError
}

var (
	// ErrHookUnavailable is returned when a hook event is dispatched but no
	// dispatcher goroutine is running; spec-classified ResourceExhausted
	// (InvalidData class).
	ErrHookUnavailable = errors.New("hook dispatcher not running")
)
