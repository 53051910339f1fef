package device

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies framework failures.
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation: malformed config or command, detected before any I/O
	KindValidation
	KindConnectionTimeout
	// KindNotConnected: the device is not ONLINE
	KindNotConnected
	KindCommandTimeout
	// KindTransport: protocol level failure surfaced by an adapter
	KindTransport
	KindAlreadyConnecting
	// KindDisconnected: the operation was cut short by a disconnect
	KindDisconnected
)

// String returns the string representation of Kind
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "ValidationError"
	case KindConnectionTimeout:
		return "ConnectionTimeout"
	case KindNotConnected:
		return "NotConnected"
	case KindCommandTimeout:
		return "CommandTimeout"
	case KindTransport:
		return "TransportError"
	case KindAlreadyConnecting:
		return "AlreadyConnecting"
	case KindDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Error is the typed failure returned by every facade operation.
type Error struct {
	Kind     Kind
	DeviceID string
	Op       string
	Message  string
	Err      error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.DeviceID != "" {
		msg += " [" + e.DeviceID + "]"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same Kind, so the sentinels below work with
// errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.DeviceID == "" && t.Op == "" && t.Message == "" && t.Err == nil
}

// Sentinels for errors.Is.
var (
	ErrValidation        = &Error{Kind: KindValidation}
	ErrConnectionTimeout = &Error{Kind: KindConnectionTimeout}
	ErrNotConnected      = &Error{Kind: KindNotConnected}
	ErrCommandTimeout    = &Error{Kind: KindCommandTimeout}
	ErrTransport         = &Error{Kind: KindTransport}
	ErrAlreadyConnecting = &Error{Kind: KindAlreadyConnecting}
	ErrDisconnected      = &Error{Kind: KindDisconnected}
)

// KindOf returns the Kind of err, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// NewError builds an error of the given kind.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// ValidationError reports malformed input.
func ValidationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// TransportError wraps a protocol level cause.
func TransportError(cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: KindTransport, Message: fmt.Sprintf(format, args...), Err: cause}
}

func newError(kind Kind, op, deviceID, msg string, cause error) *Error {
	return &Error{Kind: kind, Op: op, DeviceID: deviceID, Message: msg, Err: cause}
}

// classify attaches operation context to err. Untyped adapter errors become
// transport errors; context expiry becomes the given timeout kind.
func classify(err error, timeoutKind Kind, op, deviceID string) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		out := *e
		if out.Op == "" {
			out.Op = op
		}
		if out.DeviceID == "" {
			out.DeviceID = deviceID
		}
		return &out
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newError(timeoutKind, op, deviceID, "deadline exceeded", err)
	}
	if errors.Is(err, context.Canceled) {
		return newError(KindDisconnected, op, deviceID, "canceled", err)
	}
	return newError(KindTransport, op, deviceID, "", err)
}
