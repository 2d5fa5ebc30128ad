package mux

import (
	"context"
	"errors"
	"fmt"

	"github.com/progrium/qlink-go/mux/frame"
	"github.com/progrium/qlink-go/secure"
)

var (
	ErrMalformed       = frame.ErrMalformed
	ErrAuth            = secure.ErrAuth
	ErrVersionMismatch = secure.ErrVersionMismatch

	// ErrProtocolViolation reports a peer breaking a window, sequence or
	// channel id rule. It is fatal to the connection.
	ErrProtocolViolation = errors.New("qlink: protocol violation")

	// ErrUnknownChannel is a protocol violation for frames addressed to a
	// channel id that was never allocated.
	ErrUnknownChannel = fmt.Errorf("%w: unknown channel", ErrProtocolViolation)

	// ErrRemoteFailure reports that the peer hit a fatal error and tore the
	// connection down.
	ErrRemoteFailure = errors.New("qlink: peer reported a fatal error")

	ErrChannelClosed   = errors.New("qlink: channel closed")
	ErrChannelRejected = errors.New("qlink: channel rejected by peer")
	ErrChannelReset    = errors.New("qlink: channel reset by peer")
	ErrPayloadTooLarge = errors.New("qlink: payload exceeds max frame size")
	ErrSendBufferFull  = errors.New("qlink: send buffer full")

	// ErrConnectionLost is matched by every error delivered to callers
	// after the connection has been torn down. The concrete cause is
	// available through errors.Is and errors.Unwrap.
	ErrConnectionLost = errors.New("qlink: connection lost")

	// ErrSessionClosed is the cause recorded when the session was closed
	// locally.
	ErrSessionClosed = errors.New("qlink: session closed")

	// ErrTimeout is returned when a suspending call exceeds its deadline.
	// It also matches context.DeadlineExceeded.
	ErrTimeout error = timeoutError{}
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "qlink: timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func (timeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// connLostError is delivered to blocked callers when the session dies.
type connLostError struct {
	cause error
}

func (e *connLostError) Error() string {
	if e.cause == nil || e.cause == ErrSessionClosed {
		return ErrConnectionLost.Error()
	}
	return ErrConnectionLost.Error() + ": " + e.cause.Error()
}

func (e *connLostError) Is(target error) bool { return target == ErrConnectionLost }
func (e *connLostError) Unwrap() error        { return e.cause }

// IsTransportError reports whether err, as returned by Wait or delivered
// to callers, came from the underlying byte stream rather than from a
// protocol, authentication or local close. Only transport errors are
// worth a reconnect.
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	for _, fatal := range []error{
		ErrMalformed,
		ErrAuth,
		ErrVersionMismatch,
		secure.ErrHandshake,
		secure.ErrNonceExhausted,
		ErrProtocolViolation,
		ErrRemoteFailure,
		ErrSessionClosed,
		context.Canceled,
	} {
		if errors.Is(err, fatal) {
			return false
		}
	}
	return true
}

// reason is the metrics label for a session termination cause.
func reason(err error) string {
	switch {
	case errors.Is(err, ErrSessionClosed):
		return "closed"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrAuth):
		return "auth"
	case errors.Is(err, ErrProtocolViolation):
		return "protocol"
	case errors.Is(err, ErrRemoteFailure):
		return "remote"
	default:
		return "transport"
	}
}

// notifyPeer reports whether the peer should be told about err with a
// connection level ERROR before the transport is closed.
func notifyPeer(err error) bool {
	return errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrAuth) ||
		errors.Is(err, ErrProtocolViolation)
}
