package cac

import (
	"errors"
	"fmt"

	"github.com/arloliu/go-ca/caproto"
)

var (
	// ErrContextConfigNil indicates that a nil ContextConfig was provided.
	ErrContextConfigNil = errors.New("context config is nil")

	// ErrContextClosed indicates that the client context has been closed.
	ErrContextClosed = errors.New("client context closed")

	// ErrChannelDestroyed indicates a request on a channel that was destroyed.
	ErrChannelDestroyed = errors.New("channel destroyed")

	// ErrRuntimeOption indicates an option passed to UpdateConfigOptions that can't be changed at runtime.
	ErrRuntimeOption = errors.New("option can't be changed at runtime")

	// ErrSubscriptionCanceled indicates a cancel request on a subscription that is already gone.
	ErrSubscriptionCanceled = errors.New("subscription already canceled")
)

var (
	// ErrInvalidTransition is returned when a circuit state transition is not allowed.
	ErrInvalidTransition = errors.New("invalid circuit state transition")

	// ErrProtocolViolation indicates a message that breaks the CA framing or command rules.
	// It is the cause of the circuit scoped error that aborts the circuit which received it.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrCleanShutdownTimeout indicates that the server did not close a drained circuit in time.
	ErrCleanShutdownTimeout = errors.New("clean shutdown timed out")

	// ErrSendTimeout indicates that the peer did not drain a socket write within the send watchdog period.
	ErrSendTimeout = errors.New("send watchdog expired")

	// ErrTaskPanic indicates that a circuit task panicked. The circuit is aborted.
	ErrTaskPanic = errors.New("circuit task panicked")
)

// protocolViolation returns the circuit scoped error for a message that breaks the framing or
// command rules.
func protocolViolation(op string, format string, args ...any) *caproto.Error {
	return &caproto.Error{
		Status:  caproto.StatusInternal,
		Scope:   caproto.ScopeCircuit,
		Op:      op,
		Context: fmt.Sprintf(format, args...),
		Err:     ErrProtocolViolation,
	}
}
