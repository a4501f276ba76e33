package wire

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConnectionFailed indicates a bind or connect attempt against a
	// remote endpoint failed. Use NewConnectionError to attach the
	// endpoint and the underlying cause.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConnectionClosed indicates the transport session terminated
	// while an operation was outstanding. All pending calls on a session
	// fail with this error when the session goes away.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrActorNotFound indicates an actor id could not be resolved,
	// either because it is malformed or because no actor is registered
	// under it.
	ErrActorNotFound = errors.New("actor not found")

	// ErrRemoteInvocation indicates the remote actor reported a failure
	// while executing the invocation.
	ErrRemoteInvocation = errors.New("remote invocation failed")

	// ErrSystemNotRunning indicates an operation was attempted against an
	// actor system that has been shut down or never started.
	ErrSystemNotRunning = errors.New("actor system not running")

	// ErrSerialization indicates argument or envelope encoding failed.
	ErrSerialization = errors.New("serialization failed")

	// ErrDeserialization indicates payload or envelope decoding failed.
	ErrDeserialization = errors.New("deserialization failed")

	// ErrTimeout indicates the caller's deadline elapsed while awaiting a
	// response. Use NewTimeoutError to attach the duration.
	ErrTimeout = errors.New("operation timed out")

	// ErrInvalidConfiguration indicates a configuration value was
	// rejected during construction.
	ErrInvalidConfiguration = errors.New("invalid configuration")
)

// NewConnectionError wraps ErrConnectionFailed with the endpoint that could
// not be reached and the underlying transport error.
func NewConnectionError(host string, port int, underlying error) error {
	return fmt.Errorf("%w: %s:%d: %v", ErrConnectionFailed, host, port,
		underlying)
}

// NewActorNotFoundError wraps ErrActorNotFound with the offending id.
func NewActorNotFoundError(id string) error {
	return fmt.Errorf("%w: %q", ErrActorNotFound, id)
}

// NewRemoteInvocationError wraps ErrRemoteInvocation with the error message
// reported by the remote peer.
func NewRemoteInvocationError(message string) error {
	return fmt.Errorf("%w: %s", ErrRemoteInvocation, message)
}

// NewTimeoutError wraps ErrTimeout with the elapsed duration.
func NewTimeoutError(d time.Duration) error {
	return fmt.Errorf("%w: after %v", ErrTimeout, d)
}

// NewInvalidConfigError wraps ErrInvalidConfiguration with a description of
// the rejected value.
func NewInvalidConfigError(message string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, message)
}
