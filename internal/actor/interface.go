// Package actor provides the single-threaded execution substrate that the
// lattice runtime is built on. An actor owns its state and processes messages
// from a mailbox sequentially in its own goroutine; the pending-call and
// stream tables of the runtime are each realized as one of these serialized
// executors.
package actor

import (
	"context"
	"fmt"
	"iter"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// ErrTerminated indicates that an operation failed because the target actor
// was terminated or in the process of shutting down.
var ErrTerminated = fmt.Errorf("actor terminated")

// BaseMessage is a helper struct that can be embedded in message types
// defined outside this package to satisfy the Message interface's unexported
// marker method.
type BaseMessage struct{}

// messageMarker implements the unexported method of the Message interface.
func (BaseMessage) messageMarker() {}

// Message is a sealed interface for actor messages. Only types embedding
// BaseMessage (or defined in this package) can satisfy it.
type Message interface {
	// messageMarker seals the interface.
	messageMarker()

	// MessageType returns the type name of the message for logging and
	// routing.
	MessageType() string
}

// Future represents the result of an asynchronous computation.
type Future[T any] interface {
	// Await blocks until the result is available or the context is
	// cancelled, then returns it.
	Await(ctx context.Context) fn.Result[T]

	// OnComplete registers a function to be called once the result is
	// ready. If the passed context is cancelled before completion, the
	// callback is invoked with the context's error.
	OnComplete(ctx context.Context, f func(fn.Result[T]))
}

// Promise completes an associated Future. The producer of an asynchronous
// result uses the Promise to set the outcome exactly once.
type Promise[T any] interface {
	// Future returns the Future associated with this Promise.
	Future() Future[T]

	// Complete attempts to set the result. It returns true if this call
	// was the first to complete the future, false otherwise.
	Complete(result fn.Result[T]) bool
}

// Ref is a reference to an actor supporting both fire-and-forget and
// request-response interactions. References are location-agnostic handles;
// holders cannot reach the actor's state directly.
type Ref[M Message, R any] interface {
	// ID returns the unique identifier of the referenced actor.
	ID() string

	// Tell sends a message without waiting for a response. If the context
	// is cancelled before the message is enqueued, it may be dropped.
	Tell(ctx context.Context, msg M)

	// Ask sends a message and returns a Future for the response.
	Ask(ctx context.Context, msg M) Future[R]
}

// Behavior defines how an actor reacts to messages. The context passed to
// Receive merges the actor's lifecycle context with the caller's request
// context, so behaviors observe both system shutdown and caller deadlines.
type Behavior[M Message, R any] interface {
	Receive(ctx context.Context, msg M) fn.Result[R]
}

// BehaviorFunc adapts a plain function to the Behavior interface.
type BehaviorFunc[M Message, R any] func(ctx context.Context,
	msg M) fn.Result[R]

// Receive implements Behavior.
func (f BehaviorFunc[M, R]) Receive(ctx context.Context, msg M) fn.Result[R] {
	return f(ctx, msg)
}

// Stoppable is an optional interface Behaviors can implement to release
// external resources when their actor stops. OnStop runs after the process
// loop exits, under a cleanup deadline.
type Stoppable interface {
	OnStop(ctx context.Context) error
}

// Mailbox is an actor's message queue.
//
// Thread safety: Send and TrySend may be called concurrently; Receive and
// Drain are single-consumer (the actor's process loop); Close is idempotent
// and safe against concurrent sends.
type Mailbox[M Message, R any] interface {
	// Send blocks until the envelope is accepted, the caller's context is
	// cancelled, or the actor's context is cancelled. It reports whether
	// the envelope was enqueued.
	Send(ctx context.Context, env envelope[M, R]) bool

	// TrySend enqueues without blocking, reporting false when the mailbox
	// is full or closed.
	TrySend(env envelope[M, R]) bool

	// Receive iterates envelopes as they arrive, stopping when the given
	// context is cancelled or the mailbox is closed.
	Receive(ctx context.Context) iter.Seq[envelope[M, R]]

	// Close prevents further sends. Idempotent.
	Close()

	// IsClosed reports whether Close has been called.
	IsClosed() bool

	// Drain iterates envelopes left behind after Close.
	Drain() iter.Seq[envelope[M, R]]
}
