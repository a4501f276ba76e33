package actor

import (
	"context"
	"sync"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// promise is the one-shot completion primitive backing Ask interactions and
// the runtime's pending-call sinks. The zero value is not usable; construct
// with NewPromise.
type promise[T any] struct {
	// done is closed exactly once, after result has been written.
	done chan struct{}

	// once guards the single completion.
	once sync.Once

	// result is written before done is closed and never mutated after.
	result fn.Result[T]
}

// NewPromise creates an incomplete promise.
func NewPromise[T any]() Promise[T] {
	return &promise[T]{
		done: make(chan struct{}),
	}
}

// Complete sets the result if no result has been set yet. It reports whether
// this call won the completion race.
func (p *promise[T]) Complete(result fn.Result[T]) bool {
	won := false
	p.once.Do(func() {
		p.result = result
		close(p.done)
		won = true
	})

	return won
}

// Future returns the receiving side of the promise.
func (p *promise[T]) Future() Future[T] {
	return p
}

// Await blocks until the promise completes or the context is cancelled.
func (p *promise[T]) Await(ctx context.Context) fn.Result[T] {
	select {
	case <-p.done:
		return p.result

	case <-ctx.Done():
		return fn.Err[T](ctx.Err())
	}
}

// OnComplete spawns a waiter that invokes f with the eventual result, or
// with the context error if the context wins.
func (p *promise[T]) OnComplete(ctx context.Context, f func(fn.Result[T])) {
	go func() {
		f(p.Await(ctx))
	}()
}
