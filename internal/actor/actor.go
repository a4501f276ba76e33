package actor

import (
	"context"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// defaultCleanupTimeout bounds Stoppable.OnStop during shutdown.
const defaultCleanupTimeout = 5 * time.Second

// envelope pairs a message with the promise of an Ask (nil for Tell) and the
// caller's context, so behaviors can honor request-scoped deadlines.
type envelope[M Message, R any] struct {
	message   M
	promise   Promise[R]
	callerCtx context.Context
}

// Config holds the parameters for creating an Actor.
type Config[M Message, R any] struct {
	// ID is the unique identifier for the actor.
	ID string

	// Behavior defines how the actor responds to messages.
	Behavior Behavior[M, R]

	// MailboxSize is the buffer capacity of the actor's mailbox.
	MailboxSize int

	// Wg, when non-nil, tracks the actor's process goroutine so a runtime
	// can block on a deterministic shutdown.
	Wg *sync.WaitGroup

	// CleanupTimeout bounds OnStop cleanup; defaults to 5 seconds.
	CleanupTimeout fn.Option[time.Duration]
}

// Actor processes messages from its mailbox sequentially in a dedicated
// goroutine. All state owned by the behavior is therefore mutated by exactly
// one goroutine at a time.
type Actor[M Message, R any] struct {
	id       string
	behavior Behavior[M, R]
	mailbox  Mailbox[M, R]

	ctx    context.Context
	cancel context.CancelFunc

	wg             *sync.WaitGroup
	cleanupTimeout time.Duration

	startOnce sync.Once
	stopOnce  sync.Once

	ref Ref[M, R]
}

// New creates an actor without starting its process loop; call Start to
// begin processing.
func New[M Message, R any](cfg Config[M, R]) *Actor[M, R] {
	ctx, cancel := context.WithCancel(context.Background())

	a := &Actor[M, R]{
		id:       cfg.ID,
		behavior: cfg.Behavior,
		mailbox: newChannelMailbox[M, R](
			ctx, cfg.MailboxSize,
		),
		ctx:            ctx,
		cancel:         cancel,
		wg:             cfg.Wg,
		cleanupTimeout: cfg.CleanupTimeout.UnwrapOr(defaultCleanupTimeout),
	}
	a.ref = &refImpl[M, R]{actor: a}

	return a
}

// Start launches the actor's process loop. Repeated calls are no-ops.
func (a *Actor[M, R]) Start() {
	a.startOnce.Do(func() {
		log.DebugS(a.ctx, "Starting actor", "actor_id", a.id)

		if a.wg != nil {
			a.wg.Add(1)
		}
		go a.process()
	})
}

// Stop signals the actor to terminate. The process loop exits once it
// observes the cancellation, then drains the mailbox.
func (a *Actor[M, R]) Stop() {
	a.stopOnce.Do(func() {
		a.cancel()
	})
}

// Ref returns the actor's reference handle.
func (a *Actor[M, R]) Ref() Ref[M, R] {
	return a.ref
}

// process is the main event loop. The deferred Done keeps WaitGroup
// accounting correct even if the behavior panics.
func (a *Actor[M, R]) process() {
	if a.wg != nil {
		defer a.wg.Done()
	}

	for env := range a.mailbox.Receive(a.ctx) {
		// Ask messages observe both the actor's lifecycle and the
		// caller's deadline; Tell messages keep fire-and-forget
		// semantics and cannot be cancelled by the caller once
		// enqueued.
		var (
			processCtx context.Context
			cancel     context.CancelFunc
		)
		if env.promise != nil {
			processCtx, cancel = mergeContexts(
				a.ctx, env.callerCtx,
			)
		} else {
			processCtx, cancel = a.ctx, func() {}
		}

		result := a.behavior.Receive(processCtx, env.message)

		cancel()

		if env.promise != nil {
			env.promise.Complete(result)
		}
	}

	// Cancellation observed: refuse new sends, then fail any stragglers
	// that made it in before the close.
	a.mailbox.Close()

	drained := 0
	for env := range a.mailbox.Drain() {
		drained++
		if env.promise != nil {
			env.promise.Complete(fn.Err[R](ErrTerminated))
		}
	}

	if stoppable, ok := a.behavior.(Stoppable); ok {
		cleanupCtx, cancel := context.WithTimeout(
			context.Background(), a.cleanupTimeout,
		)

		if err := stoppable.OnStop(cleanupCtx); err != nil {
			log.WarnS(a.ctx, "Actor cleanup error", err,
				"actor_id", a.id)
		}
		cancel()
	}

	log.DebugS(a.ctx, "Actor terminated",
		"actor_id", a.id,
		"drained_messages", drained)
}

// refImpl is the concrete Ref implementation.
type refImpl[M Message, R any] struct {
	actor *Actor[M, R]
}

// ID returns the actor's identifier.
func (r *refImpl[M, R]) ID() string {
	return r.actor.id
}

// Tell enqueues msg without waiting for a response. Messages that cannot be
// enqueued are dropped.
func (r *refImpl[M, R]) Tell(ctx context.Context, msg M) {
	env := envelope[M, R]{
		message:   msg,
		callerCtx: ctx,
	}
	if !r.actor.mailbox.Send(ctx, env) {
		log.TraceS(ctx, "Tell dropped",
			"actor_id", r.actor.id,
			"msg_type", msg.MessageType())
	}
}

// Ask enqueues msg and returns a Future completed with the behavior's
// result, or with ErrTerminated / the caller's context error when the send
// fails.
func (r *refImpl[M, R]) Ask(ctx context.Context, msg M) Future[R] {
	p := NewPromise[R]()

	if r.actor.ctx.Err() != nil {
		p.Complete(fn.Err[R](ErrTerminated))
		return p.Future()
	}

	env := envelope[M, R]{
		message:   msg,
		promise:   p,
		callerCtx: ctx,
	}
	if !r.actor.mailbox.Send(ctx, env) {
		// Actor termination takes precedence over caller
		// cancellation when attributing the failure.
		switch {
		case r.actor.ctx.Err() != nil:
			p.Complete(fn.Err[R](ErrTerminated))

		case ctx.Err() != nil:
			p.Complete(fn.Err[R](ctx.Err()))

		default:
			p.Complete(fn.Err[R](ErrTerminated))
		}
	}

	return p.Future()
}

// mergeContexts derives a context that cancels when either parent cancels,
// preserving the earliest deadline. The monitoring goroutine exits as soon as
// any cancellation is observed.
func mergeContexts(ctx1, ctx2 context.Context) (context.Context,
	context.CancelFunc) {

	deadline1, has1 := ctx1.Deadline()
	deadline2, has2 := ctx2.Deadline()

	base := ctx1
	if has2 && (!has1 || deadline2.Before(deadline1)) {
		base = ctx2
	}

	merged, cancel := context.WithCancel(base)

	go func() {
		select {
		case <-ctx1.Done():
			cancel()
		case <-ctx2.Done():
			cancel()
		case <-merged.Done():
		}
	}()

	return merged, cancel
}

// AskAwait sends an Ask and blocks for the unpacked response. This is the
// common request-response shape used throughout the runtime.
func AskAwait[M Message, R any](ctx context.Context, ref Ref[M, R],
	msg M) (R, error) {

	return ref.Ask(ctx, msg).Await(ctx).Unpack()
}
