package actor

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
)

// channelMailbox is a Mailbox backed by a buffered Go channel.
type channelMailbox[M Message, R any] struct {
	// ch is the underlying envelope queue.
	ch chan envelope[M, R]

	// closed allows lock-free IsClosed reads.
	closed atomic.Bool

	// mu is held read-side for the duration of every send so that Close
	// (which takes the write side) can never close the channel out from
	// under an in-flight send.
	mu sync.RWMutex

	// closeOnce makes Close idempotent.
	closeOnce sync.Once

	// actorCtx is the owning actor's lifecycle context; sends fail once
	// it is cancelled.
	actorCtx context.Context
}

// newChannelMailbox creates a mailbox with the given capacity. Capacity is
// clamped to at least 1 so sends never rendezvous with the process loop.
func newChannelMailbox[M Message, R any](actorCtx context.Context,
	capacity int) *channelMailbox[M, R] {

	if capacity <= 0 {
		capacity = 1
	}

	return &channelMailbox[M, R]{
		ch:       make(chan envelope[M, R], capacity),
		actorCtx: actorCtx,
	}
}

// Send blocks until the envelope is accepted or either context cancels.
func (m *channelMailbox[M, R]) Send(ctx context.Context,
	env envelope[M, R]) bool {

	// Fast-path rejection when either side is already done.
	if ctx.Err() != nil || m.actorCtx.Err() != nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false
	}

	select {
	case m.ch <- env:
		return true

	case <-ctx.Done():
		log.TraceS(ctx, "Mailbox send failed, caller cancelled",
			"msg_type", env.message.MessageType())

		return false

	case <-m.actorCtx.Done():
		log.TraceS(ctx, "Mailbox send failed, actor terminated",
			"msg_type", env.message.MessageType())

		return false
	}
}

// TrySend enqueues without blocking.
func (m *channelMailbox[M, R]) TrySend(env envelope[M, R]) bool {
	if m.actorCtx.Err() != nil {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed.Load() {
		return false
	}

	select {
	case m.ch <- env:
		return true
	default:
		return false
	}
}

// Receive yields envelopes until the context cancels or the mailbox closes.
// The context is checked before each receive so shutdown never races a ready
// channel.
func (m *channelMailbox[M, R]) Receive(
	ctx context.Context) iter.Seq[envelope[M, R]] {

	return func(yield func(envelope[M, R]) bool) {
		for {
			if ctx.Err() != nil {
				return
			}

			select {
			case env, ok := <-m.ch:
				if !ok {
					return
				}
				if !yield(env) {
					return
				}

			case <-ctx.Done():
				return
			}
		}
	}
}

// Close prevents further sends. The write lock excludes in-flight senders,
// so the channel close below cannot panic.
func (m *channelMailbox[M, R]) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		defer m.mu.Unlock()

		log.DebugS(m.actorCtx, "Mailbox closing",
			"remaining_messages", len(m.ch))

		m.closed.Store(true)
		close(m.ch)
	})
}

// IsClosed reports whether Close has run.
func (m *channelMailbox[M, R]) IsClosed() bool {
	return m.closed.Load()
}

// Drain yields leftover envelopes after Close without blocking.
func (m *channelMailbox[M, R]) Drain() iter.Seq[envelope[M, R]] {
	return func(yield func(envelope[M, R]) bool) {
		if !m.IsClosed() {
			return
		}

		for {
			select {
			case env, ok := <-m.ch:
				if !ok {
					return
				}
				if !yield(env) {
					return
				}

			default:
				return
			}
		}
	}
}
