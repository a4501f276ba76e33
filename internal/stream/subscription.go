package stream

import (
	"context"
	"iter"
	"sync"

	"github.com/google/uuid"
	"github.com/roasbeef/lattice/internal/wire"
)

// Subscription is the consumer's handle on one client-side stream. Payloads
// arrive in sequence order with duplicates suppressed; the iterator ends when
// the stream terminates for any reason.
type Subscription struct {
	callID uuid.UUID

	mu       sync.Mutex
	streamID uuid.UUID

	events chan []byte

	// started is closed when the server's StreamStart binds a stream id.
	started   chan struct{}
	startOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
	reason    wire.EndReason
	err       error

	// unsubscribe notifies the registry that the consumer walked away.
	unsubscribe func()
}

func newSubscription(callID uuid.UUID, buffer int) *Subscription {
	return &Subscription{
		callID:  callID,
		events:  make(chan []byte, buffer),
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// StreamID returns the stream's wire identifier. It is the zero UUID until
// the server's StreamStart arrives.
func (s *Subscription) StreamID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.streamID
}

func (s *Subscription) setStreamID(id uuid.UUID) {
	s.mu.Lock()
	s.streamID = id
	s.mu.Unlock()

	s.startOnce.Do(func() {
		close(s.started)
	})
}

// Started is closed once the stream id is known, which is the moment the
// stream is considered open.
func (s *Subscription) Started() <-chan struct{} {
	return s.started
}

// Payloads returns the stream's payloads as a lazy sequence. Breaking out of
// the range unsubscribes.
func (s *Subscription) Payloads() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for {
			select {
			case p := <-s.events:
				if !yield(p) {
					s.Unsubscribe()
					return
				}

			case <-s.done:
				// Terminated. Drain whatever was already
				// queued before the end arrived.
				for {
					select {
					case p := <-s.events:
						if !yield(p) {
							return
						}

					default:
						return
					}
				}
			}
		}
	}
}

// Done is closed when the stream terminates.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Reason reports why the stream ended. Only meaningful after Done is closed.
func (s *Subscription) Reason() wire.EndReason {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.reason
}

// Err returns the terminal error, if the stream ended abnormally.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Unsubscribe abandons the stream from the consumer side.
func (s *Subscription) Unsubscribe() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// deliver hands one payload to the consumer, respecting termination and the
// caller's context.
func (s *Subscription) deliver(ctx context.Context, payload []byte) bool {
	select {
	case s.events <- payload:
		return true

	case <-s.done:
		return false

	case <-ctx.Done():
		return false
	}
}

// terminate marks the stream ended exactly once.
func (s *Subscription) terminate(reason wire.EndReason, err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason = reason
		s.err = err
		s.mu.Unlock()

		close(s.done)
	})
}
