package stream

import (
	"context"
	"iter"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roasbeef/lattice/internal/wire"
)

// DefaultTombstoneTTL is how long a completed stream's opening invocation is
// retained so a late resume can rekindle it.
const DefaultTombstoneTTL = 5 * time.Minute

// SendFunc writes one envelope back over the session a stream belongs to.
type SendFunc func(ctx context.Context, env wire.Envelope) error

// Opener starts the underlying producer for a stream invocation. The yielded
// error, when non-nil, terminates the stream with a StreamError.
type Opener func(ctx context.Context,
	inv wire.Invocation) (iter.Seq2[[]byte, error], error)

// ServerConfig tunes the server-side stream registry.
type ServerConfig struct {
	// ReplayCapacity is the per-stream replay ring size.
	ReplayCapacity int

	// Opener invokes the streaming target on the hosting actor.
	Opener Opener

	// Filters resolves named payload filters. Nil means no filtering.
	Filters *FilterRegistry

	// TombstoneTTL is how long completed streams stay resumable.
	TombstoneTTL time.Duration
}

func (c ServerConfig) normalize() ServerConfig {
	if c.ReplayCapacity <= 0 {
		c.ReplayCapacity = DefaultReplayCapacity
	}
	if c.TombstoneTTL <= 0 {
		c.TombstoneTTL = DefaultTombstoneTTL
	}
	if c.Filters == nil {
		c.Filters = NewFilterRegistry()
	}

	return c
}

// serverStream is one live producer.
type serverStream struct {
	id  uuid.UUID
	inv wire.Invocation

	// mu serializes live sends against resume replays, so a resuming
	// session never sees interleaved out-of-order frames.
	mu   sync.Mutex
	send SendFunc
	ring *ReplayBuffer
	seq  uint64

	cancel context.CancelFunc
	reason wire.EndReason
}

// tombstone retains what is needed to rekindle a finished stream.
type tombstone struct {
	inv     wire.Invocation
	expires time.Time
}

// ServerRegistry owns every live server-side stream: it allocates stream
// ids, runs producers, maintains replay rings, and answers resumes with a
// replay or a rekindle.
type ServerRegistry struct {
	cfg ServerConfig

	mu         sync.Mutex
	streams    map[uuid.UUID]*serverStream
	tombstones map[uuid.UUID]tombstone

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServerRegistry creates an empty registry.
func NewServerRegistry(cfg ServerConfig) *ServerRegistry {
	ctx, cancel := context.WithCancel(context.Background())

	return &ServerRegistry{
		cfg:        cfg.normalize(),
		streams:    make(map[uuid.UUID]*serverStream),
		tombstones: make(map[uuid.UUID]tombstone),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Open starts a new stream for the invocation: emits StreamStart, then runs
// the producer until it finishes, errors, or is cancelled. It returns the
// allocated stream id without waiting for the producer.
func (r *ServerRegistry) Open(ctx context.Context, inv wire.Invocation,
	send SendFunc) (uuid.UUID, error) {

	source, err := r.cfg.Opener(r.ctx, inv)
	if err != nil {
		return uuid.Nil, err
	}

	streamID := uuid.New()
	streamCtx, cancel := context.WithCancel(r.ctx)

	st := &serverStream{
		id:     streamID,
		inv:    inv,
		send:   send,
		ring:   NewReplayBuffer(r.cfg.ReplayCapacity),
		cancel: cancel,
	}

	r.mu.Lock()
	r.streams[streamID] = st
	r.mu.Unlock()

	err = send(ctx, wire.NewStreamStartEnvelope(wire.StreamStart{
		StreamID: streamID,
		CallID:   inv.CallID,
		Actor:    inv.Actor,
		Target:   inv.Target,
	}))
	if err != nil {
		cancel()
		r.remove(streamID, false)

		return uuid.Nil, err
	}

	filter := r.cfg.Filters.Resolve(inv.Filter)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(streamCtx, st, source, filter)
	}()

	log.DebugS(ctx, "Stream opened", "stream_id", streamID,
		"target", inv.Target, "actor", inv.Actor)

	return streamID, nil
}

// run drives one producer to completion.
func (r *ServerRegistry) run(ctx context.Context, st *serverStream,
	source iter.Seq2[[]byte, error], filter AppliedFilter) {

	var streamErr error

	for payload, err := range source {
		if ctx.Err() != nil {
			break
		}
		if err != nil {
			streamErr = err
			break
		}

		out, keep := filter(payload)
		if !keep {
			continue
		}

		st.mu.Lock()
		st.seq++
		st.ring.Append(st.seq, out)

		sendErr := st.send(ctx, wire.NewStreamDataEnvelope(
			wire.StreamData{
				StreamID:  st.id,
				Sequence:  st.seq,
				Payload:   out,
				Timestamp: time.Now().UTC(),
			},
		))
		st.mu.Unlock()

		if sendErr != nil {
			// Session gone. Keep producing is pointless; the
			// client resumes onto a fresh session via the
			// tombstone or the surviving table entry.
			log.DebugS(ctx, "Stream send failed",
				"stream_id", st.id, "err", sendErr)
			break
		}
	}

	st.mu.Lock()
	send := st.send
	reason := st.reason
	st.mu.Unlock()

	switch {
	case streamErr != nil:
		send(ctx, wire.NewStreamErrorEnvelope(wire.StreamError{
			StreamID: st.id,
			Message:  streamErr.Error(),
		}))
		r.remove(st.id, false)

	case reason != "":
		// Closed from the registry side; Close already emitted the
		// end envelope.
		r.remove(st.id, false)

	default:
		send(ctx, wire.NewStreamEndEnvelope(wire.StreamEnd{
			StreamID: st.id,
			Reason:   wire.EndCompleted,
		}))
		r.remove(st.id, true)
	}
}

// Resume answers a StreamResume: replay from the ring when contiguity can be
// restored, otherwise rekindle the producer as a fresh stream.
func (r *ServerRegistry) Resume(ctx context.Context, res wire.StreamResume,
	send SendFunc) error {

	r.mu.Lock()
	st, live := r.streams[res.StreamID]
	ts, dead := r.tombstones[res.StreamID]
	r.mu.Unlock()

	if live {
		st.mu.Lock()
		entries, ok := st.ring.Since(res.LastSequence)
		if ok {
			// Rebind live production to the resuming session,
			// then catch it up while still holding the lock so
			// no live frame can interleave.
			st.send = send
			var err error
			for _, e := range entries {
				err = send(ctx, wire.NewStreamDataEnvelope(
					wire.StreamData{
						StreamID:  st.id,
						Sequence:  e.Sequence,
						Payload:   e.Payload,
						Timestamp: time.Now().UTC(),
					},
				))
				if err != nil {
					break
				}
			}
			st.mu.Unlock()

			log.DebugS(ctx, "Stream resumed by replay",
				"stream_id", st.id, "replayed", len(entries))

			return err
		}
		st.mu.Unlock()

		// The ring overflowed past the client's checkpoint. The only
		// way back to contiguity is a fresh stream. Marking a reason
		// keeps the dying producer from emitting a StreamEnd that
		// could race ahead of the rekindled StreamStart.
		st.mu.Lock()
		st.reason = wire.EndClientUnsubscribed
		st.mu.Unlock()
		st.cancel()
		r.remove(st.id, false)

		log.DebugS(ctx, "Replay window lost, rekindling",
			"stream_id", st.id, "last_seq", res.LastSequence)

		_, err := r.Open(ctx, st.inv, send)
		return err
	}

	if dead && time.Now().Before(ts.expires) {
		r.mu.Lock()
		delete(r.tombstones, res.StreamID)
		r.mu.Unlock()

		log.DebugS(ctx, "Rekindling completed stream",
			"stream_id", res.StreamID)

		_, err := r.Open(ctx, ts.inv, send)
		return err
	}

	// Never existed here, or the tombstone expired.
	return send(ctx, wire.NewStreamErrorEnvelope(wire.StreamError{
		StreamID: res.StreamID,
		Message:  "unknown stream",
	}))
}

// Close terminates one stream with the given reason, emitting StreamEnd.
func (r *ServerRegistry) Close(ctx context.Context, streamID uuid.UUID,
	reason wire.EndReason) bool {

	r.mu.Lock()
	st, ok := r.streams[streamID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	st.mu.Lock()
	st.reason = reason
	send := st.send
	st.mu.Unlock()

	send(ctx, wire.NewStreamEndEnvelope(wire.StreamEnd{
		StreamID: streamID,
		Reason:   reason,
	}))
	st.cancel()

	return true
}

// CloseActor terminates every stream hosted by the given actor with an
// actorTerminated end. Used when an actor is unexposed or destroyed.
func (r *ServerRegistry) CloseActor(ctx context.Context,
	actorID wire.ActorID) int {

	r.mu.Lock()
	var ids []uuid.UUID
	for id, st := range r.streams {
		if st.inv.Actor.ID == actorID.ID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.Close(ctx, id, wire.EndActorTerminated)
	}

	return len(ids)
}

// ActiveStreams reports the number of live producers.
func (r *ServerRegistry) ActiveStreams() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.streams)
}

// Shutdown cancels all producers and waits for them to exit.
func (r *ServerRegistry) Shutdown(ctx context.Context) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// remove drops a stream from the table, optionally leaving a tombstone so a
// resume can rekindle it.
func (r *ServerRegistry) remove(streamID uuid.UUID, leaveTombstone bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.streams[streamID]
	if !ok {
		return
	}
	delete(r.streams, streamID)

	now := time.Now()
	if leaveTombstone {
		r.tombstones[streamID] = tombstone{
			inv:     st.inv,
			expires: now.Add(r.cfg.TombstoneTTL),
		}
	}

	// Lazy eviction of expired tombstones.
	for id, ts := range r.tombstones {
		if now.After(ts.expires) {
			delete(r.tombstones, id)
		}
	}
}
