package stream

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/actor"
	"github.com/roasbeef/lattice/internal/wire"
)

// DefaultGapTimeout is how long the client tolerates a sequence gap before
// escalating to a resume.
const DefaultGapTimeout = 5 * time.Second

// DefaultSubscriptionBuffer is the per-subscription payload queue length.
const DefaultSubscriptionBuffer = 64

// ResumeFunc is invoked when a gap persists past the inactivity timeout, or
// by the client dispatcher after a reconnect. It emits a streamResume
// envelope for the given checkpoint.
type ResumeFunc func(ctx context.Context, streamID uuid.UUID, lastSeq uint64)

// Checkpoint is the resume state of one active client stream.
type Checkpoint struct {
	StreamID     uuid.UUID
	LastSequence uint64
	Target       string
	Actor        wire.ActorID
}

// ClientConfig tunes the client-side stream registry.
type ClientConfig struct {
	// GapTimeout bounds how long an out-of-order buffer may wait for the
	// missing sequence before a resume is escalated.
	GapTimeout time.Duration

	// SubscriptionBuffer is the per-subscription queue length.
	SubscriptionBuffer int

	// Resume emits a streamResume envelope. Nil disables escalation.
	Resume ResumeFunc
}

func (c ClientConfig) normalize() ClientConfig {
	if c.GapTimeout <= 0 {
		c.GapTimeout = DefaultGapTimeout
	}
	if c.SubscriptionBuffer <= 0 {
		c.SubscriptionBuffer = DefaultSubscriptionBuffer
	}

	return c
}

// registryMsg is the sealed message set of the client stream registry actor.
type registryMsg interface {
	actor.Message
	registryMsg()
}

type registerMsg struct {
	actor.BaseMessage
	callID  uuid.UUID
	actorID wire.ActorID
	target  string
}

type startMsg struct {
	actor.BaseMessage
	start wire.StreamStart
}

type dataMsg struct {
	actor.BaseMessage
	data wire.StreamData
}

type endMsg struct {
	actor.BaseMessage
	end wire.StreamEnd
}

type errorMsg struct {
	actor.BaseMessage
	streamErr wire.StreamError
}

type escalateMsg struct {
	actor.BaseMessage
	streamID uuid.UUID
	atSeq    uint64
}

type unsubscribeMsg struct {
	actor.BaseMessage
	streamID uuid.UUID
}

type cancelCallMsg struct {
	actor.BaseMessage
	callID uuid.UUID
}

type checkpointsMsg struct {
	actor.BaseMessage
}

type failAllMsg struct {
	actor.BaseMessage
	err error
}

func (registerMsg) MessageType() string    { return "register" }
func (startMsg) MessageType() string       { return "stream_start" }
func (dataMsg) MessageType() string        { return "stream_data" }
func (endMsg) MessageType() string         { return "stream_end" }
func (errorMsg) MessageType() string       { return "stream_error" }
func (escalateMsg) MessageType() string    { return "escalate" }
func (unsubscribeMsg) MessageType() string { return "unsubscribe" }
func (cancelCallMsg) MessageType() string  { return "cancel_call" }
func (checkpointsMsg) MessageType() string { return "checkpoints" }
func (failAllMsg) MessageType() string     { return "fail_all" }

func (registerMsg) registryMsg()    {}
func (startMsg) registryMsg()       {}
func (dataMsg) registryMsg()        {}
func (endMsg) registryMsg()         {}
func (errorMsg) registryMsg()       {}
func (escalateMsg) registryMsg()    {}
func (unsubscribeMsg) registryMsg() {}
func (cancelCallMsg) registryMsg()  {}
func (checkpointsMsg) registryMsg() {}
func (failAllMsg) registryMsg()     {}

// clientStream is the registry's view of one stream.
type clientStream struct {
	sub     *Subscription
	callID  uuid.UUID
	actorID wire.ActorID
	target  string

	streamID uuid.UUID
	started  bool

	// lastDelivered is the highest contiguous sequence handed to the
	// consumer, and therefore the resume checkpoint.
	lastDelivered uint64

	// gap buffers out-of-order payloads until the hole fills.
	gap      map[uint64][]byte
	gapTimer *time.Timer
}

// Registry is the client side of the stream multiplexer. All table mutation
// flows through a single serialized actor, so sequencing decisions never
// race.
type Registry struct {
	cfg ClientConfig
	ref actor.Ref[registryMsg, any]
}

// NewRegistry spawns the registry actor on the given runtime.
func NewRegistry(rt *actor.Runtime, cfg ClientConfig) *Registry {
	cfg = cfg.normalize()

	r := &Registry{cfg: cfg}
	b := &registryBehavior{
		cfg:     cfg,
		reg:     r,
		pending: make(map[uuid.UUID]*clientStream),
		active:  make(map[uuid.UUID]*clientStream),
		byCall:  make(map[uuid.UUID]*clientStream),
	}
	r.ref = actor.Spawn[registryMsg, any](
		rt, "stream-registry-"+uuid.NewString(), b,
	)

	return r
}

// RegisterPending records a stream opened by call id, before the server's
// StreamStart has arrived, and returns the consumer's subscription.
func (r *Registry) RegisterPending(ctx context.Context, callID uuid.UUID,
	actorID wire.ActorID, target string) (*Subscription, error) {

	res, err := actor.AskAwait[registryMsg, any](ctx, r.ref, &registerMsg{
		callID:  callID,
		actorID: actorID,
		target:  target,
	})
	if err != nil {
		return nil, err
	}

	sub, ok := res.(*Subscription)
	if !ok {
		return nil, errors.New("unexpected register response")
	}

	return sub, nil
}

// OnStart routes a StreamStart envelope.
func (r *Registry) OnStart(ctx context.Context, start wire.StreamStart) {
	r.ref.Tell(ctx, &startMsg{start: start})
}

// OnData routes a StreamData envelope.
func (r *Registry) OnData(ctx context.Context, data wire.StreamData) {
	r.ref.Tell(ctx, &dataMsg{data: data})
}

// OnEnd routes a StreamEnd envelope.
func (r *Registry) OnEnd(ctx context.Context, end wire.StreamEnd) {
	r.ref.Tell(ctx, &endMsg{end: end})
}

// OnError routes a StreamError envelope.
func (r *Registry) OnError(ctx context.Context, streamErr wire.StreamError) {
	r.ref.Tell(ctx, &errorMsg{streamErr: streamErr})
}

// Checkpoints returns the resume state of every active stream. The client
// dispatcher replays these as streamResume envelopes after a reconnect.
func (r *Registry) Checkpoints(ctx context.Context) ([]Checkpoint, error) {
	res, err := actor.AskAwait[registryMsg, any](
		ctx, r.ref, &checkpointsMsg{},
	)
	if err != nil {
		return nil, err
	}

	cps, ok := res.([]Checkpoint)
	if !ok {
		return nil, errors.New("unexpected checkpoints response")
	}

	return cps, nil
}

// CancelPending abandons a stream by its call id, covering the window before
// any StreamStart has bound a stream id.
func (r *Registry) CancelPending(ctx context.Context, callID uuid.UUID) {
	r.ref.Tell(ctx, &cancelCallMsg{callID: callID})
}

// FailAll terminates every pending and active stream with a synthesized
// connectionClosed end. Called by the client dispatcher on session loss.
func (r *Registry) FailAll(ctx context.Context, err error) {
	r.ref.Tell(ctx, &failAllMsg{err: err})
}

// registryBehavior holds the stream tables. It runs inside a single actor,
// so no field needs locking.
type registryBehavior struct {
	cfg ClientConfig
	reg *Registry

	// pending holds streams awaiting their StreamStart, keyed by call id.
	pending map[uuid.UUID]*clientStream

	// active holds started streams keyed by stream id.
	active map[uuid.UUID]*clientStream

	// byCall indexes every live stream by call id so a rekindled
	// StreamStart can rebind an already-started subscription.
	byCall map[uuid.UUID]*clientStream
}

// Receive implements actor.Behavior.
func (b *registryBehavior) Receive(ctx context.Context,
	msg registryMsg) fn.Result[any] {

	switch m := msg.(type) {
	case *registerMsg:
		return fn.Ok[any](b.register(m))

	case *startMsg:
		b.onStart(ctx, m.start)

	case *dataMsg:
		b.onData(ctx, m.data)

	case *endMsg:
		b.terminate(m.end.StreamID, m.end.Reason, nil)

	case *errorMsg:
		b.terminate(
			m.streamErr.StreamID, wire.EndError,
			wire.NewRemoteInvocationError(m.streamErr.Message),
		)

	case *escalateMsg:
		b.escalate(ctx, m)

	case *unsubscribeMsg:
		b.terminate(m.streamID, wire.EndClientUnsubscribed, nil)

	case *cancelCallMsg:
		if cs, ok := b.byCall[m.callID]; ok {
			b.remove(cs)
			cs.sub.terminate(wire.EndClientUnsubscribed, nil)
		}

	case *checkpointsMsg:
		return fn.Ok[any](b.checkpoints())

	case *failAllMsg:
		b.failAll(m.err)
	}

	return fn.Ok[any](nil)
}

func (b *registryBehavior) register(m *registerMsg) *Subscription {
	sub := newSubscription(m.callID, b.cfg.SubscriptionBuffer)

	cs := &clientStream{
		sub:     sub,
		callID:  m.callID,
		actorID: m.actorID,
		target:  m.target,
		gap:     make(map[uint64][]byte),
	}
	sub.unsubscribe = func() {
		b.reg.ref.Tell(context.Background(), &unsubscribeMsg{
			streamID: sub.StreamID(),
		})
	}

	b.pending[m.callID] = cs
	b.byCall[m.callID] = cs

	return sub
}

func (b *registryBehavior) onStart(ctx context.Context,
	start wire.StreamStart) {

	cs, ok := b.byCall[start.CallID]
	if !ok {
		log.DebugS(ctx, "StreamStart for unknown call",
			"call_id", start.CallID, "stream_id", start.StreamID)
		return
	}

	if cs.started {
		// Rekindle: the server restarted the producer under a new
		// stream id. Sequencing starts over from 1.
		delete(b.active, cs.streamID)
		cs.lastDelivered = 0
		cs.gap = make(map[uint64][]byte)
		b.stopGapTimer(cs)
	}

	delete(b.pending, cs.callID)
	cs.streamID = start.StreamID
	cs.started = true
	cs.sub.setStreamID(start.StreamID)
	b.active[start.StreamID] = cs

	log.DebugS(ctx, "Stream started", "stream_id", start.StreamID,
		"target", start.Target)
}

func (b *registryBehavior) onData(ctx context.Context, data wire.StreamData) {
	cs, ok := b.active[data.StreamID]
	if !ok {
		log.TraceS(ctx, "StreamData for unknown stream",
			"stream_id", data.StreamID, "seq", data.Sequence)
		return
	}

	seq := data.Sequence
	switch {
	// Duplicate redelivery, typically during a resume replay.
	case seq <= cs.lastDelivered:
		return

	case seq == cs.lastDelivered+1:
		if !cs.sub.deliver(ctx, data.Payload) {
			return
		}
		cs.lastDelivered = seq

		// The hole may have been plugging a run of buffered
		// payloads.
		for {
			next, ok := cs.gap[cs.lastDelivered+1]
			if !ok {
				break
			}
			delete(cs.gap, cs.lastDelivered+1)

			if !cs.sub.deliver(ctx, next) {
				return
			}
			cs.lastDelivered++
		}

		if len(cs.gap) == 0 {
			b.stopGapTimer(cs)
		}

	// Out of order: buffer and start the inactivity clock.
	default:
		if _, dup := cs.gap[seq]; !dup {
			cs.gap[seq] = data.Payload
		}
		b.armGapTimer(cs)
	}
}

// armGapTimer starts the escalation timer if it is not already running.
func (b *registryBehavior) armGapTimer(cs *clientStream) {
	if cs.gapTimer != nil {
		return
	}

	streamID := cs.streamID
	atSeq := cs.lastDelivered
	cs.gapTimer = time.AfterFunc(b.cfg.GapTimeout, func() {
		b.reg.ref.Tell(context.Background(), &escalateMsg{
			streamID: streamID,
			atSeq:    atSeq,
		})
	})
}

func (b *registryBehavior) stopGapTimer(cs *clientStream) {
	if cs.gapTimer == nil {
		return
	}

	cs.gapTimer.Stop()
	cs.gapTimer = nil
}

// escalate fires a resume if the gap the timer was armed for is still open.
func (b *registryBehavior) escalate(ctx context.Context, m *escalateMsg) {
	cs, ok := b.active[m.streamID]
	if !ok {
		return
	}

	cs.gapTimer = nil
	if len(cs.gap) == 0 {
		// The gap filled in the meantime.
		return
	}

	if cs.lastDelivered > m.atSeq {
		// Some of the hole filled since the timer armed, but a gap
		// remains. Grant the stragglers a fresh timeout before a
		// resume is considered again.
		b.armGapTimer(cs)
		return
	}

	log.DebugS(ctx, "Sequence gap timed out, resuming",
		"stream_id", m.streamID, "last_seq", cs.lastDelivered)

	if b.cfg.Resume != nil {
		streamID := cs.streamID
		lastSeq := cs.lastDelivered
		go b.cfg.Resume(context.Background(), streamID, lastSeq)
	}

	// Keep escalating while the gap persists.
	b.armGapTimer(cs)
}

func (b *registryBehavior) terminate(streamID uuid.UUID,
	reason wire.EndReason, err error) {

	cs, ok := b.active[streamID]
	if !ok {
		return
	}

	b.remove(cs)
	cs.sub.terminate(reason, err)
}

func (b *registryBehavior) checkpoints() []Checkpoint {
	out := make([]Checkpoint, 0, len(b.active))
	for _, cs := range b.active {
		out = append(out, Checkpoint{
			StreamID:     cs.streamID,
			LastSequence: cs.lastDelivered,
			Target:       cs.target,
			Actor:        cs.actorID,
		})
	}

	return out
}

func (b *registryBehavior) failAll(err error) {
	if err == nil {
		err = wire.ErrConnectionClosed
	}

	for _, cs := range b.byCall {
		b.remove(cs)
		cs.sub.terminate(wire.EndConnectionClosed, err)
	}
}

func (b *registryBehavior) remove(cs *clientStream) {
	b.stopGapTimer(cs)
	delete(b.pending, cs.callID)
	delete(b.byCall, cs.callID)
	delete(b.active, cs.streamID)
}
