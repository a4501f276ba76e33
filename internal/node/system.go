package node

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/roasbeef/lattice/internal/actor"
	"github.com/roasbeef/lattice/internal/metrics"
	"github.com/roasbeef/lattice/internal/stream"
	"github.com/roasbeef/lattice/internal/transport"
	"github.com/roasbeef/lattice/internal/wire"
)

// DefaultStreamPrefix marks targets that open streams rather than return a
// single response.
const DefaultStreamPrefix = "observe"

// Config wires a System to its collaborators.
type Config struct {
	// Transport carries invocation and stream frames.
	Transport transport.Transport

	// Streams is the client-side stream registry.
	Streams *stream.Registry

	// StreamPrefix marks stream-opening targets. Defaults to "observe".
	StreamPrefix string

	// Collector, when set, tracks the actors.active gauge.
	Collector *metrics.Collector
}

// System is the invocation façade of a node: it assigns actor ids, resolves
// them to local actors or remote proxies, performs remote calls and stream
// opens, and executes inbound targets on locally hosted actors.
type System struct {
	cfg Config

	running atomic.Bool

	pending *pendingTable

	// locals holds actors hosted by this node, keyed by id.
	localMu sync.RWMutex
	locals  map[string]*LocalActor
}

// NewSystem creates a System whose pending-call table lives on the given
// actor runtime.
func NewSystem(rt *actor.Runtime, cfg Config) *System {
	if cfg.StreamPrefix == "" {
		cfg.StreamPrefix = DefaultStreamPrefix
	}

	return &System{
		cfg:     cfg,
		pending: newPendingTable(rt),
		locals:  make(map[string]*LocalActor),
	}
}

// Start marks the system as accepting remote calls.
func (s *System) Start() {
	s.running.Store(true)
}

// Stop refuses further remote calls and errors everything in flight.
func (s *System) Stop(ctx context.Context) {
	s.running.Store(false)
	s.pending.failAll(ctx, wire.ErrSystemNotRunning)
}

// AssignID generates a fresh unique actor id for the given actor type.
func (s *System) AssignID(actorType string) wire.ActorID {
	return wire.NewActorID(actorType + "-" + uuid.NewString())
}

// IsStreamTarget reports whether the target identifier opens a stream.
func (s *System) IsStreamTarget(target string) bool {
	return strings.HasPrefix(target, s.cfg.StreamPrefix)
}

// RegisterActor hosts a local actor on this node.
func (s *System) RegisterActor(a *LocalActor) {
	s.localMu.Lock()
	s.locals[a.ID()] = a
	s.localMu.Unlock()

	if s.cfg.Collector != nil {
		s.cfg.Collector.AddGauge(metrics.MetricActorsActive, 1, nil)
	}
}

// UnregisterActor removes a hosted actor, reporting whether it existed.
func (s *System) UnregisterActor(id string) bool {
	s.localMu.Lock()
	_, ok := s.locals[id]
	delete(s.locals, id)
	s.localMu.Unlock()

	if ok && s.cfg.Collector != nil {
		s.cfg.Collector.AddGauge(metrics.MetricActorsActive, -1, nil)
	}

	return ok
}

// LocalActor looks up a hosted actor by id.
func (s *System) LocalActor(id string) (*LocalActor, bool) {
	s.localMu.RLock()
	defer s.localMu.RUnlock()

	a, ok := s.locals[id]

	return a, ok
}

// Handle is a location-agnostic reference obtained from Resolve. Calls route
// directly when the actor is hosted here and over the transport otherwise.
type Handle struct {
	actorID wire.ActorID
	local   *LocalActor
	sys     *System
}

// ActorID returns the handle's identity.
func (h *Handle) ActorID() wire.ActorID {
	return h.actorID
}

// IsLocal reports whether the handle is bound to a locally hosted actor.
func (h *Handle) IsLocal() bool {
	return h.local != nil
}

// Call invokes a unary target through the handle.
func (h *Handle) Call(ctx context.Context, target string,
	args [][]byte) ([]byte, error) {

	if h.local != nil {
		return h.local.Invoke(ctx, target, args)
	}

	return h.sys.RemoteCall(ctx, h.actorID, target, args)
}

// Resolve turns an actor id string into a handle. Only a malformed id fails;
// an unknown but well-formed remote id yields a proxy bound to its endpoint.
func (s *System) Resolve(id string) (*Handle, error) {
	actorID, err := wire.ParseActorID(id)
	if err != nil {
		return nil, err
	}

	if local, ok := s.LocalActor(actorID.ID); ok {
		return &Handle{actorID: actorID, local: local, sys: s}, nil
	}

	return &Handle{actorID: actorID, sys: s}, nil
}

// RemoteCall performs one request-response invocation against a remote
// actor: register the pending sink, send the envelope, suspend until the
// response or the caller's context gives up.
func (s *System) RemoteCall(ctx context.Context, actorID wire.ActorID,
	target string, args [][]byte) ([]byte, error) {

	if !s.running.Load() {
		return nil, wire.ErrSystemNotRunning
	}

	callID := uuid.New()
	promise := actor.NewPromise[wire.Response]()

	// Register before sending, so a fast response cannot beat its sink.
	if err := s.pending.register(ctx, callID, promise); err != nil {
		return nil, err
	}

	start := time.Now()
	err := s.sendInvocation(ctx, wire.Invocation{
		CallID: callID,
		Actor:  actorID,
		Target: target,
		Args:   args,
	})
	if err != nil {
		s.pending.cancel(context.Background(), callID)
		return nil, err
	}

	resp, err := promise.Future().Await(ctx).Unpack()
	if err != nil {
		// Every termination path unregisters the sink; a late
		// response is then dropped by the table.
		s.pending.cancel(context.Background(), callID)

		if errors.Is(err, context.DeadlineExceeded) {
			return nil, wire.NewTimeoutError(time.Since(start))
		}

		return nil, err
	}

	if !resp.Success {
		return nil, wire.NewRemoteInvocationError(resp.Error)
	}

	return resp.Payload, nil
}

// RemoteCallStream opens a stream on a remote actor. It suspends until the
// server's StreamStart arrives and returns the stream id, used for
// checkpointing, along with the consumer's subscription.
func (s *System) RemoteCallStream(ctx context.Context, actorID wire.ActorID,
	target string, args [][]byte,
	filter *wire.StreamFilter) (uuid.UUID, *stream.Subscription, error) {

	if !s.running.Load() {
		return uuid.Nil, nil, wire.ErrSystemNotRunning
	}

	callID := uuid.New()
	sub, err := s.cfg.Streams.RegisterPending(ctx, callID, actorID, target)
	if err != nil {
		return uuid.Nil, nil, err
	}

	start := time.Now()
	err = s.sendInvocation(ctx, wire.Invocation{
		CallID: callID,
		Actor:  actorID,
		Target: target,
		Args:   args,
		Filter: filter,
	})
	if err != nil {
		s.cfg.Streams.CancelPending(context.Background(), callID)
		return uuid.Nil, nil, err
	}

	select {
	case <-sub.Started():
		return sub.StreamID(), sub, nil

	case <-sub.Done():
		err := sub.Err()
		if err == nil {
			err = wire.NewRemoteInvocationError(
				"stream ended before start",
			)
		}

		return uuid.Nil, nil, err

	case <-ctx.Done():
		s.cfg.Streams.CancelPending(context.Background(), callID)

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return uuid.Nil, nil, wire.NewTimeoutError(
				time.Since(start),
			)
		}

		return uuid.Nil, nil, ctx.Err()
	}
}

func (s *System) sendInvocation(ctx context.Context,
	inv wire.Invocation) error {

	data, err := wire.Marshal(wire.NewInvocationEnvelope(inv))
	if err != nil {
		return err
	}

	endpoint := transport.Endpoint{
		Host: inv.Actor.Host,
		Port: inv.Actor.Port,
	}

	log.TraceS(ctx, "Sending invocation", "call_id", inv.CallID,
		"target", inv.Target, "endpoint", endpoint)

	return s.cfg.Transport.Send(ctx, data, endpoint)
}

// CompletePendingCall routes an inbound response to its waiting caller.
// Unknown call ids are dropped silently.
func (s *System) CompletePendingCall(ctx context.Context,
	resp wire.Response) {

	s.pending.complete(ctx, resp)
}

// FailAllPending errors every in-flight remote call, typically on session
// loss.
func (s *System) FailAllPending(ctx context.Context, err error) {
	s.pending.failAll(ctx, err)
}

// ExecuteTarget runs an inbound unary invocation against the hosted actor it
// names.
func (s *System) ExecuteTarget(ctx context.Context,
	inv wire.Invocation) ([]byte, error) {

	local, ok := s.LocalActor(inv.Actor.ID)
	if !ok {
		return nil, wire.NewActorNotFoundError(inv.Actor.ID)
	}

	return local.Invoke(ctx, inv.Target, inv.Args)
}

// ExecuteStreamingTarget runs an inbound streaming invocation, returning the
// producer's payload sequence. Its shape matches stream.Opener.
func (s *System) ExecuteStreamingTarget(ctx context.Context,
	inv wire.Invocation) (iter.Seq2[[]byte, error], error) {

	local, ok := s.LocalActor(inv.Actor.ID)
	if !ok {
		return nil, wire.NewActorNotFoundError(inv.Actor.ID)
	}

	return local.InvokeStream(ctx, inv.Target, inv.Args)
}
