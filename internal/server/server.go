// Package server accepts inbound transport messages, decodes envelopes, and
// routes them: invocations to the actor system (directly or through a
// dispatcher such as the gateway chain), resumes to the stream registry.
package server

import (
	"context"
	"sync"

	"github.com/roasbeef/lattice/internal/node"
	"github.com/roasbeef/lattice/internal/stream"
	"github.com/roasbeef/lattice/internal/transport"
	"github.com/roasbeef/lattice/internal/wire"
)

// Next performs the actual execution of an invocation once every dispatcher
// layer has let it through.
type Next func(ctx context.Context, inv wire.Invocation) ([]byte, error)

// Dispatcher sits between decoding and execution. The default implementation
// calls next directly; the gateway implements this with its middleware
// chain.
type Dispatcher interface {
	Dispatch(ctx context.Context, inv wire.Invocation,
		next Next) ([]byte, error)
}

// passThrough is the dispatcher used when none is configured.
type passThrough struct{}

func (passThrough) Dispatch(ctx context.Context, inv wire.Invocation,
	next Next) ([]byte, error) {

	return next(ctx, inv)
}

// OnActorRequestFunc is invoked the first time an invocation names an
// unknown actor id. Returning a non-nil actor exposes it under that name and
// lets the invocation proceed.
type OnActorRequestFunc func(id string) *node.LocalActor

// Config wires a Server to its collaborators.
type Config struct {
	// Transport supplies inbound messages and carries replies.
	Transport transport.Transport

	// Endpoint is the listen address.
	Endpoint transport.Endpoint

	// System executes invocation targets.
	System *node.System

	// Streams is the server-side stream registry.
	Streams *stream.ServerRegistry

	// Dispatcher intercepts invocations. Nil means direct execution.
	Dispatcher Dispatcher

	// OnActorRequest enables dynamic exposure of unknown actor names.
	OnActorRequest OnActorRequestFunc
}

// Server is the inbound dispatch loop of a node.
type Server struct {
	cfg Config

	// exposed maps public actor names to hosted actor ids.
	exposedMu sync.RWMutex
	exposed   map[string]string

	wg       sync.WaitGroup
	quit     chan struct{}
	stopOnce sync.Once
}

// New creates an unstarted Server.
func New(cfg Config) *Server {
	if cfg.Dispatcher == nil {
		cfg.Dispatcher = passThrough{}
	}

	return &Server{
		cfg:     cfg,
		exposed: make(map[string]string),
		quit:    make(chan struct{}),
	}
}

// Expose registers a hosted actor under a public name.
func (s *Server) Expose(name string, a *node.LocalActor) {
	s.cfg.System.RegisterActor(a)

	s.exposedMu.Lock()
	s.exposed[name] = a.ID()
	s.exposedMu.Unlock()

	log.InfoS(context.Background(), "Actor exposed",
		"name", name, "actor_id", a.ID())
}

// Unexpose withdraws a public name, terminating any streams its actor is
// producing.
func (s *Server) Unexpose(ctx context.Context, name string) bool {
	s.exposedMu.Lock()
	id, ok := s.exposed[name]
	delete(s.exposed, name)
	s.exposedMu.Unlock()

	if !ok {
		return false
	}

	s.cfg.System.UnregisterActor(id)
	s.cfg.Streams.CloseActor(ctx, wire.NewActorID(id))

	// Streams opened under the public name terminate too.
	s.cfg.Streams.CloseActor(ctx, wire.NewActorID(name))

	return true
}

// lookupExposed translates a public name to its hosted actor id.
func (s *Server) lookupExposed(name string) (string, bool) {
	s.exposedMu.RLock()
	defer s.exposedMu.RUnlock()

	id, ok := s.exposed[name]

	return id, ok
}

// Start binds the listener and begins consuming inbound messages.
func (s *Server) Start(ctx context.Context) error {
	if err := s.cfg.Transport.Listen(ctx, s.cfg.Endpoint); err != nil {
		return err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()

	log.InfoS(ctx, "Server started", "endpoint", s.cfg.Endpoint)

	return nil
}

// Stop shuts the transport down and waits for in-flight handlers.
func (s *Server) Stop(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		close(s.quit)
		err = s.cfg.Transport.Shutdown(ctx)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})

	return err
}

// run is the dispatch loop: one consumer on the transport's inbound stream,
// one handler goroutine per message.
func (s *Server) run() {
	for msg := range s.cfg.Transport.Incoming() {
		msg := msg
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(context.Background(), msg)
		}()
	}
}

// handle decodes and routes one inbound message.
func (s *Server) handle(ctx context.Context, msg transport.Message) {
	env, err := wire.Unmarshal(msg.Data)
	if err != nil {
		// If the broken frame still carries a call id, tell the
		// caller; otherwise there is nobody to tell.
		if callID, ok := wire.ExtractCallID(msg.Data); ok {
			s.respond(ctx, msg, wire.NewResponseEnvelope(
				wire.FailureResponse(callID, err.Error()),
			))
			return
		}

		log.DebugS(ctx, "Dropping undecodable frame", "err", err)

		return
	}

	switch env.Kind {
	case wire.KindInvocation:
		s.handleInvocation(ctx, msg, *env.Invocation)

	case wire.KindStreamResume:
		err := s.cfg.Streams.Resume(
			ctx, *env.StreamResume, s.sendFunc(msg),
		)
		if err != nil {
			log.ErrorS(ctx, "Stream resume failed", err,
				"stream_id", env.StreamResume.StreamID)
		}

	default:
		// Client-bound kinds are invalid on this side.
		log.DebugS(ctx, "Dropping misdirected envelope",
			"kind", env.Kind)
	}
}

// handleInvocation translates the actor name, routes stream openers to the
// stream registry, and executes unary targets.
func (s *Server) handleInvocation(ctx context.Context, msg transport.Message,
	inv wire.Invocation) {

	s.translateActor(&inv)

	if s.cfg.System.IsStreamTarget(inv.Target) {
		open := func(ctx context.Context,
			inv wire.Invocation) ([]byte, error) {

			_, err := s.cfg.Streams.Open(
				ctx, inv, s.sendFunc(msg),
			)

			// StreamStart is the acknowledgement; there is no
			// response payload.
			return nil, err
		}

		_, err := s.cfg.Dispatcher.Dispatch(ctx, inv, open)
		if err != nil {
			s.respond(ctx, msg, wire.NewResponseEnvelope(
				wire.FailureResponse(
					inv.CallID, err.Error(),
				),
			))
		}

		return
	}

	payload, err := s.cfg.Dispatcher.Dispatch(
		ctx, inv, s.cfg.System.ExecuteTarget,
	)

	var resp wire.Response
	if err != nil {
		resp = wire.FailureResponse(inv.CallID, err.Error())
	} else {
		resp = wire.SuccessResponse(inv.CallID, payload)
	}

	s.respond(ctx, msg, wire.NewResponseEnvelope(resp))
}

// translateActor rewrites a public actor name to its hosted id, consulting
// the dynamic exposure callback for unknown names.
func (s *Server) translateActor(inv *wire.Invocation) {
	if _, hosted := s.cfg.System.LocalActor(inv.Actor.ID); hosted {
		return
	}

	if id, ok := s.lookupExposed(inv.Actor.ID); ok {
		inv.Actor.ID = id
		return
	}

	if s.cfg.OnActorRequest == nil {
		return
	}

	if a := s.cfg.OnActorRequest(inv.Actor.ID); a != nil {
		s.Expose(inv.Actor.ID, a)
		inv.Actor.ID = a.ID()
	}
}

// sendFunc adapts a message's respond side-channel into a stream.SendFunc.
func (s *Server) sendFunc(msg transport.Message) stream.SendFunc {
	return func(ctx context.Context, env wire.Envelope) error {
		data, err := wire.Marshal(env)
		if err != nil {
			return err
		}

		return msg.Respond(ctx, data)
	}
}

// respond writes one envelope back over the originating session.
func (s *Server) respond(ctx context.Context, msg transport.Message,
	env wire.Envelope) {

	data, err := wire.Marshal(env)
	if err != nil {
		log.ErrorS(ctx, "Response marshal failed", err)
		return
	}

	if err := msg.Respond(ctx, data); err != nil {
		log.DebugS(ctx, "Response write failed", "err", err)
	}
}
