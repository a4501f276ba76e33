package node

import (
	"context"

	"github.com/google/uuid"
	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/actor"
	"github.com/roasbeef/lattice/internal/wire"
)

// pendingMsg is the sealed message set of the pending-call table actor.
type pendingMsg interface {
	actor.Message
	pendingMsg()
}

type registerCallMsg struct {
	actor.BaseMessage
	callID  uuid.UUID
	promise actor.Promise[wire.Response]
}

type completeCallMsg struct {
	actor.BaseMessage
	resp wire.Response
}

type cancelCallMsg struct {
	actor.BaseMessage
	callID uuid.UUID
}

type failAllCallsMsg struct {
	actor.BaseMessage
	err error
}

func (registerCallMsg) MessageType() string { return "register_call" }
func (completeCallMsg) MessageType() string { return "complete_call" }
func (cancelCallMsg) MessageType() string   { return "cancel_call" }
func (failAllCallsMsg) MessageType() string { return "fail_all_calls" }

func (registerCallMsg) pendingMsg() {}
func (completeCallMsg) pendingMsg() {}
func (cancelCallMsg) pendingMsg()   {}
func (failAllCallsMsg) pendingMsg() {}

// pendingTable serializes all mutation of the in-flight call map through one
// actor, so a response can never race its call's registration.
type pendingTable struct {
	ref actor.Ref[pendingMsg, any]
}

func newPendingTable(rt *actor.Runtime) *pendingTable {
	b := &pendingBehavior{
		sinks: make(map[uuid.UUID]actor.Promise[wire.Response]),
	}

	return &pendingTable{
		ref: actor.Spawn[pendingMsg, any](
			rt, "pending-calls-"+uuid.NewString(), b,
		),
	}
}

// register installs the promise for a call id before the invocation is sent.
// The Ask round trip guarantees the sink is in place when this returns.
func (p *pendingTable) register(ctx context.Context, callID uuid.UUID,
	promise actor.Promise[wire.Response]) error {

	_, err := actor.AskAwait[pendingMsg, any](ctx, p.ref,
		&registerCallMsg{callID: callID, promise: promise})

	return err
}

// complete matches a response to its sink; unknown call ids are dropped.
func (p *pendingTable) complete(ctx context.Context, resp wire.Response) {
	p.ref.Tell(ctx, &completeCallMsg{resp: resp})
}

// cancel removes a sink on a caller's termination path without completing it.
func (p *pendingTable) cancel(ctx context.Context, callID uuid.UUID) {
	p.ref.Tell(ctx, &cancelCallMsg{callID: callID})
}

// failAll errors every in-flight call, typically on session loss.
func (p *pendingTable) failAll(ctx context.Context, err error) {
	p.ref.Tell(ctx, &failAllCallsMsg{err: err})
}

type pendingBehavior struct {
	sinks map[uuid.UUID]actor.Promise[wire.Response]
}

// Receive implements actor.Behavior.
func (b *pendingBehavior) Receive(ctx context.Context,
	msg pendingMsg) fn.Result[any] {

	switch m := msg.(type) {
	case *registerCallMsg:
		b.sinks[m.callID] = m.promise

	case *completeCallMsg:
		promise, ok := b.sinks[m.resp.CallID]
		if !ok {
			// Late response to a cancelled or timed-out call.
			log.TraceS(ctx, "Dropping response for unknown call",
				"call_id", m.resp.CallID)
			return fn.Ok[any](nil)
		}
		delete(b.sinks, m.resp.CallID)
		promise.Complete(fn.Ok(m.resp))

	case *cancelCallMsg:
		delete(b.sinks, m.callID)

	case *failAllCallsMsg:
		err := m.err
		if err == nil {
			err = wire.ErrConnectionClosed
		}
		for id, promise := range b.sinks {
			delete(b.sinks, id)
			promise.Complete(fn.Err[wire.Response](err))
		}
	}

	return fn.Ok[any](nil)
}
