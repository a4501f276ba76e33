// Package client owns the outbound side of a node: a single session to a
// configured endpoint, the connection state machine with exponential-backoff
// reconnection, and the routing of inbound envelopes to the pending-call and
// stream tables.
package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roasbeef/lattice/internal/node"
	"github.com/roasbeef/lattice/internal/stream"
	"github.com/roasbeef/lattice/internal/transport"
	"github.com/roasbeef/lattice/internal/wire"
)

// Config wires a Client to its collaborators.
type Config struct {
	// Endpoint is the server to maintain a session with.
	Endpoint transport.Endpoint

	// Transport carries the session. It must also implement
	// transport.Dialer.
	Transport transport.Transport

	// System receives matched responses.
	System *node.System

	// Streams receives stream envelopes and supplies resume checkpoints.
	Streams *stream.Registry

	// Policy governs reconnection. The zero value disables it.
	Policy ReconnectPolicy

	// OnStateChange, when set, observes every state transition.
	OnStateChange func(State)
}

// Client is the outbound dispatch loop of a node.
type Client struct {
	cfg    Config
	dialer transport.Dialer

	mu    sync.Mutex
	state State

	runOnce  sync.Once
	stopOnce sync.Once
	quit     chan struct{}
	wg       sync.WaitGroup
}

// New creates an unconnected Client.
func New(cfg Config) (*Client, error) {
	dialer, ok := cfg.Transport.(transport.Dialer)
	if !ok {
		return nil, wire.NewInvalidConfigError(
			"transport cannot dial outbound sessions",
		)
	}

	return &Client{
		cfg:    cfg,
		dialer: dialer,
		quit:   make(chan struct{}),
	}, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// setState transitions the machine and notifies the observer.
func (c *Client) setState(s State) {
	c.mu.Lock()
	prev := c.state
	c.state = s
	c.mu.Unlock()

	log.DebugS(context.Background(), "Connection state changed",
		"from", prev, "to", s)

	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(s)
	}
}

// Connect establishes the session. It is legal only from the disconnected or
// failed states; a failed Connect lands in failed and requires an explicit
// retry.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.CanConnect() {
		state := c.state
		c.mu.Unlock()

		return wire.NewInvalidConfigError(
			"connect not allowed in state " + state.String(),
		)
	}
	c.state = State{Kind: StateConnecting}
	c.mu.Unlock()

	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(State{Kind: StateConnecting})
	}

	if err := c.dialer.Dial(ctx, c.cfg.Endpoint); err != nil {
		c.setState(State{Kind: StateFailed, Err: err})
		return err
	}

	c.setState(State{Kind: StateConnected})

	// The inbound consumer spans the client's whole lifetime; sessions
	// may come and go underneath it.
	c.runOnce.Do(func() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.run()
		}()
	})

	return nil
}

// OnDisconnect is the session-loss hook; wire it into the transport's
// OnDisconnect when constructing the transport. In-flight calls fail
// immediately; active streams survive into the reconnected session via their
// checkpoints.
func (c *Client) OnDisconnect(endpoint transport.Endpoint, err error) {
	if endpoint != c.cfg.Endpoint {
		return
	}

	select {
	case <-c.quit:
		return
	default:
	}

	ctx := context.Background()
	if err == nil {
		err = wire.ErrConnectionClosed
	}
	c.cfg.System.FailAllPending(ctx, wire.ErrConnectionClosed)

	c.mu.Lock()
	wasConnected := c.state.IsConnected()
	c.mu.Unlock()

	if !wasConnected || c.cfg.Policy.MaxAttempts <= 0 {
		c.cfg.Streams.FailAll(ctx, wire.ErrConnectionClosed)
		c.setState(State{Kind: StateFailed, Err: err})

		return
	}

	log.InfoS(ctx, "Session lost, reconnecting",
		"endpoint", endpoint, "err", err)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reconnect(err)
	}()
}

// reconnect walks the backoff schedule until a dial succeeds or the policy
// gives up.
func (c *Client) reconnect(cause error) {
	ctx := context.Background()

	for n := 1; n <= c.cfg.Policy.MaxAttempts; n++ {
		c.setState(State{Kind: StateReconnecting, Attempt: n})

		select {
		case <-time.After(c.cfg.Policy.DelayFor(n)):
		case <-c.quit:
			return
		}

		err := c.dialer.Dial(ctx, c.cfg.Endpoint)
		if err != nil {
			cause = err
			continue
		}

		c.setState(State{Kind: StateConnected})
		c.resumeStreams(ctx)

		return
	}

	// Out of attempts: everything still waiting learns the truth.
	c.cfg.Streams.FailAll(ctx, wire.ErrConnectionClosed)
	c.setState(State{Kind: StateFailed, Err: cause})
}

// resumeStreams emits a streamResume for every active checkpoint.
func (c *Client) resumeStreams(ctx context.Context) {
	cps, err := c.cfg.Streams.Checkpoints(ctx)
	if err != nil {
		log.ErrorS(ctx, "Checkpoint read failed", err)
		return
	}

	for _, cp := range cps {
		c.SendResume(ctx, cp.StreamID, cp.LastSequence)
	}

	if len(cps) > 0 {
		log.InfoS(ctx, "Resumed streams after reconnect",
			"num_streams", len(cps))
	}
}

// SendResume emits one streamResume envelope. It also serves as the stream
// registry's gap-escalation hook.
func (c *Client) SendResume(ctx context.Context, streamID uuid.UUID,
	lastSeq uint64) {

	data, err := wire.Marshal(wire.NewStreamResumeEnvelope(
		wire.StreamResume{
			StreamID:     streamID,
			LastSequence: lastSeq,
		},
	))
	if err != nil {
		log.ErrorS(ctx, "Resume marshal failed", err)
		return
	}

	if err := c.cfg.Transport.Send(ctx, data, c.cfg.Endpoint); err != nil {
		log.DebugS(ctx, "Resume send failed",
			"stream_id", streamID, "err", err)
	}
}

// run consumes the transport's inbound stream for the client's lifetime.
func (c *Client) run() {
	for msg := range c.cfg.Transport.Incoming() {
		c.route(context.Background(), msg)
	}
}

// route hands one inbound envelope to the matching table.
func (c *Client) route(ctx context.Context, msg transport.Message) {
	env, err := wire.Unmarshal(msg.Data)
	if err != nil {
		log.DebugS(ctx, "Dropping undecodable frame", "err", err)
		return
	}

	switch env.Kind {
	case wire.KindResponse:
		c.cfg.System.CompletePendingCall(ctx, *env.Response)

	case wire.KindStreamStart:
		c.cfg.Streams.OnStart(ctx, *env.StreamStart)

	case wire.KindStreamData:
		c.cfg.Streams.OnData(ctx, *env.StreamData)

	case wire.KindStreamEnd:
		c.cfg.Streams.OnEnd(ctx, *env.StreamEnd)

	case wire.KindStreamError:
		c.cfg.Streams.OnError(ctx, *env.StreamError)

	default:
		// Server-bound kinds are invalid on this side.
		log.DebugS(ctx, "Dropping misdirected envelope",
			"kind", env.Kind)
	}
}

// Close tears the client down: no further reconnects, transport shut down,
// everything in flight failed.
func (c *Client) Close(ctx context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		close(c.quit)

		c.cfg.System.FailAllPending(ctx, wire.ErrConnectionClosed)
		c.cfg.Streams.FailAll(ctx, wire.ErrConnectionClosed)

		err = c.cfg.Transport.Shutdown(ctx)

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-ctx.Done():
			err = errors.Join(err, ctx.Err())
		}

		c.setState(State{Kind: StateDisconnected})
	})

	return err
}
