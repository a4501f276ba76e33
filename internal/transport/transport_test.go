package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/roasbeef/lattice/internal/wire"
	"github.com/stretchr/testify/require"
)

// startServer spins up a listening transport on an ephemeral port and returns
// it along with its bound endpoint.
func startServer(t *testing.T, cfg Config) (*WebSocketTransport, Endpoint) {
	t.Helper()

	srv := NewWebSocketTransport(cfg)
	err := srv.Listen(context.Background(), Endpoint{Host: "127.0.0.1"})
	require.NoError(t, err)

	t.Cleanup(func() {
		srv.Shutdown(context.Background())
	})

	bound, ok := srv.BoundEndpoint()
	require.True(t, ok)
	require.NotZero(t, bound.Port)

	return srv, bound
}

// TestSendDeliversToListener checks the basic path: a frame sent by a client
// transport shows up on the server's Incoming stream with the payload intact.
func TestSendDeliversToListener(t *testing.T) {
	t.Parallel()

	srv, endpoint := startServer(t, DefaultConfig())

	client := NewWebSocketTransport(DefaultConfig())
	defer client.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload := []byte(`{"kind":"invocation"}`)
	require.NoError(t, client.Send(ctx, payload, endpoint))

	select {
	case msg := <-srv.Incoming():
		require.Equal(t, payload, msg.Data)
		require.NotNil(t, msg.Source)
		require.NotNil(t, msg.Respond)

	case <-ctx.Done():
		t.Fatal("no message received")
	}
}

// TestRespondUsesOriginatingSession checks that a server reply travels back
// over the session the request arrived on and lands on the client's Incoming
// stream.
func TestRespondUsesOriginatingSession(t *testing.T) {
	t.Parallel()

	srv, endpoint := startServer(t, DefaultConfig())

	client := NewWebSocketTransport(DefaultConfig())
	defer client.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Send(ctx, []byte("ping"), endpoint))

	var msg Message
	select {
	case msg = <-srv.Incoming():
	case <-ctx.Done():
		t.Fatal("no inbound message")
	}

	require.NoError(t, msg.Respond(ctx, []byte("pong")))

	select {
	case reply := <-client.Incoming():
		require.Equal(t, []byte("pong"), reply.Data)

	case <-ctx.Done():
		t.Fatal("no reply received")
	}
}

// TestSendReusesPooledSession verifies that repeated sends to one endpoint
// share a single connection: the server should track exactly one inbound
// session.
func TestSendReusesPooledSession(t *testing.T) {
	t.Parallel()

	srv, endpoint := startServer(t, DefaultConfig())

	client := NewWebSocketTransport(DefaultConfig())
	defer client.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 10; i++ {
		data := []byte(fmt.Sprintf("frame-%d", i))
		require.NoError(t, client.Send(ctx, data, endpoint))
	}
	for i := 0; i < 10; i++ {
		select {
		case <-srv.Incoming():
		case <-ctx.Done():
			t.Fatalf("missing frame %d", i)
		}
	}

	client.poolMu.Lock()
	poolSize := len(client.pool)
	client.poolMu.Unlock()
	require.Equal(t, 1, poolSize)

	srv.poolMu.Lock()
	inbound := len(srv.inboundSessions)
	srv.poolMu.Unlock()
	require.Equal(t, 1, inbound)
}

// TestSendToDeadEndpointFails checks dial failures are shaped as connection
// errors carrying the endpoint.
func TestSendToDeadEndpointFails(t *testing.T) {
	t.Parallel()

	client := NewWebSocketTransport(Config{
		DialTimeout: 500 * time.Millisecond,
	})
	defer client.Shutdown(context.Background())

	// Port 1 on localhost is essentially never listening.
	err := client.Send(
		context.Background(), []byte("x"),
		Endpoint{Host: "127.0.0.1", Port: 1},
	)
	require.Error(t, err)
	require.ErrorIs(t, err, wire.ErrConnectionFailed)
}

// TestShutdownClosesIncoming verifies Shutdown closes the Incoming channel
// and is safe to call more than once.
func TestShutdownClosesIncoming(t *testing.T) {
	t.Parallel()

	srv, endpoint := startServer(t, DefaultConfig())

	client := NewWebSocketTransport(DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Dial(ctx, endpoint))

	require.NoError(t, client.Shutdown(context.Background()))
	require.NoError(t, client.Shutdown(context.Background()))

	_, open := <-client.Incoming()
	require.False(t, open)

	// Sending on a shut-down transport dials a fresh session or fails;
	// either way it must not panic. Drain the server side.
	require.NoError(t, srv.Shutdown(context.Background()))
	_, open = <-srv.Incoming()
	require.False(t, open)
}

// TestOnDisconnectFires checks the disconnect hook runs when the peer drops
// the session, but not during an orderly Shutdown.
func TestOnDisconnectFires(t *testing.T) {
	t.Parallel()

	srv, endpoint := startServer(t, DefaultConfig())

	gone := make(chan Endpoint, 1)
	cfg := DefaultConfig()
	cfg.OnDisconnect = func(ep Endpoint, err error) {
		gone <- ep
	}

	client := NewWebSocketTransport(cfg)
	defer client.Shutdown(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Dial(ctx, endpoint))

	// Tearing the server down drops the client's session from the far
	// side.
	require.NoError(t, srv.Shutdown(context.Background()))

	select {
	case ep := <-gone:
		require.Equal(t, endpoint, ep)

	case <-ctx.Done():
		t.Fatal("disconnect hook never fired")
	}
}

// TestConfigNormalize checks zero values pick up defaults and PingPeriod
// stays under PongWait.
func TestConfigNormalize(t *testing.T) {
	t.Parallel()

	cfg := Config{}.normalize()
	def := DefaultConfig()

	require.Equal(t, def.InboundBuffer, cfg.InboundBuffer)
	require.Equal(t, def.DialTimeout, cfg.DialTimeout)
	require.Equal(t, def.MaxMessageSize, cfg.MaxMessageSize)
	require.Less(t, cfg.PingPeriod, cfg.PongWait)

	custom := Config{PongWait: 10 * time.Second}.normalize()
	require.Equal(t, 9*time.Second, custom.PingPeriod)
}
