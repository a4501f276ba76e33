package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/roasbeef/lattice/internal/actor"
	"github.com/roasbeef/lattice/internal/stream"
	"github.com/roasbeef/lattice/internal/transport"
	"github.com/roasbeef/lattice/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeTransport captures sent envelopes instead of hitting the network.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []wire.Envelope
	sendErr error

	// ch signals each send to the test.
	ch chan wire.Envelope
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{ch: make(chan wire.Envelope, 16)}
}

func (f *fakeTransport) Send(_ context.Context, data []byte,
	_ transport.Endpoint) error {

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return f.sendErr
	}

	env, err := wire.Unmarshal(data)
	if err != nil {
		return err
	}
	f.sent = append(f.sent, env)
	f.ch <- env

	return nil
}

func (f *fakeTransport) Listen(context.Context, transport.Endpoint) error {
	return nil
}

func (f *fakeTransport) Incoming() <-chan transport.Message {
	return nil
}

func (f *fakeTransport) Shutdown(context.Context) error {
	return nil
}

func (f *fakeTransport) sentEnvelopes() []wire.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]wire.Envelope, len(f.sent))
	copy(out, f.sent)

	return out
}

// newTestSystem wires a running System to a fake transport and a stream
// registry on a throwaway runtime.
func newTestSystem(t *testing.T) (*System, *fakeTransport) {
	t.Helper()

	rt := actor.NewRuntime()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(
			context.Background(), 5*time.Second,
		)
		defer cancel()
		rt.Shutdown(ctx)
	})

	ft := newFakeTransport()
	sys := NewSystem(rt, Config{
		Transport: ft,
		Streams:   stream.NewRegistry(rt, stream.ClientConfig{}),
	})
	sys.Start()

	return sys, ft
}

func remoteActor() wire.ActorID {
	return wire.RemoteActorID("counter-1", "localhost", 9000)
}

func TestAssignIDIsUnique(t *testing.T) {
	t.Parallel()

	sys, _ := newTestSystem(t)

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := sys.AssignID("counter")
		require.False(t, id.IsRemote())
		require.Contains(t, id.ID, "counter-")

		_, dup := seen[id.ID]
		require.False(t, dup)
		seen[id.ID] = struct{}{}
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	sys, _ := newTestSystem(t)

	local := NewLocalActor("hosted")
	sys.RegisterActor(local)

	h, err := sys.Resolve("hosted")
	require.NoError(t, err)
	require.True(t, h.IsLocal())

	h, err = sys.Resolve("elsewhere@otherhost:7000")
	require.NoError(t, err)
	require.False(t, h.IsLocal())
	require.Equal(t, "otherhost", h.ActorID().Host)

	_, err = sys.Resolve("bad@host:notaport")
	require.ErrorIs(t, err, wire.ErrActorNotFound)
}

func TestRemoteCallRoundTrip(t *testing.T) {
	t.Parallel()

	sys, ft := newTestSystem(t)

	type result struct {
		payload []byte
		err     error
	}
	done := make(chan result, 1)
	go func() {
		payload, err := sys.RemoteCall(
			context.Background(), remoteActor(), "increment",
			[][]byte{[]byte(`5`)},
		)
		done <- result{payload, err}
	}()

	env := <-ft.ch
	require.Equal(t, wire.KindInvocation, env.Kind)
	require.Equal(t, "increment", env.Invocation.Target)

	sys.CompletePendingCall(context.Background(), wire.SuccessResponse(
		env.Invocation.CallID, []byte(`42`),
	))

	res := <-done
	require.NoError(t, res.err)
	require.Equal(t, []byte(`42`), res.payload)
}

func TestRemoteCallFailureResponse(t *testing.T) {
	t.Parallel()

	sys, ft := newTestSystem(t)

	done := make(chan error, 1)
	go func() {
		_, err := sys.RemoteCall(
			context.Background(), remoteActor(), "increment", nil,
		)
		done <- err
	}()

	env := <-ft.ch
	sys.CompletePendingCall(context.Background(), wire.FailureResponse(
		env.Invocation.CallID, "no such counter",
	))

	err := <-done
	require.ErrorIs(t, err, wire.ErrRemoteInvocation)
	require.Contains(t, err.Error(), "no such counter")
}

func TestRemoteCallTimeout(t *testing.T) {
	t.Parallel()

	sys, ft := newTestSystem(t)

	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()

	_, err := sys.RemoteCall(ctx, remoteActor(), "increment", nil)
	require.ErrorIs(t, err, wire.ErrTimeout)

	// A response arriving after the caller gave up is dropped silently.
	env := <-ft.ch
	sys.CompletePendingCall(context.Background(), wire.SuccessResponse(
		env.Invocation.CallID, []byte(`1`),
	))
}

func TestRemoteCallWhileStopped(t *testing.T) {
	t.Parallel()

	sys, _ := newTestSystem(t)
	sys.Stop(context.Background())

	_, err := sys.RemoteCall(
		context.Background(), remoteActor(), "increment", nil,
	)
	require.ErrorIs(t, err, wire.ErrSystemNotRunning)
}

func TestFailAllPendingErrorsInFlightCalls(t *testing.T) {
	t.Parallel()

	sys, ft := newTestSystem(t)

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := sys.RemoteCall(
				context.Background(), remoteActor(),
				"increment", nil,
			)
			errs <- err
		}()
	}

	// Both invocations are on the wire before the session drops.
	<-ft.ch
	<-ft.ch
	sys.FailAllPending(context.Background(), wire.ErrConnectionClosed)

	for i := 0; i < 2; i++ {
		require.ErrorIs(t, <-errs, wire.ErrConnectionClosed)
	}
}

func TestCallIDsAreUnique(t *testing.T) {
	t.Parallel()

	sys, ft := newTestSystem(t)

	const calls = 20
	for i := 0; i < calls; i++ {
		go func() {
			sys.RemoteCall(
				context.Background(), remoteActor(),
				"increment", nil,
			)
		}()
	}

	seen := make(map[uuid.UUID]struct{})
	for i := 0; i < calls; i++ {
		env := <-ft.ch
		_, dup := seen[env.Invocation.CallID]
		require.False(t, dup)
		seen[env.Invocation.CallID] = struct{}{}

		sys.CompletePendingCall(
			context.Background(),
			wire.SuccessResponse(env.Invocation.CallID, nil),
		)
	}
}

func TestRemoteCallStreamWaitsForStart(t *testing.T) {
	t.Parallel()

	sys, ft := newTestSystem(t)

	type opened struct {
		streamID uuid.UUID
		sub      *stream.Subscription
		err      error
	}
	done := make(chan opened, 1)
	go func() {
		id, sub, err := sys.RemoteCallStream(
			context.Background(), remoteActor(),
			"observeState", nil, nil,
		)
		done <- opened{id, sub, err}
	}()

	env := <-ft.ch
	require.Equal(t, wire.KindInvocation, env.Kind)
	require.True(t, sys.IsStreamTarget(env.Invocation.Target))

	streamID := uuid.New()
	sys.cfg.Streams.OnStart(context.Background(), wire.StreamStart{
		StreamID: streamID,
		CallID:   env.Invocation.CallID,
		Actor:    env.Invocation.Actor,
		Target:   env.Invocation.Target,
	})

	got := <-done
	require.NoError(t, got.err)
	require.Equal(t, streamID, got.streamID)
	require.NotNil(t, got.sub)
}

func TestExecuteTarget(t *testing.T) {
	t.Parallel()

	sys, _ := newTestSystem(t)

	counter := NewLocalActor("counter-1").Handle("increment",
		func(_ context.Context, args [][]byte) ([]byte, error) {
			return args[0], nil
		})
	sys.RegisterActor(counter)

	payload, err := sys.ExecuteTarget(context.Background(),
		wire.Invocation{
			CallID: uuid.New(),
			Actor:  wire.NewActorID("counter-1"),
			Target: "increment",
			Args:   [][]byte{[]byte(`7`)},
		})
	require.NoError(t, err)
	require.Equal(t, []byte(`7`), payload)

	// Unknown hosted actor.
	_, err = sys.ExecuteTarget(context.Background(), wire.Invocation{
		CallID: uuid.New(),
		Actor:  wire.NewActorID("nobody"),
		Target: "increment",
	})
	require.ErrorIs(t, err, wire.ErrActorNotFound)

	// Known actor, unknown target.
	_, err = sys.ExecuteTarget(context.Background(), wire.Invocation{
		CallID: uuid.New(),
		Actor:  wire.NewActorID("counter-1"),
		Target: "decrement",
	})
	require.ErrorIs(t, err, wire.ErrRemoteInvocation)
}

func TestIsStreamTarget(t *testing.T) {
	t.Parallel()

	sys, _ := newTestSystem(t)

	require.True(t, sys.IsStreamTarget("observeState"))
	require.True(t, sys.IsStreamTarget("observe"))
	require.False(t, sys.IsStreamTarget("getState"))
}
