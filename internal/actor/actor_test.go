package actor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// echoMsg is a simple test message.
type echoMsg struct {
	BaseMessage
	text string
}

func (echoMsg) MessageType() string {
	return "echo"
}

// newEchoActor spawns an actor that replies with a tagged copy of its input.
func newEchoActor(t *testing.T, rt *Runtime) Ref[echoMsg, string] {
	t.Helper()

	return Spawn(rt, "echo", BehaviorFunc[echoMsg, string](
		func(_ context.Context, msg echoMsg) fn.Result[string] {
			return fn.Ok("echo: " + msg.text)
		},
	))
}

func TestAskReturnsBehaviorResult(t *testing.T) {
	t.Parallel()

	rt := NewRuntime()
	defer rt.Shutdown(context.Background())

	ref := newEchoActor(t, rt)

	got, err := AskAwait(context.Background(), ref, echoMsg{text: "hi"})
	require.NoError(t, err)
	require.Equal(t, "echo: hi", got)
}

func TestTellIsSequential(t *testing.T) {
	t.Parallel()

	rt := NewRuntime()
	defer rt.Shutdown(context.Background())

	// The behavior appends to a slice with no locking; sequential
	// processing is what keeps this safe.
	var seen []string
	done := make(chan struct{})
	ref := Spawn(rt, "collector", BehaviorFunc[echoMsg, string](
		func(_ context.Context, msg echoMsg) fn.Result[string] {
			seen = append(seen, msg.text)
			if len(seen) == 3 {
				close(done)
			}
			return fn.Ok("")
		},
	))

	ctx := context.Background()
	ref.Tell(ctx, echoMsg{text: "a"})
	ref.Tell(ctx, echoMsg{text: "b"})
	ref.Tell(ctx, echoMsg{text: "c"})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("messages not processed")
	}
	require.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestAskAfterShutdownFails(t *testing.T) {
	t.Parallel()

	rt := NewRuntime()
	ref := newEchoActor(t, rt)
	require.NoError(t, rt.Shutdown(context.Background()))

	_, err := AskAwait(context.Background(), ref, echoMsg{text: "x"})
	require.ErrorIs(t, err, ErrTerminated)
}

func TestAskHonorsCallerDeadline(t *testing.T) {
	t.Parallel()

	rt := NewRuntime()
	defer rt.Shutdown(context.Background())

	block := make(chan struct{})
	ref := Spawn(rt, "slow", BehaviorFunc[echoMsg, string](
		func(ctx context.Context, _ echoMsg) fn.Result[string] {
			select {
			case <-block:
				return fn.Ok("late")
			case <-ctx.Done():
				return fn.Err[string](ctx.Err())
			}
		},
	))

	ctx, cancel := context.WithTimeout(
		context.Background(), 50*time.Millisecond,
	)
	defer cancel()

	_, err := AskAwait(ctx, ref, echoMsg{text: "x"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	close(block)
}

func TestShutdownWaitsForActors(t *testing.T) {
	t.Parallel()

	rt := NewRuntime()

	var processed atomic.Int32
	ref := Spawn(rt, "worker", BehaviorFunc[echoMsg, string](
		func(_ context.Context, _ echoMsg) fn.Result[string] {
			time.Sleep(10 * time.Millisecond)
			processed.Add(1)
			return fn.Ok("")
		},
	))

	// One in-flight Ask, then shut down.
	future := ref.Ask(context.Background(), echoMsg{text: "x"})

	ctx, cancel := context.WithTimeout(
		context.Background(), 5*time.Second,
	)
	defer cancel()

	// Give the Ask time to be dequeued before the shutdown cancels the
	// mailbox receive loop.
	_, err := future.Await(ctx).Unpack()
	require.NoError(t, err)

	require.NoError(t, rt.Shutdown(ctx))
	require.Equal(t, int32(1), processed.Load())
}

func TestPromiseCompletesExactlyOnce(t *testing.T) {
	t.Parallel()

	p := NewPromise[int]()
	require.True(t, p.Complete(fn.Ok(1)))
	require.False(t, p.Complete(fn.Ok(2)))

	got, err := p.Future().Await(context.Background()).Unpack()
	require.NoError(t, err)
	require.Equal(t, 1, got)
}

func TestStopActorDrainsPendingAsks(t *testing.T) {
	t.Parallel()

	rt := NewRuntime()
	defer rt.Shutdown(context.Background())

	release := make(chan struct{})
	ref := Spawn(rt, "stuck", BehaviorFunc[echoMsg, string](
		func(ctx context.Context, _ echoMsg) fn.Result[string] {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return fn.Ok("")
		},
	))

	// First Ask occupies the behavior; the second sits in the mailbox.
	first := ref.Ask(context.Background(), echoMsg{text: "1"})
	second := ref.Ask(context.Background(), echoMsg{text: "2"})

	require.True(t, rt.StopActor("stuck"))
	close(release)

	ctx, cancel := context.WithTimeout(
		context.Background(), 5*time.Second,
	)
	defer cancel()

	// The in-flight message completes normally; the queued one fails
	// with ErrTerminated when the mailbox drains.
	_, err := first.Await(ctx).Unpack()
	require.NoError(t, err)

	_, err = second.Await(ctx).Unpack()
	require.ErrorIs(t, err, ErrTerminated)
}
