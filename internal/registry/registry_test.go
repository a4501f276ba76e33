package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/db"
	"github.com/roasbeef/lattice/internal/transport"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

var registryFactories = map[string]func(t *testing.T,
	clock *fakeClock) ServiceRegistry{

	"memory": func(_ *testing.T, clock *fakeClock) ServiceRegistry {
		return NewMemoryRegistry(WithClock(clock.Now))
	},
	"sqlite": func(t *testing.T, clock *fakeClock) ServiceRegistry {
		baseDB, err := db.Open(
			filepath.Join(t.TempDir(), "lattice.db"),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			require.NoError(t, baseDB.Close())
		})

		return NewSQLRegistry(baseDB, WithSQLClock(clock.Now))
	},
}

func forEachRegistry(t *testing.T,
	test func(t *testing.T, reg ServiceRegistry, clock *fakeClock)) {

	for name, newRegistry := range registryFactories {
		t.Run(name, func(t *testing.T) {
			clock := newFakeClock()
			test(t, newRegistry(t, clock), clock)
		})
	}
}

func endpoint(port int) transport.Endpoint {
	return transport.Endpoint{Host: "127.0.0.1", Port: port}
}

func noTTL() fn.Option[time.Duration] {
	return fn.None[time.Duration]()
}

func TestResolveUnknown(t *testing.T) {
	t.Parallel()

	forEachRegistry(t, func(t *testing.T, reg ServiceRegistry,
		_ *fakeClock) {

		got, err := reg.Resolve(context.Background(), "counter-1")
		require.NoError(t, err)
		require.True(t, got.IsNone())

		all, err := reg.ResolveAll(context.Background(), "counter-1")
		require.NoError(t, err)
		require.Empty(t, all)
	})
}

func TestRegisterAndResolve(t *testing.T) {
	t.Parallel()

	forEachRegistry(t, func(t *testing.T, reg ServiceRegistry,
		_ *fakeClock) {

		ctx := context.Background()

		err := reg.Register(ctx, "counter-1", endpoint(9000),
			map[string]string{"zone": "a"}, noTTL())
		require.NoError(t, err)

		got, err := reg.Resolve(ctx, "counter-1")
		require.NoError(t, err)
		require.Equal(t, endpoint(9000),
			got.UnwrapOr(transport.Endpoint{}))
	})
}

func TestResolveAllReturnsEveryEndpoint(t *testing.T) {
	t.Parallel()

	forEachRegistry(t, func(t *testing.T, reg ServiceRegistry,
		_ *fakeClock) {

		ctx := context.Background()

		for _, port := range []int{9002, 9000, 9001} {
			err := reg.Register(ctx, "counter-1", endpoint(port),
				nil, noTTL())
			require.NoError(t, err)
		}

		all, err := reg.ResolveAll(ctx, "counter-1")
		require.NoError(t, err)
		require.Equal(t, []transport.Endpoint{
			endpoint(9000), endpoint(9001), endpoint(9002),
		}, all)
	})
}

func TestDeregisterRemovesAllEndpoints(t *testing.T) {
	t.Parallel()

	forEachRegistry(t, func(t *testing.T, reg ServiceRegistry,
		_ *fakeClock) {

		ctx := context.Background()

		require.NoError(t, reg.Register(ctx, "counter-1",
			endpoint(9000), nil, noTTL()))
		require.NoError(t, reg.Register(ctx, "counter-1",
			endpoint(9001), nil, noTTL()))

		require.NoError(t, reg.Deregister(ctx, "counter-1"))

		all, err := reg.ResolveAll(ctx, "counter-1")
		require.NoError(t, err)
		require.Empty(t, all)
	})
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()

	forEachRegistry(t, func(t *testing.T, reg ServiceRegistry,
		clock *fakeClock) {

		ctx := context.Background()

		err := reg.Register(ctx, "counter-1", endpoint(9000), nil,
			fn.Some(30*time.Second))
		require.NoError(t, err)

		// Still live just inside the TTL.
		clock.Advance(30 * time.Second)
		got, err := reg.Resolve(ctx, "counter-1")
		require.NoError(t, err)
		require.False(t, got.IsNone())

		// Gone right after.
		clock.Advance(time.Second)
		got, err = reg.Resolve(ctx, "counter-1")
		require.NoError(t, err)
		require.True(t, got.IsNone())
	})
}

func TestHeartbeatExtendsTTL(t *testing.T) {
	t.Parallel()

	forEachRegistry(t, func(t *testing.T, reg ServiceRegistry,
		clock *fakeClock) {

		ctx := context.Background()

		err := reg.Register(ctx, "counter-1", endpoint(9000), nil,
			fn.Some(30*time.Second))
		require.NoError(t, err)

		// Heartbeats keep the registration alive well past the
		// original deadline.
		for i := 0; i < 4; i++ {
			clock.Advance(20 * time.Second)
			require.NoError(t, reg.Heartbeat(ctx, "counter-1"))
		}

		got, err := reg.Resolve(ctx, "counter-1")
		require.NoError(t, err)
		require.False(t, got.IsNone())

		// Once the heartbeats stop, the TTL catches up.
		clock.Advance(31 * time.Second)
		require.ErrorIs(t, reg.Heartbeat(ctx, "counter-1"),
			ErrNotRegistered)
	})
}

func TestHeartbeatUnknown(t *testing.T) {
	t.Parallel()

	forEachRegistry(t, func(t *testing.T, reg ServiceRegistry,
		_ *fakeClock) {

		err := reg.Heartbeat(context.Background(), "counter-1")
		require.ErrorIs(t, err, ErrNotRegistered)
	})
}

func TestListByPrefix(t *testing.T) {
	t.Parallel()

	forEachRegistry(t, func(t *testing.T, reg ServiceRegistry,
		_ *fakeClock) {

		ctx := context.Background()

		require.NoError(t, reg.Register(ctx, "counter-1",
			endpoint(9000), map[string]string{"zone": "a"},
			noTTL()))
		require.NoError(t, reg.Register(ctx, "counter-2",
			endpoint(9001), nil, noTTL()))
		require.NoError(t, reg.Register(ctx, "gauge-1",
			endpoint(9002), nil, noTTL()))

		regs, err := reg.List(ctx, "counter-")
		require.NoError(t, err)
		require.Len(t, regs, 2)
		require.Equal(t, "counter-1", regs[0].ActorID)
		require.Equal(t, "counter-2", regs[1].ActorID)
		require.Equal(t, "a", regs[0].Metadata["zone"])

		all, err := reg.List(ctx, "")
		require.NoError(t, err)
		require.Len(t, all, 3)
	})
}

func TestReregisterReplaces(t *testing.T) {
	t.Parallel()

	forEachRegistry(t, func(t *testing.T, reg ServiceRegistry,
		clock *fakeClock) {

		ctx := context.Background()

		err := reg.Register(ctx, "counter-1", endpoint(9000), nil,
			fn.Some(10*time.Second))
		require.NoError(t, err)

		// Re-registering after expiry revives the entry with the new
		// TTL.
		clock.Advance(time.Minute)
		err = reg.Register(ctx, "counter-1", endpoint(9000),
			map[string]string{"zone": "b"}, noTTL())
		require.NoError(t, err)

		regs, err := reg.List(ctx, "counter-1")
		require.NoError(t, err)
		require.Len(t, regs, 1)
		require.Equal(t, "b", regs[0].Metadata["zone"])
		require.True(t, regs[0].TTL.IsNone())
	})
}
