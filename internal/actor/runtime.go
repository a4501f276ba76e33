package actor

import (
	"context"
	"sync"
)

// DefaultMailboxCapacity is the mailbox buffer size used for actors spawned
// through a Runtime unless overridden.
const DefaultMailboxCapacity = 100

// RuntimeConfig holds Runtime-wide settings.
type RuntimeConfig struct {
	// MailboxCapacity is the default capacity for spawned actors'
	// mailboxes.
	MailboxCapacity int
}

// DefaultRuntimeConfig returns the default Runtime configuration.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MailboxCapacity: DefaultMailboxCapacity,
	}
}

// stopper lets the Runtime hold heterogeneous actors in one map.
type stopper interface {
	Stop()
}

// Runtime owns the lifecycle of a set of actors and provides deterministic
// shutdown: Shutdown stops every actor and blocks until all their goroutines
// have exited (or the context expires).
type Runtime struct {
	cfg RuntimeConfig

	// actors holds every spawned actor, keyed by id.
	actors map[string]stopper

	// mu protects the actors map.
	mu sync.Mutex

	// ctx is cancelled on shutdown to refuse new spawns.
	ctx    context.Context
	cancel context.CancelFunc

	// wg tracks running actor goroutines.
	wg sync.WaitGroup
}

// NewRuntime creates a Runtime with the default configuration.
func NewRuntime() *Runtime {
	return NewRuntimeWithConfig(DefaultRuntimeConfig())
}

// NewRuntimeWithConfig creates a Runtime with a custom configuration.
func NewRuntimeWithConfig(cfg RuntimeConfig) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())

	return &Runtime{
		cfg:    cfg,
		actors: make(map[string]stopper),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Spawn creates, registers and starts an actor with the given id and
// behavior, returning its reference. Spawning against a shut-down runtime
// returns a reference whose operations fail with ErrTerminated.
func Spawn[M Message, R any](rt *Runtime, id string,
	behavior Behavior[M, R]) Ref[M, R] {

	a := New(Config[M, R]{
		ID:          id,
		Behavior:    behavior,
		MailboxSize: rt.cfg.MailboxCapacity,
		Wg:          &rt.wg,
	})

	if rt.ctx.Err() != nil {
		// Already shut down: hand back a stopped actor so callers get
		// ErrTerminated instead of a nil panic.
		a.Stop()
		return a.Ref()
	}

	a.Start()

	rt.mu.Lock()
	rt.actors[id] = a
	rt.mu.Unlock()

	log.DebugS(rt.ctx, "Actor spawned", "actor_id", id)

	return a.Ref()
}

// StopActor stops and removes a single actor by id, reporting whether it was
// found.
func (rt *Runtime) StopActor(id string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	a, ok := rt.actors[id]
	if !ok {
		return false
	}

	a.Stop()
	delete(rt.actors, id)

	return true
}

// Shutdown stops all actors and waits for their goroutines to exit, bounded
// by the context. Cancelling rt.ctx first prevents a spawn from slipping in
// between the snapshot and the wait.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.cancel()

	rt.mu.Lock()
	toStop := make([]stopper, 0, len(rt.actors))
	for _, a := range rt.actors {
		toStop = append(toStop, a)
	}
	rt.actors = make(map[string]stopper)
	rt.mu.Unlock()

	log.InfoS(ctx, "Actor runtime shutting down",
		"num_actors", len(toStop))

	for _, a := range toStop {
		a.Stop()
	}

	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil

	case <-ctx.Done():
		log.ErrorS(ctx, "Actor runtime shutdown incomplete",
			ctx.Err())

		return ctx.Err()
	}
}
