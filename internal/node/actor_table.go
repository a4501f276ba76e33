package node

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/roasbeef/lattice/internal/wire"
)

// MethodFunc is a unary actor method: encoded args in, encoded result out.
type MethodFunc func(ctx context.Context, args [][]byte) ([]byte, error)

// StreamFunc is a streaming actor method: encoded args in, a lazy payload
// sequence out. A yielded error terminates the stream abnormally.
type StreamFunc func(ctx context.Context,
	args [][]byte) (iter.Seq2[[]byte, error], error)

// LocalActor is an actor hosted by this node: a named method table the
// dispatch layer invokes targets on. The application runtime builds these;
// the core only defines the boundary.
type LocalActor struct {
	id string

	mu      sync.RWMutex
	methods map[string]MethodFunc
	streams map[string]StreamFunc
}

// NewLocalActor creates an actor with an empty method table.
func NewLocalActor(id string) *LocalActor {
	return &LocalActor{
		id:      id,
		methods: make(map[string]MethodFunc),
		streams: make(map[string]StreamFunc),
	}
}

// ID returns the actor's identifier.
func (a *LocalActor) ID() string {
	return a.id
}

// Handle installs a unary method under the target identifier.
func (a *LocalActor) Handle(target string, fn MethodFunc) *LocalActor {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.methods[target] = fn

	return a
}

// HandleStream installs a streaming method under the target identifier.
func (a *LocalActor) HandleStream(target string, fn StreamFunc) *LocalActor {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.streams[target] = fn

	return a
}

// Invoke runs the unary method named by target.
func (a *LocalActor) Invoke(ctx context.Context, target string,
	args [][]byte) ([]byte, error) {

	a.mu.RLock()
	fn, ok := a.methods[target]
	a.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: actor %s has no target %q",
			wire.ErrRemoteInvocation, a.id, target)
	}

	return fn(ctx, args)
}

// InvokeStream runs the streaming method named by target.
func (a *LocalActor) InvokeStream(ctx context.Context, target string,
	args [][]byte) (iter.Seq2[[]byte, error], error) {

	a.mu.RLock()
	fn, ok := a.streams[target]
	a.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: actor %s has no stream target %q",
			wire.ErrRemoteInvocation, a.id, target)
	}

	return fn(ctx, args)
}
