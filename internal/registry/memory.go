package registry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/transport"
)

// MemoryRegistry is an in-memory ServiceRegistry. Expired registrations are
// swept lazily on every operation.
type MemoryRegistry struct {
	mu      sync.Mutex
	entries map[string]map[transport.Endpoint]Registration
	now     func() time.Time
}

// MemoryOption customizes a MemoryRegistry.
type MemoryOption func(*MemoryRegistry)

// WithClock injects the time source, for deterministic tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(r *MemoryRegistry) {
		r.now = now
	}
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry(opts ...MemoryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		entries: make(map[string]map[transport.Endpoint]Registration),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// A compile time check to ensure MemoryRegistry implements ServiceRegistry.
var _ ServiceRegistry = (*MemoryRegistry)(nil)

// Register implements ServiceRegistry.
func (r *MemoryRegistry) Register(_ context.Context, actorID string,
	endpoint transport.Endpoint, metadata map[string]string,
	ttl fn.Option[time.Duration]) error {

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweep(now)

	byEndpoint, ok := r.entries[actorID]
	if !ok {
		byEndpoint = make(map[transport.Endpoint]Registration)
		r.entries[actorID] = byEndpoint
	}

	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	byEndpoint[endpoint] = Registration{
		ActorID:       actorID,
		Endpoint:      endpoint,
		Metadata:      md,
		TTL:           ttl,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}

	log.DebugS(context.Background(), "Registered actor",
		"actor_id", actorID, "endpoint", endpoint)

	return nil
}

// Deregister implements ServiceRegistry.
func (r *MemoryRegistry) Deregister(_ context.Context, actorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, actorID)

	return nil
}

// Resolve implements ServiceRegistry.
func (r *MemoryRegistry) Resolve(_ context.Context,
	actorID string) (fn.Option[transport.Endpoint], error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweep(r.now())

	live := r.liveEndpoints(actorID)
	if len(live) == 0 {
		return fn.None[transport.Endpoint](), nil
	}

	return fn.Some(live[0]), nil
}

// ResolveAll implements ServiceRegistry.
func (r *MemoryRegistry) ResolveAll(_ context.Context,
	actorID string) ([]transport.Endpoint, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweep(r.now())

	return r.liveEndpoints(actorID), nil
}

// List implements ServiceRegistry.
func (r *MemoryRegistry) List(_ context.Context,
	prefix string) ([]Registration, error) {

	r.mu.Lock()
	defer r.mu.Unlock()

	r.sweep(r.now())

	var regs []Registration
	for actorID, byEndpoint := range r.entries {
		if !strings.HasPrefix(actorID, prefix) {
			continue
		}
		for _, reg := range byEndpoint {
			regs = append(regs, reg)
		}
	}

	sort.Slice(regs, func(i, j int) bool {
		if regs[i].ActorID != regs[j].ActorID {
			return regs[i].ActorID < regs[j].ActorID
		}

		return regs[i].Endpoint.Addr() < regs[j].Endpoint.Addr()
	})

	return regs, nil
}

// Heartbeat implements ServiceRegistry.
func (r *MemoryRegistry) Heartbeat(_ context.Context, actorID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.sweep(now)

	byEndpoint, ok := r.entries[actorID]
	if !ok || len(byEndpoint) == 0 {
		return ErrNotRegistered
	}

	for endpoint, reg := range byEndpoint {
		reg.LastHeartbeat = now
		byEndpoint[endpoint] = reg
	}

	return nil
}

// liveEndpoints returns the endpoints for actorID in stable order. The
// caller holds the lock and has already swept.
func (r *MemoryRegistry) liveEndpoints(
	actorID string) []transport.Endpoint {

	byEndpoint := r.entries[actorID]

	endpoints := make([]transport.Endpoint, 0, len(byEndpoint))
	for endpoint := range byEndpoint {
		endpoints = append(endpoints, endpoint)
	}
	sort.Slice(endpoints, func(i, j int) bool {
		return endpoints[i].Addr() < endpoints[j].Addr()
	})

	return endpoints
}

// sweep drops expired registrations. The caller holds the lock.
func (r *MemoryRegistry) sweep(now time.Time) {
	for actorID, byEndpoint := range r.entries {
		for endpoint, reg := range byEndpoint {
			if reg.Expired(now) {
				delete(byEndpoint, endpoint)
			}
		}
		if len(byEndpoint) == 0 {
			delete(r.entries, actorID)
		}
	}
}
