// Package registry maps actor identifiers to the transport endpoints hosting
// them. Registrations may carry a TTL; entries whose last heartbeat is older
// than their TTL are treated as gone.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/roasbeef/lattice/internal/transport"
)

var (
	// ErrNotRegistered is returned when an operation references an actor
	// id with no live registration.
	ErrNotRegistered = errors.New("actor not registered")
)

// Registration describes one actor id hosted at one endpoint.
type Registration struct {
	// ActorID is the registered actor identifier.
	ActorID string

	// Endpoint is the transport endpoint hosting the actor.
	Endpoint transport.Endpoint

	// Metadata carries arbitrary registration attributes.
	Metadata map[string]string

	// TTL bounds the registration's validity without heartbeats. None
	// means the registration never expires.
	TTL fn.Option[time.Duration]

	// RegisteredAt is when the registration was created.
	RegisteredAt time.Time

	// LastHeartbeat is when liveness was last confirmed.
	LastHeartbeat time.Time
}

// Expired reports whether the registration's TTL has lapsed at now.
func (r Registration) Expired(now time.Time) bool {
	expired := false
	r.TTL.WhenSome(func(ttl time.Duration) {
		expired = now.Sub(r.LastHeartbeat) > ttl
	})

	return expired
}

// ServiceRegistry is the location service consumed by clients that address
// actors by identifier instead of endpoint.
type ServiceRegistry interface {
	// Register records that actorID is hosted at endpoint. Registering
	// the same id and endpoint again replaces the prior registration.
	Register(ctx context.Context, actorID string,
		endpoint transport.Endpoint, metadata map[string]string,
		ttl fn.Option[time.Duration]) error

	// Deregister removes every registration for actorID.
	Deregister(ctx context.Context, actorID string) error

	// Resolve returns one live endpoint hosting actorID, or None.
	Resolve(ctx context.Context,
		actorID string) (fn.Option[transport.Endpoint], error)

	// ResolveAll returns every live endpoint hosting actorID.
	ResolveAll(ctx context.Context,
		actorID string) ([]transport.Endpoint, error)

	// List returns every live registration whose actor id starts with
	// prefix. An empty prefix lists everything.
	List(ctx context.Context, prefix string) ([]Registration, error)

	// Heartbeat refreshes the liveness of every registration for
	// actorID. ErrNotRegistered is returned when none exists.
	Heartbeat(ctx context.Context, actorID string) error
}
