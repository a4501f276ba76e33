// Package wire defines the on-wire data model for lattice: actor identities,
// the envelope tagged union, the JSON frame codec, and the closed error
// taxonomy surfaced by the runtime core.
package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// ActorID is the logical identity of an actor. A local-origin actor carries
// only the string id; a remote reference additionally carries the host/port
// pair of the peer that hosts it. Equality is structural.
type ActorID struct {
	// ID is the unique string identifier of the actor. For exposed actors
	// this may be a human-readable alias that the hosting server
	// translates on arrival.
	ID string

	// Host is the remote peer's host. Empty for local-origin actors.
	Host string

	// Port is the remote peer's port. Zero for local-origin actors.
	Port int
}

// NewActorID returns a local ActorID with no remote endpoint attached.
func NewActorID(id string) ActorID {
	return ActorID{ID: id}
}

// RemoteActorID returns an ActorID bound to the given remote endpoint.
func RemoteActorID(id, host string, port int) ActorID {
	return ActorID{ID: id, Host: host, Port: port}
}

// IsRemote reports whether this id carries a remote endpoint. Dispatching a
// call to an actor requires the endpoint to be present.
func (a ActorID) IsRemote() bool {
	return a.Host != ""
}

// String renders the serialization form: "<id>@<host>:<port>" when remote,
// "<id>" when local.
func (a ActorID) String() string {
	if !a.IsRemote() {
		return a.ID
	}

	return fmt.Sprintf("%s@%s:%d", a.ID, a.Host, a.Port)
}

// ParseActorID parses the string form produced by String. A missing
// "@host:port" suffix yields a local id. Malformed ports are rejected.
func ParseActorID(s string) (ActorID, error) {
	if s == "" {
		return ActorID{}, fmt.Errorf("%w: empty actor id",
			ErrActorNotFound)
	}

	at := strings.LastIndex(s, "@")
	if at < 0 {
		return ActorID{ID: s}, nil
	}

	id, endpoint := s[:at], s[at+1:]
	if id == "" {
		return ActorID{}, fmt.Errorf("%w: empty id in %q",
			ErrActorNotFound, s)
	}

	colon := strings.LastIndex(endpoint, ":")
	if colon < 0 {
		return ActorID{}, fmt.Errorf("%w: missing port in %q",
			ErrActorNotFound, s)
	}

	host, portStr := endpoint[:colon], endpoint[colon+1:]
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 || host == "" {
		return ActorID{}, fmt.Errorf("%w: malformed endpoint in %q",
			ErrActorNotFound, s)
	}

	return ActorID{ID: id, Host: host, Port: port}, nil
}
