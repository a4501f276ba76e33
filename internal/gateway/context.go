package gateway

import (
	"time"

	"github.com/google/uuid"
)

// PrincipalType classifies the kind of caller a principal represents.
type PrincipalType string

const (
	PrincipalUser    PrincipalType = "user"
	PrincipalService PrincipalType = "service"
	PrincipalSystem  PrincipalType = "system"
)

// Principal is an authenticated identity attached to a request by the
// authentication middleware.
type Principal struct {
	// ID uniquely identifies the principal.
	ID string

	// Name is a display name.
	Name string

	// Type classifies the caller. Defaults to PrincipalUser when the
	// provider leaves it empty.
	Type PrincipalType

	// Roles grants coarse permissions checked by authorization policies.
	Roles []string

	// Attributes carries provider-specific claims.
	Attributes map[string]string

	// AuthenticatedAt records when the provider vouched for the
	// credentials.
	AuthenticatedAt time.Time

	// ExpiresAt bounds the principal's validity; zero means no expiry.
	ExpiresAt time.Time
}

// HasRole reports whether the principal holds the given role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}

	return false
}

// HasAnyRole reports whether the principal holds at least one of the roles.
func (p *Principal) HasAnyRole(roles ...string) bool {
	for _, role := range roles {
		if p.HasRole(role) {
			return true
		}
	}

	return false
}

// HasAllRoles reports whether the principal holds every one of the roles.
func (p *Principal) HasAllRoles(roles ...string) bool {
	for _, role := range roles {
		if !p.HasRole(role) {
			return false
		}
	}

	return true
}

// IsExpired reports whether the principal's validity has lapsed.
func (p *Principal) IsExpired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Context is the per-request state threaded through the middleware chain.
type Context struct {
	// CorrelationID ties together every log line and span emitted for
	// this request.
	CorrelationID string

	// Timestamp is when the request entered the chain.
	Timestamp time.Time

	// Metadata is mutable request metadata, seeded from the envelope.
	Metadata map[string]string

	// Principal is set by the authentication middleware.
	Principal *Principal
}

// NewContext seeds a request context from envelope metadata.
func NewContext(metadata map[string]string) *Context {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	return &Context{
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now(),
		Metadata:      md,
	}
}
