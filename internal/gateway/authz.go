package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/roasbeef/lattice/internal/wire"
)

// Action is what the caller is trying to do: invoke a method on a type of
// actor.
type Action struct {
	ActorType string
	Method    string
}

// Resource is what the action applies to.
type Resource struct {
	Type string
	ID   string
}

// AuthzError is an authorization failure.
type AuthzError struct {
	Principal string
	Action    Action
}

// Error implements the error interface.
func (e *AuthzError) Error() string {
	return fmt.Sprintf("access denied for %s on %s.%s",
		e.Principal, e.Action.ActorType, e.Action.Method)
}

// AuthorizationPolicy decides whether a principal may perform an action on a
// resource. An anonymous request reaches the policy with a nil principal
// only when the middleware permits anonymity.
type AuthorizationPolicy interface {
	Authorize(ctx context.Context, principal *Principal, action Action,
		resource Resource) (bool, error)
}

// AuthorizationPolicyFunc adapts a function to the policy interface.
type AuthorizationPolicyFunc func(ctx context.Context,
	principal *Principal, action Action, resource Resource) (bool, error)

// Authorize implements AuthorizationPolicy.
func (f AuthorizationPolicyFunc) Authorize(ctx context.Context,
	principal *Principal, action Action,
	resource Resource) (bool, error) {

	return f(ctx, principal, action, resource)
}

// RolePolicy allows any principal holding at least one of the listed roles.
func RolePolicy(roles ...string) AuthorizationPolicy {
	return AuthorizationPolicyFunc(func(_ context.Context,
		principal *Principal, _ Action, _ Resource) (bool, error) {

		if principal == nil {
			return false, nil
		}

		return principal.HasAnyRole(roles...), nil
	})
}

// AuthzConfig tunes the authorization middleware.
type AuthzConfig struct {
	// Policy makes the decision.
	Policy AuthorizationPolicy

	// AllowAnonymous lets requests without a principal through to the
	// policy instead of rejecting them outright.
	AllowAnonymous bool
}

// AuthzMiddleware enforces an authorization policy on every invocation.
type AuthzMiddleware struct {
	cfg AuthzConfig
}

// NewAuthzMiddleware creates the middleware.
func NewAuthzMiddleware(cfg AuthzConfig) *AuthzMiddleware {
	return &AuthzMiddleware{cfg: cfg}
}

// Process implements Middleware.
func (m *AuthzMiddleware) Process(ctx context.Context, gctx *Context,
	inv wire.Invocation, next Handler) ([]byte, error) {

	action := actionFor(inv)

	if gctx.Principal == nil && !m.cfg.AllowAnonymous {
		return nil, &AuthzError{Principal: "anonymous", Action: action}
	}

	resource := Resource{Type: "actor", ID: inv.Actor.ID}

	allowed, err := m.cfg.Policy.Authorize(
		ctx, gctx.Principal, action, resource,
	)
	if err != nil {
		return nil, err
	}
	if !allowed {
		name := "anonymous"
		if gctx.Principal != nil {
			name = gctx.Principal.ID
		}

		return nil, &AuthzError{Principal: name, Action: action}
	}

	return next(ctx, gctx, inv)
}

// actionFor derives the action from an invocation. Actor ids minted by the
// system carry their type as a prefix.
func actionFor(inv wire.Invocation) Action {
	actorType, _, _ := strings.Cut(inv.Actor.ID, "-")

	return Action{ActorType: actorType, Method: inv.Target}
}
