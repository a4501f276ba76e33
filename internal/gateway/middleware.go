// Package gateway is the hosting surface for untrusted inbound traffic: a
// middleware chain (authentication, authorization, rate limiting,
// validation, tracing) wrapped around server dispatch, with category-shaped
// errors and standard metrics.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roasbeef/lattice/internal/metrics"
	"github.com/roasbeef/lattice/internal/server"
	"github.com/roasbeef/lattice/internal/wire"
)

// Handler continues the chain toward the actual actor dispatch.
type Handler func(ctx context.Context, gctx *Context,
	inv wire.Invocation) ([]byte, error)

// Middleware is one link of the gateway chain. Implementations may mutate
// gctx, inspect the invocation, short-circuit with an error, or wrap the
// call through next.
type Middleware interface {
	Process(ctx context.Context, gctx *Context, inv wire.Invocation,
		next Handler) ([]byte, error)
}

// MiddlewareFunc adapts a function to the Middleware interface.
type MiddlewareFunc func(ctx context.Context, gctx *Context,
	inv wire.Invocation, next Handler) ([]byte, error)

// Process implements Middleware.
func (f MiddlewareFunc) Process(ctx context.Context, gctx *Context,
	inv wire.Invocation, next Handler) ([]byte, error) {

	return f(ctx, gctx, inv, next)
}

// Gateway composes a middleware chain, outermost first, and plugs into the
// server as its Dispatcher.
type Gateway struct {
	chain     []Middleware
	collector *metrics.Collector
}

// Option customizes a Gateway.
type Option func(*Gateway)

// WithCollector attaches the metrics collector the gateway increments around
// each dispatched invocation.
func WithCollector(c *metrics.Collector) Option {
	return func(g *Gateway) {
		g.collector = c
	}
}

// New creates a Gateway running the given middlewares in order; the first is
// outermost.
func New(chain []Middleware, opts ...Option) *Gateway {
	g := &Gateway{chain: chain}
	for _, opt := range opts {
		opt(g)
	}

	return g
}

// Dispatch implements server.Dispatcher: it threads the invocation through
// the chain, executes it, shapes errors, and updates metrics.
func (g *Gateway) Dispatch(ctx context.Context, inv wire.Invocation,
	next server.Next) ([]byte, error) {

	gctx := NewContext(inv.Metadata)

	innermost := func(ctx context.Context, _ *Context,
		inv wire.Invocation) ([]byte, error) {

		return next(ctx, inv)
	}

	handler := innermost
	for i := len(g.chain) - 1; i >= 0; i-- {
		mw := g.chain[i]
		inner := handler
		handler = func(ctx context.Context, gctx *Context,
			inv wire.Invocation) ([]byte, error) {

			return mw.Process(ctx, gctx, inv, inner)
		}
	}

	start := time.Now()
	payload, err := handler(ctx, gctx, inv)

	if g.collector != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		g.collector.IncrementCounter(
			metrics.MetricInvocations, 1,
			metrics.Tags{"target": inv.Target, "status": status},
		)
		g.collector.RecordDuration(
			metrics.MetricInvocationLatency, time.Since(start),
			metrics.Tags{"target": inv.Target},
		)
		if err != nil {
			g.collector.IncrementCounter(
				metrics.MetricInvocationErrors, 1,
				metrics.Tags{"reason": errorReason(err)},
			)
		}
	}

	if err != nil {
		log.DebugS(ctx, "Invocation rejected",
			"call_id", inv.CallID, "target", inv.Target,
			"correlation_id", gctx.CorrelationID,
			"reason", errorReason(err))

		return nil, shapeError(err)
	}

	return payload, nil
}

// errorReason maps an error to its standard metrics reason tag.
func errorReason(err error) string {
	var (
		authErr  *AuthError
		authz    *AuthzError
		rateErr  *RateLimitError
		validErr *ValidationError
	)

	switch {
	case errors.As(err, &authErr):
		return metrics.ReasonAuthentication

	case errors.As(err, &authz):
		return metrics.ReasonAuthorization

	case errors.As(err, &rateErr):
		return metrics.ReasonRateLimit

	case errors.As(err, &validErr):
		return metrics.ReasonValidation

	case errors.Is(err, wire.ErrActorNotFound):
		return metrics.ReasonActorNotFound

	default:
		return metrics.ReasonHandler
	}
}

// shapeError prefixes the error with its category so clients can classify a
// failure without learning internals.
func shapeError(err error) error {
	var (
		authErr  *AuthError
		authz    *AuthzError
		rateErr  *RateLimitError
		validErr *ValidationError
	)

	switch {
	case errors.As(err, &authErr):
		return fmt.Errorf("Authentication failed: %s", authErr.Error())

	case errors.As(err, &authz):
		return fmt.Errorf("Authorization failed: %s", authz.Error())

	case errors.As(err, &rateErr):
		return fmt.Errorf("Rate limit exceeded: %s", rateErr.Error())

	case errors.As(err, &validErr):
		return fmt.Errorf("Validation failed: %s", validErr.Error())

	case errors.Is(err, wire.ErrActorNotFound):
		return err

	default:
		return fmt.Errorf("Invocation failed: %s", err.Error())
	}
}
