package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/roasbeef/lattice/internal/wire"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope reported on gateway spans.
const tracerName = "github.com/roasbeef/lattice/internal/gateway"

// TracingConfig tunes the tracing middleware.
type TracingConfig struct {
	// Tracer overrides the globally registered tracer. Export behavior
	// (and export failures) is the tracer provider's concern and never
	// fails a request.
	Tracer trace.Tracer
}

// TracingMiddleware guarantees every invocation carries a trace context and
// records a span around its dispatch.
type TracingMiddleware struct {
	tracer trace.Tracer
}

// NewTracingMiddleware creates the middleware.
func NewTracingMiddleware(cfg TracingConfig) *TracingMiddleware {
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}

	return &TracingMiddleware{tracer: tracer}
}

// Process implements Middleware.
func (m *TracingMiddleware) Process(ctx context.Context, gctx *Context,
	inv wire.Invocation, next Handler) ([]byte, error) {

	if inv.Trace == nil {
		inv.Trace = &wire.TraceContext{
			TraceID: randomHex(16),
			SpanID:  randomHex(8),
		}
	}

	ctx, span := m.tracer.Start(ctx, inv.Actor.ID+"."+inv.Target,
		trace.WithAttributes(
			attribute.String("actor.id", inv.Actor.ID),
			attribute.String("actor.target", inv.Target),
			attribute.String("call.id", inv.CallID.String()),
			attribute.String("trace.parent", inv.Trace.TraceID),
		),
	)
	defer span.End()

	payload, err := next(ctx, gctx, inv)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		return nil, err
	}

	span.SetStatus(codes.Ok, "")

	return payload, nil
}

// randomHex returns n random bytes hex encoded.
func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}

	return hex.EncodeToString(buf)
}
