package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Tracer issues spans via context.Context propagation only, per §4.2: "Trace
// context is propagated by explicit passing -- no implicit ambient storage
// is required by the contract." Grounded on
// intelligencedev-manifold/internal/observability/otel.go, trimmed to a
// default in-process provider since a run is single-process and non-goals
// exclude distributed execution; the same TracerProvider can be pointed at
// a real OTLP batcher by the host process without touching this package.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a Tracer scoped to serviceName. The returned shutdown
// func should be called when the owning Run/process is done with tracing.
func NewTracer(serviceName string) (*Tracer, func(context.Context) error) {
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
	)
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))

	return &Tracer{
		provider: tp,
		tracer:   tp.Tracer("utilityfog/simcore"),
	}, tp.Shutdown
}

// StartSpan starts a span named `name` as a child of whatever span (if any)
// is already present in ctx -- run span -> step span -> message-handler
// span, per §4.2. Returns the context carrying the new span so callers
// propagate it onward explicitly.
func (t *Tracer) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return t.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
