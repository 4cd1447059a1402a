package relay

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default tracer name for the relay.
const defaultTracerName = "tabsync-relay"

// tracer wraps the OpenTelemetry tracer with the relay's span conventions.
// It uses the global tracer provider; configure that in main() before
// starting the server.
type tracer struct {
	t trace.Tracer
}

func newTracer(name string) *tracer {
	return &tracer{t: otel.Tracer(name)}
}

// frameSpan opens a span for one inbound frame.
func (tr *tracer) frameSpan(ctx context.Context, frameType, key, origin string) (context.Context, trace.Span) {
	return tr.t.Start(ctx, "relay."+frameType,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("tabsync.key", key),
			attribute.String("tabsync.origin", origin),
		),
	)
}

// recordError marks the span failed.
func (tr *tracer) recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}