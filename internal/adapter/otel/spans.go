package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "conclave"

// StartScheduleSpan starts a span for one Schedule call.
func StartScheduleSpan(ctx context.Context, correlationID, class string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "schedule",
		trace.WithAttributes(
			attribute.String("decision.correlation_id", correlationID),
			attribute.String("decision.context_class", class),
		),
	)
}

// StartInvokeSpan starts a span for one provider call.
func StartInvokeSpan(ctx context.Context, providerID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "provider.invoke",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("provider.id", providerID)),
	)
}
