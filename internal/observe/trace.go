package observe

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope for all Parla spans.
const tracerName = "github.com/parla-voice/parla"

// StartSpan opens a span on the globally registered tracer provider. The
// caller owns span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// CorrelationID is the trace ID of the active span, or "" when ctx carries
// no valid trace. Clients see it as the X-Correlation-ID header, so a bug
// report quoting the header can be joined against traces and logs directly.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
