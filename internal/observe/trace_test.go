package observe

import (
	"context"
	"encoding/hex"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// withTestTracer swaps in a tracer provider with an in-memory exporter for
// the duration of the test.
func withTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestStartSpanRecords(t *testing.T) {
	exp := withTestTracer(t)

	ctx, span := StartSpan(context.Background(), "transcribe")
	if !span.SpanContext().IsValid() {
		t.Fatal("StartSpan returned an invalid span context")
	}
	if got := CorrelationID(ctx); got != span.SpanContext().TraceID().String() {
		t.Errorf("CorrelationID = %q, want the span's trace ID", got)
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "transcribe" {
		t.Errorf("span name = %q, want transcribe", spans[0].Name)
	}
}

func TestCorrelationIDFormat(t *testing.T) {
	withTestTracer(t)

	ctx, span := StartSpan(context.Background(), "synthesize")
	defer span.End()

	cid := CorrelationID(ctx)
	if len(cid) != 32 {
		t.Fatalf("correlation ID length = %d, want 32", len(cid))
	}
	if _, err := hex.DecodeString(cid); err != nil {
		t.Errorf("correlation ID %q is not hex: %v", cid, err)
	}
}

func TestCorrelationIDWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}
}
