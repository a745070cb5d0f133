package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

type middlewareFixture struct {
	reader *sdkmetric.ManualReader
	spans  *tracetest.InMemoryExporter
	wrap   func(http.Handler) http.Handler
}

func newMiddlewareFixture(t *testing.T) *middlewareFixture {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	metrics, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	spans := withTestTracer(t)
	return &middlewareFixture{
		reader: reader,
		spans:  spans,
		wrap:   Middleware(metrics),
	}
}

// histogram digs the HTTP duration histogram out of a manual-reader collection.
func (f *middlewareFixture) histogram(t *testing.T) *metricdata.Histogram[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "parla.http.request.duration" {
				if h, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return &h
				}
				t.Fatalf("metric %s has unexpected data type %T", m.Name, m.Data)
			}
		}
	}
	return nil
}

func TestMiddlewareSetsCorrelationHeader(t *testing.T) {
	f := newMiddlewareFixture(t)
	h := f.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	cid := rec.Header().Get("X-Correlation-ID")
	if len(cid) != 32 {
		t.Fatalf("X-Correlation-ID = %q, want a 32-char trace ID", cid)
	}
}

func TestMiddlewareSpanNameAndStatus(t *testing.T) {
	f := newMiddlewareFixture(t)
	h := f.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/span-test", nil))

	spans := f.spans.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("recorded spans = %d, want 1", len(spans))
	}
	if got := spans[0].Name; got != "HTTP GET /span-test" {
		t.Errorf("span name = %q", got)
	}
	var sawStatus bool
	for _, attr := range spans[0].Attributes {
		if attr.Key == semconv.HTTPResponseStatusCodeKey {
			sawStatus = true
			if attr.Value.AsInt64() != http.StatusNotFound {
				t.Errorf("status attribute = %d, want 404", attr.Value.AsInt64())
			}
		}
	}
	if !sawStatus {
		t.Error("span is missing the http.response.status_code attribute")
	}
}

func TestMiddlewareRecordsDuration(t *testing.T) {
	f := newMiddlewareFixture(t)
	h := f.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/stats", nil))

	hist := f.histogram(t)
	if hist == nil {
		t.Fatal("parla.http.request.duration was not recorded")
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("data points = %d, want 1", len(hist.DataPoints))
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("count = %d, want 1", dp.Count)
	}
	if v, ok := dp.Attributes.Value(attribute.Key("method")); !ok || v.AsString() != "POST" {
		t.Errorf("method attribute = %v", v)
	}
	if v, ok := dp.Attributes.Value(attribute.Key("path")); !ok || v.AsString() != "/stats" {
		t.Errorf("path attribute = %v", v)
	}
}

func TestMiddlewareContinuesRemoteTrace(t *testing.T) {
	f := newMiddlewareFixture(t)
	h := f.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("traceparent",
		"00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	const want = "4bf92f3577b34da6a3ce929d0e0e4736"
	if got := rec.Header().Get("X-Correlation-ID"); got != want {
		t.Errorf("X-Correlation-ID = %q, want upstream trace ID %q", got, want)
	}
}

func TestMiddlewareUnwrapsForHijack(t *testing.T) {
	f := newMiddlewareFixture(t)

	var unwrapped bool
	h := f.wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := w.(interface{ Unwrap() http.ResponseWriter })
		if !ok {
			t.Fatal("wrapped writer does not expose Unwrap")
		}
		unwrapped = u.Unwrap() != nil
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ws", nil))
	if !unwrapped {
		t.Error("Unwrap returned nil")
	}
}
