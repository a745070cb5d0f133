// Package observe provides application-wide observability primitives for
// Parla: OpenTelemetry metrics, tracing helpers, structured logging, and the
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Parla metrics.
const meterName = "github.com/parla-voice/parla"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// ASRDuration tracks speech-to-text transcription latency.
	ASRDuration metric.Float64Histogram

	// LLMFirstToken tracks time from transcript to the first LLM token.
	LLMFirstToken metric.Float64Histogram

	// TTSFirstChunk tracks time from sentence to the first synthesized
	// audio chunk.
	TTSFirstChunk metric.Float64Histogram

	// InterruptLatency tracks time from an interrupt request to audio
	// actually stopping.
	InterruptLatency metric.Float64Histogram

	// ResponseDuration tracks full utterance-to-end-of-playback time.
	ResponseDuration metric.Float64Histogram

	// --- Counters ---

	// ChunksDelivered counts audio chunks handed to the transport.
	ChunksDelivered metric.Int64Counter

	// ChunksDropped counts chunks lost to queue timeouts or missing
	// connections. Use with attribute.String("reason", ...).
	ChunksDropped metric.Int64Counter

	// Interrupts counts user interruptions of in-flight responses.
	Interrupts metric.Int64Counter

	// ProviderErrors counts provider failures. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ASRDuration, err = m.Float64Histogram("parla.asr.duration",
		metric.WithDescription("Latency of speech-to-text transcription."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMFirstToken, err = m.Float64Histogram("parla.llm.first_token",
		metric.WithDescription("Time from transcript to first LLM token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSFirstChunk, err = m.Float64Histogram("parla.tts.first_chunk",
		metric.WithDescription("Time from sentence to first synthesized chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InterruptLatency, err = m.Float64Histogram("parla.interrupt.latency",
		metric.WithDescription("Time from interrupt request to audio stop."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ResponseDuration, err = m.Float64Histogram("parla.response.duration",
		metric.WithDescription("Full utterance-to-playback-complete latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ChunksDelivered, err = m.Int64Counter("parla.chunks.delivered",
		metric.WithDescription("Total audio chunks handed to the transport."),
	); err != nil {
		return nil, err
	}
	if met.ChunksDropped, err = m.Int64Counter("parla.chunks.dropped",
		metric.WithDescription("Total audio chunks dropped by reason."),
	); err != nil {
		return nil, err
	}
	if met.Interrupts, err = m.Int64Counter("parla.interrupts",
		metric.WithDescription("Total user interruptions of in-flight responses."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("parla.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("parla.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("parla.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordChunkDelivered increments the delivered-chunk counter.
func (m *Metrics) RecordChunkDelivered(ctx context.Context) {
	m.ChunksDelivered.Add(ctx, 1)
}

// RecordChunkDropped increments the dropped-chunk counter with a reason.
func (m *Metrics) RecordChunkDropped(ctx context.Context, reason string) {
	m.ChunksDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordInterrupt records one interruption and its stop latency.
func (m *Metrics) RecordInterrupt(ctx context.Context, latency time.Duration) {
	m.Interrupts.Add(ctx, 1)
	m.InterruptLatency.Record(ctx, latency.Seconds())
}

// RecordProviderError increments the provider error counter.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}
