// Package observe provides application-wide observability primitives for
// Kaiku: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all Kaiku metrics.
const meterName = "github.com/kaiku-voice/kaiku"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// StageDuration tracks per-stage pipeline latency. Use with attribute:
	//   attribute.String("stage", ...) — stt, llm, tts, playback, or turn.
	StageDuration metric.Float64Histogram

	// InterruptionStopLatency tracks barge-in speech-start to playback-stop
	// latency.
	InterruptionStopLatency metric.Float64Histogram

	// --- Counters ---

	// Turns counts completed conversation turns. Use with attribute:
	//   attribute.String("outcome", ...) — completed, cancelled, or error.
	Turns metric.Int64Counter

	// Interruptions counts barge-in events. Use with attribute:
	//   attribute.String("kind", ...) — barge_in or false_positive.
	Interruptions metric.Int64Counter

	// BufferOverruns counts playback chunks dropped because the outbound
	// buffer was full.
	BufferOverruns metric.Int64Counter

	// BufferUnderruns counts playback stalls while synthesis lagged behind
	// real time.
	BufferUnderruns metric.Int64Counter

	// AdmissionRejections counts calls rejected at the concurrency cap.
	AdmissionRejections metric.Int64Counter

	// --- Error counters ---

	// UpstreamErrors counts provider failures after retry exhaustion. Use
	// with attribute: attribute.String("stage", ...).
	UpstreamErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live call sessions.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// stopLatencyBuckets covers the sub-second range relevant to barge-in
// responsiveness.
var stopLatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.5, 1,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.StageDuration, err = m.Float64Histogram("kaiku.stage.duration",
		metric.WithDescription("Pipeline stage latency by stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InterruptionStopLatency, err = m.Float64Histogram("kaiku.interruption.stop_latency",
		metric.WithDescription("Barge-in speech-start to playback-stop latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stopLatencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.Turns, err = m.Int64Counter("kaiku.turns",
		metric.WithDescription("Completed conversation turns by outcome."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("kaiku.interruptions",
		metric.WithDescription("Barge-in events by kind."),
	); err != nil {
		return nil, err
	}
	if met.BufferOverruns, err = m.Int64Counter("kaiku.playback.overruns",
		metric.WithDescription("Playback chunks dropped because the outbound buffer was full."),
	); err != nil {
		return nil, err
	}
	if met.BufferUnderruns, err = m.Int64Counter("kaiku.playback.underruns",
		metric.WithDescription("Playback stalls while synthesis lagged behind real time."),
	); err != nil {
		return nil, err
	}
	if met.AdmissionRejections, err = m.Int64Counter("kaiku.admission.rejections",
		metric.WithDescription("Calls rejected at the concurrency cap."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.UpstreamErrors, err = m.Int64Counter("kaiku.upstream.errors",
		metric.WithDescription("Provider failures after retry exhaustion by stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("kaiku.active_calls",
		metric.WithDescription("Number of live call sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("kaiku.http.request.duration",
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

// RecordStage records one pipeline stage latency sample.
func (m *Metrics) RecordStage(ctx context.Context, stage string, d time.Duration) {
	m.StageDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordTurn records a completed turn with its outcome.
func (m *Metrics) RecordTurn(ctx context.Context, outcome string) {
	m.Turns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}

// RecordInterruption records a barge-in event and, for real interruptions,
// the measured stop latency.
func (m *Metrics) RecordInterruption(ctx context.Context, falsePositive bool, stopLatency time.Duration) {
	kind := "barge_in"
	if falsePositive {
		kind = "false_positive"
	}
	m.Interruptions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
	if !falsePositive {
		m.InterruptionStopLatency.Record(ctx, stopLatency.Seconds())
	}
}

// RecordUpstreamError records a provider failure for the given stage.
func (m *Metrics) RecordUpstreamError(ctx context.Context, stage string) {
	m.UpstreamErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}
