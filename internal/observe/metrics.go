// Package observe provides application-wide observability primitives for
// CallPilot: OpenTelemetry metrics, distributed tracing, and HTTP middleware
// that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all CallPilot metrics.
const meterName = "github.com/callpilot/callpilot"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SuggestionDuration tracks the end-to-end latency of one suggestion
	// pipeline run (both stages).
	SuggestionDuration metric.Float64Histogram

	// StageDuration tracks per-stage reasoning latency. Use with attribute:
	//   attribute.String("stage", "extraction"|"response")
	StageDuration metric.Float64Histogram

	// SaveDuration tracks conversation persistence latency.
	SaveDuration metric.Float64Histogram

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram

	// --- Counters ---

	// CallsStarted counts started calls. Use with [ModeAttr].
	CallsStarted metric.Int64Counter

	// ConversationsSaved counts persisted conversations. Use with [ModeAttr].
	ConversationsSaved metric.Int64Counter

	// TranscriptFinals counts finalized transcript lines. Use with attribute:
	//   attribute.String("role", ...)
	TranscriptFinals metric.Int64Counter

	// StreamRestarts counts transparent duration-limit restarts.
	StreamRestarts metric.Int64Counter

	// AudioBytes counts ingested raw capture bytes.
	AudioBytes metric.Int64Counter

	// --- Error counters ---

	// TypedErrors counts typed errors surfaced to the console. Use with
	// attributes: attribute.String("type", ...), attribute.String("code", ...)
	TypedErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveConnections tracks live console connections.
	ActiveConnections metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) covering
// both sub-second capture-path work and multi-second reasoning calls.
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
	if met.SuggestionDuration, err = m.Float64Histogram("callpilot.suggestion.duration",
		metric.WithDescription("End-to-end latency of one suggestion pipeline run."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StageDuration, err = m.Float64Histogram("callpilot.suggestion.stage.duration",
		metric.WithDescription("Per-stage reasoning latency by stage."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SaveDuration, err = m.Float64Histogram("callpilot.save.duration",
		metric.WithDescription("Conversation persistence latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("callpilot.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallsStarted, err = m.Int64Counter("callpilot.calls.started",
		metric.WithDescription("Total started calls by mode."),
	); err != nil {
		return nil, err
	}
	if met.ConversationsSaved, err = m.Int64Counter("callpilot.conversations.saved",
		metric.WithDescription("Total persisted conversations by mode."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptFinals, err = m.Int64Counter("callpilot.transcript.finals",
		metric.WithDescription("Total finalized transcript lines by role."),
	); err != nil {
		return nil, err
	}
	if met.StreamRestarts, err = m.Int64Counter("callpilot.stream.restarts",
		metric.WithDescription("Total transparent recognition restarts."),
	); err != nil {
		return nil, err
	}
	if met.AudioBytes, err = m.Int64Counter("callpilot.audio.bytes",
		metric.WithDescription("Total ingested raw capture bytes."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.TypedErrors, err = m.Int64Counter("callpilot.errors",
		metric.WithDescription("Total typed errors surfaced to the console by type and code."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConnections, err = m.Int64UpDownCounter("callpilot.active_connections",
		metric.WithDescription("Number of live console connections."),
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

// ModeAttr returns the standard conversation-mode attribute option.
func ModeAttr(mode string) metric.AddOption {
	return metric.WithAttributes(attribute.String("mode", mode))
}

// RoleAttr returns the standard call-role attribute option.
func RoleAttr(role string) metric.AddOption {
	return metric.WithAttributes(attribute.String("role", role))
}

// ErrAttr returns the standard error classification attribute option.
func ErrAttr(errType, code string) metric.AddOption {
	return metric.WithAttributes(
		attribute.String("type", errType),
		attribute.String("code", code),
	)
}
