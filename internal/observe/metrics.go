// Package observe provides application-wide observability primitives for
// the voice bridge: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all bridge metrics.
const meterName = "github.com/hirevox/voicebridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Capture pipeline counters ---

	// FramesEncoded counts PCM frames emitted by the capture encoder.
	FramesEncoded metric.Int64Counter

	// FramesDropped counts frames dropped anywhere in the pipeline. Use
	// with attribute:
	//   attribute.String("stage", ...)
	FramesDropped metric.Int64Counter

	// KeepAlives counts silence keep-alive frames sent upstream.
	KeepAlives metric.Int64Counter

	// --- Transport ---

	// ReconnectAttempts counts websocket reconnection attempts.
	ReconnectAttempts metric.Int64Counter

	// QueueDepth tracks the number of frames waiting in the pending
	// queue for redelivery.
	QueueDepth metric.Int64Gauge

	// --- Sender binding ---

	// BindAttempts counts sender bind attempts. Use with attribute:
	//   attribute.String("path", "replace"|"discovery"|"readd"|"transceiver")
	BindAttempts metric.Int64Counter

	// BindFailures counts binds that exhausted every fallback.
	BindFailures metric.Int64Counter

	// BindDuration tracks how long a successful bind took.
	BindDuration metric.Float64Histogram

	// --- Playback ---

	// PlaybackScheduled counts buffers scheduled on the playback cursor.
	PlaybackScheduled metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for bind and request latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture counters.
	if met.FramesEncoded, err = m.Int64Counter("voicebridge.capture.frames_encoded",
		metric.WithDescription("Total PCM frames emitted by the capture encoder."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voicebridge.frames_dropped",
		metric.WithDescription("Total frames dropped, by pipeline stage."),
	); err != nil {
		return nil, err
	}
	if met.KeepAlives, err = m.Int64Counter("voicebridge.capture.keepalives",
		metric.WithDescription("Total silence keep-alive frames sent upstream."),
	); err != nil {
		return nil, err
	}

	// Transport.
	if met.ReconnectAttempts, err = m.Int64Counter("voicebridge.transport.reconnect_attempts",
		metric.WithDescription("Total websocket reconnection attempts."),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64Gauge("voicebridge.transport.queue_depth",
		metric.WithDescription("Frames waiting in the pending redelivery queue."),
	); err != nil {
		return nil, err
	}

	// Sender binding.
	if met.BindAttempts, err = m.Int64Counter("voicebridge.binder.attempts",
		metric.WithDescription("Total sender bind attempts by path."),
	); err != nil {
		return nil, err
	}
	if met.BindFailures, err = m.Int64Counter("voicebridge.binder.failures",
		metric.WithDescription("Total sender binds that exhausted every fallback."),
	); err != nil {
		return nil, err
	}
	if met.BindDuration, err = m.Float64Histogram("voicebridge.binder.duration",
		metric.WithDescription("Duration of successful sender binds."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Playback.
	if met.PlaybackScheduled, err = m.Int64Counter("voicebridge.playback.scheduled",
		metric.WithDescription("Total buffers scheduled on the playback cursor."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicebridge.http.request.duration",
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

// RecordQueueDepth records the current pending-queue depth.
func (m *Metrics) RecordQueueDepth(ctx context.Context, depth int64) {
	m.QueueDepth.Record(ctx, depth)
}

// RecordFrameDropped records one dropped frame at the given pipeline stage.
func (m *Metrics) RecordFrameDropped(ctx context.Context, stage string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordBindAttempt records one bind attempt on the given path.
func (m *Metrics) RecordBindAttempt(ctx context.Context, path string) {
	m.BindAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("path", path)),
	)
}
