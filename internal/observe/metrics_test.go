package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestCounterIncrement(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	counters := []struct {
		name string
		c    metric.Int64Counter
	}{
		{"voicebridge.capture.frames_encoded", m.FramesEncoded},
		{"voicebridge.capture.keepalives", m.KeepAlives},
		{"voicebridge.transport.reconnect_attempts", m.ReconnectAttempts},
		{"voicebridge.binder.failures", m.BindFailures},
		{"voicebridge.playback.scheduled", m.PlaybackScheduled},
	}

	for _, tc := range counters {
		tc.c.Add(ctx, 1)
		tc.c.Add(ctx, 2)
	}

	rm := collect(t, reader)

	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != 3 {
				t.Errorf("counter value = %d, want 3", got)
			}
		})
	}
}

func TestBindDurationHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.BindDuration.Record(ctx, 0.123)
	m.BindDuration.Record(ctx, 0.456)

	rm := collect(t, reader)
	met := findMetric(rm, "voicebridge.binder.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestRecordQueueDepth(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordQueueDepth(ctx, 7)
	m.RecordQueueDepth(ctx, 3)

	rm := collect(t, reader)
	met := findMetric(rm, "voicebridge.transport.queue_depth")
	if met == nil {
		t.Fatal("metric not found")
	}
	gauge, ok := met.Data.(metricdata.Gauge[int64])
	if !ok {
		t.Fatal("metric is not a gauge")
	}
	if got := gauge.DataPoints[0].Value; got != 3 {
		t.Errorf("gauge value = %d, want 3 (last recorded)", got)
	}
}

func TestRecordFrameDropped_Attributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameDropped(ctx, "transport")
	m.RecordFrameDropped(ctx, "transport")
	m.RecordFrameDropped(ctx, "capture")

	rm := collect(t, reader)
	met := findMetric(rm, "voicebridge.frames_dropped")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := len(sum.DataPoints); got != 2 {
		t.Fatalf("attribute sets = %d, want 2", got)
	}
	for _, dp := range sum.DataPoints {
		stage, _ := dp.Attributes.Value(attribute.Key("stage"))
		switch stage.AsString() {
		case "transport":
			if dp.Value != 2 {
				t.Errorf("transport drops = %d, want 2", dp.Value)
			}
		case "capture":
			if dp.Value != 1 {
				t.Errorf("capture drops = %d, want 1", dp.Value)
			}
		default:
			t.Errorf("unexpected stage %q", stage.AsString())
		}
	}
}

func TestRecordBindAttempt_Attributes(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordBindAttempt(ctx, "replace")
	m.RecordBindAttempt(ctx, "discovery")

	rm := collect(t, reader)
	met := findMetric(rm, "voicebridge.binder.attempts")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := len(sum.DataPoints); got != 2 {
		t.Errorf("attribute sets = %d, want 2", got)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different instances")
	}
}
