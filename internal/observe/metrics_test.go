package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	out := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func TestNewMetrics_RecordsThroughProvider(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	ctx := context.Background()
	m.CallsStarted.Add(ctx, 1, ModeAttr("sales"))
	m.TranscriptFinals.Add(ctx, 3, RoleAttr("operator"))
	m.TypedErrors.Add(ctx, 1, ErrAttr("recognition", "stream_failed"))
	m.SuggestionDuration.Record(ctx, 0.42)
	m.ActiveConnections.Add(ctx, 1)

	got := collect(t, reader)

	sum, ok := got["callpilot.calls.started"].Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("callpilot.calls.started was not recorded as an int64 sum")
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 1 {
		t.Errorf("calls.started data points = %+v", sum.DataPoints)
	}

	finals, ok := got["callpilot.transcript.finals"].Data.(metricdata.Sum[int64])
	if !ok || finals.DataPoints[0].Value != 3 {
		t.Errorf("transcript.finals = %+v", got["callpilot.transcript.finals"].Data)
	}

	hist, ok := got["callpilot.suggestion.duration"].Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("suggestion.duration was not recorded as a float64 histogram")
	}
	if hist.DataPoints[0].Count != 1 {
		t.Errorf("suggestion.duration count = %d, want 1", hist.DataPoints[0].Count)
	}

	if _, ok := got["callpilot.errors"]; !ok {
		t.Error("callpilot.errors missing from collection")
	}
	if _, ok := got["callpilot.active_connections"]; !ok {
		t.Error("callpilot.active_connections missing from collection")
	}
}

func TestDefaultMetrics_IsSingleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
