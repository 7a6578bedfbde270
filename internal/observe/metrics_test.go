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

func TestLatencyHistograms_UseDialogueBuckets(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// One fast reply, one slow reply and one call lasting a minute.
	m.ReplyLatency.Record(ctx, 0.04)
	m.ReplyLatency.Record(ctx, 2)
	m.DialogueDuration.Record(ctx, 60)

	rm := collect(t, reader)
	for name, want := range map[string]uint64{
		"facerelay.dialogue.reply_latency": 2,
		"facerelay.dialogue.duration":      1,
	} {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		hist, ok := met.Data.(metricdata.Histogram[float64])
		if !ok || len(hist.DataPoints) != 1 {
			t.Fatalf("metric %q: unexpected data %T", name, met.Data)
		}
		dp := hist.DataPoints[0]
		if dp.Count != want {
			t.Errorf("%s count = %d, want %d", name, dp.Count, want)
		}
		if len(dp.Bounds) != len(latencyBuckets) {
			t.Errorf("%s bounds = %v, want %v", name, dp.Bounds, latencyBuckets)
		}
	}

	// 60s lands in the overflow bucket above 30s.
	met := findMetric(rm, "facerelay.dialogue.duration")
	dp := met.Data.(metricdata.Histogram[float64]).DataPoints[0]
	if last := dp.BucketCounts[len(dp.BucketCounts)-1]; last != 1 {
		t.Errorf("overflow bucket = %d, want 1", last)
	}
}

// sumFor returns the value of the data point of counter name carrying
// key=value, or -1.
func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value
		}
	}
	return -1
}

func TestRecordFrames(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFrameSent(ctx, "relay", 100)
	m.RecordFrameSent(ctx, "local", 50)
	m.RecordFrameReceived(ctx, 100)
	m.RecordFrameReceived(ctx, 20)

	rm := collect(t, reader)
	if got := sumFor(t, rm, "facerelay.relay.frames", "sink", "local"); got != 1 {
		t.Errorf("local frames = %d, want 1", got)
	}
	if got := sumFor(t, rm, "facerelay.relay.frames", "direction", "received"); got != 2 {
		t.Errorf("received frames = %d, want 2", got)
	}
	if got := sumFor(t, rm, "facerelay.relay.bytes", "direction", "sent"); got != 150 {
		t.Errorf("sent bytes = %d, want 150", got)
	}
}

func TestOutcomeCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDialogueStream(ctx, "finished")
	m.RecordDialogueStream(ctx, "finished")
	m.RecordDialogueStream(ctx, "failed")
	m.RecordPushStream(ctx, "stopped")
	m.RecordStop(ctx, "handled")

	rm := collect(t, reader)
	tests := []struct {
		name, key, value string
		want             int64
	}{
		{"facerelay.dialogue.streams", "status", "finished", 2},
		{"facerelay.dialogue.streams", "status", "failed", 1},
		{"facerelay.animation.push_streams", "status", "stopped", 1},
		{"facerelay.relay.stop_commands", "side", "handled", 1},
	}
	for _, tc := range tests {
		if got := sumFor(t, rm, tc.name, tc.key, tc.value); got != tc.want {
			t.Errorf("%s{%s=%s} = %d, want %d", tc.name, tc.key, tc.value, got, tc.want)
		}
	}
}

func TestUpDownCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// Two sessions start, one ends; one pump runs; the relay accepts an
	// audio and a control connection and then loses the audio one.
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)
	m.ActivePumps.Add(ctx, 1)
	m.RelayConnections.Add(ctx, 1, metric.WithAttributes(Attr("kind", "audio")))
	m.RelayConnections.Add(ctx, 1, metric.WithAttributes(Attr("kind", "control")))
	m.RelayConnections.Add(ctx, -1, metric.WithAttributes(Attr("kind", "audio")))

	rm := collect(t, reader)
	total := func(name string) int64 {
		met := findMetric(rm, name)
		if met == nil {
			t.Fatalf("metric %q not found", name)
		}
		var n int64
		for _, dp := range met.Data.(metricdata.Sum[int64]).DataPoints {
			n += dp.Value
		}
		return n
	}
	if got := total("facerelay.active_sessions"); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
	if got := total("facerelay.active_pumps"); got != 1 {
		t.Errorf("active pumps = %d, want 1", got)
	}
	if got := sumFor(t, rm, "facerelay.relay.connections", "kind", "audio"); got != 0 {
		t.Errorf("audio connections = %d, want 0", got)
	}
	if got := sumFor(t, rm, "facerelay.relay.connections", "kind", "control"); got != 1 {
		t.Errorf("control connections = %d, want 1", got)
	}
}

func TestDefaultMetrics_IsShared(t *testing.T) {
	if DefaultMetrics() == nil || DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics must return one shared instance")
	}
}
