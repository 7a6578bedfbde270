// Package observe provides the observability primitives shared by both
// facerelay processes: OpenTelemetry metrics, tracing, trace-aware
// structured logging and HTTP middleware.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported
// for Prometheus scraping via [Init]. [DefaultMetrics] is backed by
// the global provider; tests should use [NewMetrics] with their own
// [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all facerelay metrics.
const meterName = "github.com/MrWong99/facerelay"

// Metrics holds all OpenTelemetry instruments for the application. All
// fields are safe for concurrent use.
type Metrics struct {
	// --- Dialogue side ---

	// DialogueStreams counts duplex calls by outcome. Attribute "status":
	// finished, failed, rejected.
	DialogueStreams metric.Int64Counter

	// DialogueDuration tracks the lifetime of one duplex call.
	DialogueDuration metric.Float64Histogram

	// ReplyLatency tracks the time from the end-of-input marker to the first
	// reply audio.
	ReplyLatency metric.Float64Histogram

	// DroppedChunks counts microphone chunks discarded by a full frame buffer.
	DroppedChunks metric.Int64Counter

	// --- Relay ---

	// RelayFrames counts relay frames. Attributes "direction" (sent,
	// received) and, for sent frames, "sink" (relay, local).
	RelayFrames metric.Int64Counter

	// RelayBytes counts PCM payload bytes crossing the relay by direction.
	RelayBytes metric.Int64Counter

	// FramingErrors counts connections torn down by a framing error.
	FramingErrors metric.Int64Counter

	// StopCommands counts stop commands by "side" (sent, handled).
	StopCommands metric.Int64Counter

	// --- Animation side ---

	// ChunksPushed counts float chunks sent to the animation engine.
	ChunksPushed metric.Int64Counter

	// PushStreams counts push-stream calls by "status": success, rejected,
	// failed, stopped.
	PushStreams metric.Int64Counter

	// RateChanges counts sample-rate changes seen by the accumulator.
	// Attribute "policy".
	RateChanges metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks dialogue sessions currently streaming.
	ActiveSessions metric.Int64UpDownCounter

	// ActivePumps tracks running animation push streams.
	ActivePumps metric.Int64UpDownCounter

	// RelayConnections tracks open relay connections on the server by
	// "kind" (audio, control).
	RelayConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Attributes
	// "method", "route" (the mux pattern) and "status".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) suited to
// dialogue turn latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.DialogueDuration, err = m.Float64Histogram("facerelay.dialogue.duration",
		metric.WithDescription("Lifetime of one dialogue duplex call."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ReplyLatency, err = m.Float64Histogram("facerelay.dialogue.reply_latency",
		metric.WithDescription("Time from end of user input to the first reply audio."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.DialogueStreams, err = m.Int64Counter("facerelay.dialogue.streams",
		metric.WithDescription("Dialogue calls by outcome."),
	); err != nil {
		return nil, err
	}
	if met.DroppedChunks, err = m.Int64Counter("facerelay.dialogue.dropped_chunks",
		metric.WithDescription("Microphone chunks dropped by a full frame buffer."),
	); err != nil {
		return nil, err
	}
	if met.RelayFrames, err = m.Int64Counter("facerelay.relay.frames",
		metric.WithDescription("Relay frames by direction and sink."),
	); err != nil {
		return nil, err
	}
	if met.RelayBytes, err = m.Int64Counter("facerelay.relay.bytes",
		metric.WithDescription("PCM bytes crossing the relay by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.FramingErrors, err = m.Int64Counter("facerelay.relay.framing_errors",
		metric.WithDescription("Relay connections closed by a framing error."),
	); err != nil {
		return nil, err
	}
	if met.StopCommands, err = m.Int64Counter("facerelay.relay.stop_commands",
		metric.WithDescription("Stop commands by side."),
	); err != nil {
		return nil, err
	}
	if met.ChunksPushed, err = m.Int64Counter("facerelay.animation.chunks",
		metric.WithDescription("Audio chunks pushed to the animation engine."),
	); err != nil {
		return nil, err
	}
	if met.PushStreams, err = m.Int64Counter("facerelay.animation.push_streams",
		metric.WithDescription("Animation push streams by outcome."),
	); err != nil {
		return nil, err
	}
	if met.RateChanges, err = m.Int64Counter("facerelay.animation.rate_changes",
		metric.WithDescription("Sample-rate changes seen by the accumulator, by policy."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("facerelay.active_sessions",
		metric.WithDescription("Dialogue sessions currently streaming."),
	); err != nil {
		return nil, err
	}
	if met.ActivePumps, err = m.Int64UpDownCounter("facerelay.active_pumps",
		metric.WithDescription("Running animation push streams."),
	); err != nil {
		return nil, err
	}
	if met.RelayConnections, err = m.Int64UpDownCounter("facerelay.relay.connections",
		metric.WithDescription("Open relay connections by kind."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("facerelay.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
//
// Call it after [Init] so the instruments bind to the exporter.
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

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrameSent records one outgoing frame of n payload bytes through sink.
func (m *Metrics) RecordFrameSent(ctx context.Context, sink string, n int) {
	m.RelayFrames.Add(ctx, 1, metric.WithAttributes(Attr("direction", "sent"), Attr("sink", sink)))
	m.RelayBytes.Add(ctx, int64(n), metric.WithAttributes(Attr("direction", "sent")))
}

// RecordFrameReceived records one incoming frame of n payload bytes.
func (m *Metrics) RecordFrameReceived(ctx context.Context, n int) {
	m.RelayFrames.Add(ctx, 1, metric.WithAttributes(Attr("direction", "received")))
	m.RelayBytes.Add(ctx, int64(n), metric.WithAttributes(Attr("direction", "received")))
}

// RecordDialogueStream records the outcome of one dialogue call.
func (m *Metrics) RecordDialogueStream(ctx context.Context, status string) {
	m.DialogueStreams.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordPushStream records the outcome of one animation push stream.
func (m *Metrics) RecordPushStream(ctx context.Context, status string) {
	m.PushStreams.Add(ctx, 1, metric.WithAttributes(Attr("status", status)))
}

// RecordStop records one stop command on the given side.
func (m *Metrics) RecordStop(ctx context.Context, side string) {
	m.StopCommands.Add(ctx, 1, metric.WithAttributes(Attr("side", side)))
}
