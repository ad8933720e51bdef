// Package observe provides application-wide observability primitives for
// Talaqqi: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all Talaqqi metrics.
const meterName = "github.com/quranwithtahir/talaqqi"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// SendDuration tracks the latency of shipping one outbound media payload
	// over the duplex link.
	SendDuration metric.Float64Histogram

	// ConnectDuration tracks how long the duplex session handshake takes.
	ConnectDuration metric.Float64Histogram

	// SessionDuration tracks the wall-clock lifetime of completed sessions.
	SessionDuration metric.Float64Histogram

	// --- Counters ---

	// CaptureBlocks counts microphone blocks captured and encoded. Use with
	// attribute: attribute.String("mode", ...)
	CaptureBlocks metric.Int64Counter

	// VideoFrames counts camera frames by outcome. Use with attributes:
	//   attribute.String("mode", ...), attribute.String("outcome", "sampled"|"skipped"|"dropped")
	VideoFrames metric.Int64Counter

	// PlaybackScheduled counts audio buffers handed to the playback scheduler.
	PlaybackScheduled metric.Int64Counter

	// Interruptions counts barge-in events (playback queue flushes).
	Interruptions metric.Int64Counter

	// TranscriptFragments counts transcript fragments by speaker. Use with
	// attribute: attribute.String("speaker", ...)
	TranscriptFragments metric.Int64Counter

	// --- Error counters ---

	// DecodeErrors counts inbound payloads dropped as malformed.
	DecodeErrors metric.Int64Counter

	// SessionErrors counts sessions ending in a terminal error. Use with
	// attributes: attribute.String("mode", ...), attribute.String("kind", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live streaming sessions.
	ActiveSessions metric.Int64UpDownCounter

	// QueuedBuffers tracks how many scheduled audio buffers await playback.
	QueuedBuffers metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for real-time streaming latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// sessionBuckets defines histogram bucket boundaries (in seconds) for whole
// session lifetimes.
var sessionBuckets = []float64{
	1, 5, 15, 60, 300, 900, 1800, 3600,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SendDuration, err = m.Float64Histogram("talaqqi.duplex.send.duration",
		metric.WithDescription("Latency of sending one outbound media payload."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("talaqqi.duplex.connect.duration",
		metric.WithDescription("Latency of the duplex session handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.SessionDuration, err = m.Float64Histogram("talaqqi.session.duration",
		metric.WithDescription("Wall-clock lifetime of completed sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CaptureBlocks, err = m.Int64Counter("talaqqi.capture.blocks",
		metric.WithDescription("Total microphone blocks captured and encoded, by mode."),
	); err != nil {
		return nil, err
	}
	if met.VideoFrames, err = m.Int64Counter("talaqqi.video.frames",
		metric.WithDescription("Total camera frames by mode and outcome."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackScheduled, err = m.Int64Counter("talaqqi.playback.scheduled",
		metric.WithDescription("Total audio buffers handed to the playback scheduler."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("talaqqi.session.interruptions",
		metric.WithDescription("Total barge-in events that flushed the playback queue."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptFragments, err = m.Int64Counter("talaqqi.transcript.fragments",
		metric.WithDescription("Total transcript fragments received, by speaker."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.DecodeErrors, err = m.Int64Counter("talaqqi.decode.errors",
		metric.WithDescription("Total inbound payloads dropped as malformed."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("talaqqi.session.errors",
		metric.WithDescription("Total sessions that ended in a terminal error, by mode and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("talaqqi.active_sessions",
		metric.WithDescription("Number of live streaming sessions."),
	); err != nil {
		return nil, err
	}
	if met.QueuedBuffers, err = m.Int64UpDownCounter("talaqqi.playback.queued",
		metric.WithDescription("Number of scheduled audio buffers awaiting playback."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("talaqqi.http.request.duration",
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

// RecordVideoFrame is a convenience method that records one camera frame
// outcome ("sampled", "skipped", or "dropped").
func (m *Metrics) RecordVideoFrame(ctx context.Context, mode, outcome string) {
	m.VideoFrames.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordVideoFrames adds n frames with the given outcome. The video sampler
// tallies skipped and dropped ticks internally, so those arrive as deltas
// rather than one call per frame.
func (m *Metrics) RecordVideoFrames(ctx context.Context, mode, outcome string, n int64) {
	if n <= 0 {
		return
	}
	m.VideoFrames.Add(ctx, n,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordTranscriptFragment is a convenience method that records one transcript
// fragment for the given speaker.
func (m *Metrics) RecordTranscriptFragment(ctx context.Context, speaker string) {
	m.TranscriptFragments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("speaker", speaker)),
	)
}

// RecordSessionError is a convenience method that records a terminal session
// error by mode and kind.
func (m *Metrics) RecordSessionError(ctx context.Context, mode, kind string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("mode", mode),
			attribute.String("kind", kind),
		),
	)
}
