// Package observe provides the observability primitives of voxloop:
// OpenTelemetry metrics, tracing, trace-aware structured logging, and HTTP
// middleware for the metrics and health endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported in
// Prometheus format by [InitProvider]. [DefaultMetrics] returns a package-level
// instance bound to the global meter provider; tests should use [NewMetrics]
// with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxloop metrics.
const meterName = "github.com/MrWong99/voxloop"

// Turn outcome attribute values.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// Metrics holds all metric instruments of the application. All fields are
// safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// SessionStartDuration tracks how long opening a dialog channel takes,
	// retries included.
	SessionStartDuration metric.Float64Histogram

	// TurnDuration tracks the full request and response cycle of one turn.
	// Use with attribute.String("status", ...).
	TurnDuration metric.Float64Histogram

	// FirstResponseLatency tracks the time from sending a query to the first
	// response event.
	FirstResponseLatency metric.Float64Histogram

	// SynthesisDuration tracks reply synthesis latency.
	SynthesisDuration metric.Float64Histogram

	// --- Counters ---

	// Turns counts finished turns. Use with attribute.String("status", ...).
	Turns metric.Int64Counter

	// Utterances counts recognition outcomes. Use with
	// attribute.String("outcome", "final"|"incomplete"|"empty"|"exit").
	Utterances metric.Int64Counter

	// DuplexFrames counts frames moved by the duplex pump. Use with
	// attribute.String("direction", "in"|"out").
	DuplexFrames metric.Int64Counter

	// ProviderRequests counts backend calls. Use with attributes
	// provider, kind and status.
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts backend errors. Use with attributes provider
	// and kind.
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open dialog channels.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes method and path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// conversational latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	histograms := []struct {
		dst  *metric.Float64Histogram
		name string
		desc string
	}{
		{&met.SessionStartDuration, "voxloop.session.start.duration", "Latency of opening a dialog session."},
		{&met.TurnDuration, "voxloop.turn.duration", "Duration of one turn from query to end of reply."},
		{&met.FirstResponseLatency, "voxloop.turn.first_response", "Latency from query to the first reply event."},
		{&met.SynthesisDuration, "voxloop.tts.duration", "Latency of reply synthesis."},
	}
	for _, h := range histograms {
		if *h.dst, err = m.Float64Histogram(h.name,
			metric.WithDescription(h.desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		); err != nil {
			return nil, err
		}
	}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.Turns, "voxloop.turns", "Total turns by status."},
		{&met.Utterances, "voxloop.utterances", "Total recognized utterances by outcome."},
		{&met.DuplexFrames, "voxloop.duplex.frames", "Total frames moved by the duplex pump by direction."},
		{&met.ProviderRequests, "voxloop.provider.requests", "Total provider requests by provider, kind, and status."},
		{&met.ProviderErrors, "voxloop.provider.errors", "Total provider errors by provider and kind."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("voxloop.active_sessions",
		metric.WithDescription("Number of open dialog sessions."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("voxloop.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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
// first call from [otel.GetMeterProvider]. Panics if instrument creation
// fails, which does not happen with the global provider.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordTurn records one finished turn and its duration in seconds.
func (m *Metrics) RecordTurn(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Turns.Add(ctx, 1, attrs)
	m.TurnDuration.Record(ctx, seconds, attrs)
}

// RecordUtterance records one recognition outcome.
func (m *Metrics) RecordUtterance(ctx context.Context, outcome string) {
	m.Utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDuplexFrame records one frame moved by the duplex pump.
func (m *Metrics) RecordDuplexFrame(ctx context.Context, direction string) {
	m.DuplexFrames.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// RecordProviderRequest records one backend call.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records one backend error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// QueueStats is implemented by the capture queue.
type QueueStats interface {
	Len() int
	Dropped() int64
}

// ObserveQueue registers asynchronous gauges reporting the depth and drop
// count of q. Unregister the returned registration when q is discarded.
func ObserveQueue(mp metric.MeterProvider, q QueueStats) (metric.Registration, error) {
	m := mp.Meter(meterName)
	depth, err := m.Int64ObservableGauge("voxloop.capture.queued_frames",
		metric.WithDescription("Frames waiting in the capture queue."),
	)
	if err != nil {
		return nil, err
	}
	dropped, err := m.Int64ObservableCounter("voxloop.capture.dropped_frames",
		metric.WithDescription("Frames dropped because the capture queue was full."),
	)
	if err != nil {
		return nil, err
	}
	return m.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(depth, int64(q.Len()))
		o.ObserveInt64(dropped, q.Dropped())
		return nil
	}, depth, dropped)
}
