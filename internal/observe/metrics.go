// Package observe provides application-wide observability primitives for
// meetrelay: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all meetrelay metrics.
const meterName = "github.com/MrWong99/meetrelay"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Audio pipeline counters ---

	// FramesCaptured counts frames read from the capture source. Use with
	// attribute.String("backend", ...).
	FramesCaptured metric.Int64Counter

	// FramesDropped counts frames discarded by the frame queue. Use with
	// attribute.String("reason", ...): "overflow" or "drain".
	FramesDropped metric.Int64Counter

	// FramesSent counts frames written to the relay connection.
	FramesSent metric.Int64Counter

	// BytesSent counts PCM payload bytes written to the relay connection.
	BytesSent metric.Int64Counter

	// --- Relay ---

	// ReconnectAttempts counts relay dial attempts after a disconnect. Use
	// with attribute.String("status", ...): "ok" or "error".
	ReconnectAttempts metric.Int64Counter

	// SendErrors counts failed relay writes.
	SendErrors metric.Int64Counter

	// ConnectDuration tracks WebSocket dial latency.
	ConnectDuration metric.Float64Histogram

	// --- Session lifecycle ---

	// ActiveSessions tracks the number of live relay sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// StateTransitions counts bot state changes. Use with attributes:
	//   attribute.String("from", ...), attribute.String("to", ...)
	StateTransitions metric.Int64Counter

	// CaptureOpenDuration tracks how long each capture strategy took to open
	// or fail. Use with attributes:
	//   attribute.String("backend", ...), attribute.String("status", ...)
	CaptureOpenDuration metric.Float64Histogram

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for device
// opens and network dials.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Instrument creation errors are joined and returned
// together.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	b := builder{meter: mp.Meter(meterName)}
	met := &Metrics{
		FramesCaptured: b.counter("meetrelay.frames.captured",
			"Audio frames read from the capture source."),
		FramesDropped: b.counter("meetrelay.frames.dropped",
			"Audio frames discarded by the frame queue, by reason."),
		FramesSent: b.counter("meetrelay.frames.sent",
			"Audio frames written to the relay connection."),
		BytesSent: b.counter("meetrelay.bytes.sent",
			"PCM bytes written to the relay connection.", metric.WithUnit("By")),

		ReconnectAttempts: b.counter("meetrelay.relay.reconnect_attempts",
			"Relay reconnect attempts by status."),
		SendErrors: b.counter("meetrelay.relay.send_errors",
			"Failed relay writes."),
		ConnectDuration: b.seconds("meetrelay.relay.connect.duration",
			"Latency of relay WebSocket dials.", latencyBuckets),

		StateTransitions: b.counter("meetrelay.bot.state_transitions",
			"Bot state transitions by source and target state."),
		CaptureOpenDuration: b.seconds("meetrelay.capture.open.duration",
			"Latency of capture strategy opens by backend and status.", latencyBuckets),

		HTTPRequestDuration: b.seconds("meetrelay.http.request.duration",
			"HTTP request latency by method and path.", nil),
	}
	var err error
	met.ActiveSessions, err = b.meter.Int64UpDownCounter("meetrelay.active_sessions",
		metric.WithDescription("Number of live relay sessions."))
	b.errs = append(b.errs, err)

	if err := errors.Join(b.errs...); err != nil {
		return nil, fmt.Errorf("observe: create instruments: %w", err)
	}
	return met, nil
}

// builder creates instruments on one meter and collects their errors.
type builder struct {
	meter metric.Meter
	errs  []error
}

func (b *builder) counter(name, desc string, opts ...metric.Int64CounterOption) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, append([]metric.Int64CounterOption{metric.WithDescription(desc)}, opts...)...)
	b.errs = append(b.errs, err)
	return c
}

// seconds creates a latency histogram. A nil bounds keeps the SDK default
// buckets.
func (b *builder) seconds(name, desc string, bounds []float64) metric.Float64Histogram {
	opts := []metric.Float64HistogramOption{metric.WithDescription(desc), metric.WithUnit("s")}
	if bounds != nil {
		opts = append(opts, metric.WithExplicitBucketBoundaries(bounds...))
	}
	h, err := b.meter.Float64Histogram(name, opts...)
	b.errs = append(b.errs, err)
	return h
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

// RecordStateTransition records one bot state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordCaptureOpen records the latency of one capture strategy attempt.
func (m *Metrics) RecordCaptureOpen(ctx context.Context, backend string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.CaptureOpenDuration.Record(ctx, seconds,
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("status", status),
		),
	)
}

// RecordReconnect records one relay reconnect attempt.
func (m *Metrics) RecordReconnect(ctx context.Context, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ReconnectAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordDropped records n frames discarded for reason.
func (m *Metrics) RecordDropped(ctx context.Context, reason string, n int) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("reason", reason)),
	)
}

// RecordSent records one frame of n bytes written to the relay.
func (m *Metrics) RecordSent(ctx context.Context, n int) {
	m.FramesSent.Add(ctx, 1)
	m.BytesSent.Add(ctx, int64(n))
}
