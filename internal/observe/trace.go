package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/meetrelay"

// Span attribute keys shared by the session and relay spans.
const (
	KeySessionID      = attribute.Key("meetrelay.session.id")
	KeyRelayURL       = attribute.Key("meetrelay.relay.url")
	KeyCaptureBackend = attribute.Key("meetrelay.capture.backend")
	KeyAttempt        = attribute.Key("meetrelay.relay.attempt")
)

// Tracer returns the meetrelay tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name carrying attrs. End it with [EndSpan].
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan marks span failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID is the trace ID of the span in ctx, or "". HTTP responses
// carry it as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger is slog.Default() plus trace_id and span_id when ctx carries a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		"trace_id", sc.TraceID().String(),
		"span_id", sc.SpanID().String(),
	)
}

// SessionLogger tags every record with session_id.
func SessionLogger(ctx context.Context, sessionID string) *slog.Logger {
	return Logger(ctx).With("session_id", sessionID)
}
