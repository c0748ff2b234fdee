package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxloop"

// StartSpan starts a span on the global voxloop tracer. The caller must
// call span.End.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// Fail marks span as failed with err, using status as the description.
func Fail(span trace.Span, err error, status string) {
	span.RecordError(err)
	span.SetStatus(codes.Error, status)
}

// CorrelationID returns the trace ID of the active span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	traceID, _ := spanIDs(ctx)
	return traceID
}

// Logger returns the default logger. When ctx carries an active span, every
// record also has trace_id and span_id, so turn logs can be joined with
// traces.
func Logger(ctx context.Context) *slog.Logger {
	traceID, spanID := spanIDs(ctx)
	if traceID == "" {
		return slog.Default()
	}
	return slog.Default().With(slog.String("trace_id", traceID), slog.String("span_id", spanID))
}

func spanIDs(ctx context.Context) (traceID, spanID string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return "", ""
	}
	return sc.TraceID().String(), sc.SpanID().String()
}
