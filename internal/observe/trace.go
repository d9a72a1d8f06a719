package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/voxscribe"

// Tracer returns the voxscribe tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. The caller ends it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartJobSpan starts a span for work on job id and tags both the span and
// every [Logger] derived from the returned context with job_id.
func StartJobSpan(ctx context.Context, name string, id int64) (context.Context, trace.Span) {
	ctx, span := StartSpan(ctx, name, trace.WithAttributes(attribute.Int64("job_id", id)))
	return WithLogAttrs(ctx, "job_id", id), span
}

// CorrelationID is the trace ID of the active span, or "" without one. It is
// echoed to API clients as X-Correlation-ID.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}

type logAttrsKey struct{}

// WithLogAttrs returns a context whose [Logger] adds args (slog key/value
// pairs) to every record. Attributes accumulate across calls.
func WithLogAttrs(ctx context.Context, args ...any) context.Context {
	if len(args) == 0 {
		return ctx
	}
	prev, _ := ctx.Value(logAttrsKey{}).([]any)
	merged := make([]any, 0, len(prev)+len(args))
	merged = append(merged, prev...)
	merged = append(merged, args...)
	return context.WithValue(ctx, logAttrsKey{}, merged)
}

// Logger returns the default logger carrying the attributes attached with
// [WithLogAttrs] and, when a span is active, its trace_id and span_id.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if args, _ := ctx.Value(logAttrsKey{}).([]any); len(args) > 0 {
		l = l.With(args...)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
