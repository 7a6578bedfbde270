package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/MrWong99/facerelay"

// Tracer returns the facerelay tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. When ctx carries a session handle
// (see [WithSession]) the span is tagged with it.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if h := SessionFrom(ctx); h != "" {
		opts = append(opts, trace.WithAttributes(attribute.String("session", h)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan marks span as failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace ID of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

type sessionKey struct{}

// WithSession stores a bridge session handle in ctx.
func WithSession(ctx context.Context, handle string) context.Context {
	return context.WithValue(ctx, sessionKey{}, handle)
}

// SessionFrom returns the handle stored by [WithSession], or "".
func SessionFrom(ctx context.Context) string {
	h, _ := ctx.Value(sessionKey{}).(string)
	return h
}

// Logger returns the default logger with the session handle and the
// trace and span IDs found in ctx. Missing values are left out.
func Logger(ctx context.Context) *slog.Logger {
	var attrs []any
	if h := SessionFrom(ctx); h != "" {
		attrs = append(attrs, slog.String("session", h))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		attrs = append(attrs,
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	if len(attrs) == 0 {
		return slog.Default()
	}
	return slog.Default().With(attrs...)
}
