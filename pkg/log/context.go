package log

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type contextKey struct{}

// SetContextLogger stores lg in ctx. If ctx carries a valid span the logger is
// wrapped in a SpanLogger. A nil lg stores a NoopLogger.
func SetContextLogger(ctx context.Context, lg Logger) context.Context {
	if lg == nil {
		lg = NewNoopLogger()
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		lg = NewSpanLogger(lg, NewOtelSpanEventRecorder(span))
	}

	return context.WithValue(ctx, contextKey{}, lg)
}

// FromContext returns the logger stored in ctx, or a NoopLogger.
func FromContext(ctx context.Context) Logger {
	if ctx == nil {
		return NewNoopLogger()
	}
	if l, ok := ctx.Value(contextKey{}).(Logger); ok {
		return l
	}
	return NewNoopLogger()
}
