package bridge

import (
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cantonconnect/bridge/pkg/errcode"
	"github.com/cantonconnect/bridge/pkg/log"
)

// Metrics observes every completed method call. outcome is "ok" or the error
// kind.
type Metrics interface {
	ObserveRequest(method, outcome string, elapsed time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) ObserveRequest(string, string, time.Duration) {}

// RecoverMiddleware turns a panic in any later handler into an Internal error.
func (b *Bridge) RecoverMiddleware(c *Context) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("panic while handling request", "method", c.Method, "panic", r, "stack", string(debug.Stack()))
			c.Fail(errcode.Wrap(errcode.Internal, fmt.Errorf("panic: %v", r), "internal error"))
			b.reporter.Report(c.Err)
		}
	}()
	c.Next()
}

// TracingMiddleware opens a span per call.
func (b *Bridge) TracingMiddleware(c *Context) {
	ctx, span := b.tracer.Start(c.Context, "bridge."+c.Method,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("bridge.method", c.Method),
			attribute.String("bridge.origin", c.Origin),
		),
	)
	defer span.End()
	c.Context = ctx

	c.Next()

	if c.Err != nil {
		span.SetAttributes(attribute.String("bridge.error_kind", string(c.Err.Kind)))
		span.SetStatus(codes.Error, c.Err.Message)
	}
}

// LoggerMiddleware stores a request logger in the context and logs failures.
// Non-operational failures go to the reporter.
func (b *Bridge) LoggerMiddleware(c *Context) {
	logger := b.logger.WithKV("method", c.Method).WithKV("origin", c.Origin)
	c.Context = log.SetContextLogger(c.Context, logger)
	logger = log.FromContext(c.Context)

	c.Next()

	if c.Err == nil {
		logger.Debug("request handled")
		return
	}
	if c.Err.Operational() {
		logger.Info("request failed", "kind", c.Err.Kind, "error", c.Err)
		return
	}
	logger.Error("request failed", "kind", c.Err.Kind, "error", c.Err)
	b.reporter.Report(c.Err)
}

func (b *Bridge) MetricsMiddleware(c *Context) {
	start := time.Now()

	c.Next()

	method := c.Method
	if _, ok := b.routes[method]; !ok {
		method = "unknown"
	}
	outcome := "ok"
	if c.Err != nil {
		outcome = string(c.Err.Kind)
	}
	b.metrics.ObserveRequest(method, outcome, time.Since(start))
}
