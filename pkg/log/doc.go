// Package log provides the structured, context-aware logger used across the bridge.
//
// Components receive a Logger explicitly and derive named children from it:
//
//	lg := log.NewZapLogger(log.Config{Format: "logfmt", Level: log.LevelDebug})
//	routerLg := lg.WithName("bridge").WithKV("walletID", walletID)
//	routerLg.Info("dispatching request", "method", "connect")
//
// Request-scoped loggers travel in a context.Context. When the context carries a
// valid OpenTelemetry span, SetContextLogger wraps the logger in a SpanLogger so
// that every log line is also recorded as a span event:
//
//	ctx = log.SetContextLogger(ctx, routerLg)
//	log.FromContext(ctx).Warn("origin mismatch", "origin", origin)
package log
