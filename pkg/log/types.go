package log

// Logger is a structured logger. keysAndValues are alternating key/value pairs.
type Logger interface {
	// Debug logs low-level detail useful while diagnosing a flow.
	Debug(msg string, keysAndValues ...any)
	// Info logs routine progress and state changes.
	Info(msg string, keysAndValues ...any)
	// Warn logs unexpected but recoverable situations.
	Warn(msg string, keysAndValues ...any)
	// Error logs failures that need attention.
	Error(msg string, keysAndValues ...any)
	// Fatal logs an unrecoverable failure and may terminate the process.
	Fatal(msg string, keysAndValues ...any)
	// WithKV returns a logger that attaches key/value to every entry.
	WithKV(key string, value any) Logger
	// GetAllKV returns the persistent key/value pairs of this logger.
	GetAllKV() []any
	// WithName returns a logger for a named component.
	WithName(name string) Logger
	// Name returns the logger's dotted name.
	Name() string
	// AddCallerSkip returns a logger that skips extra frames when reporting the caller.
	AddCallerSkip(skip int) Logger
}

// Level is the severity of a log entry.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// SpanEventRecorder records log entries onto a trace span.
type SpanEventRecorder interface {
	TraceID() string
	SpanID() string
	// RecordEvent adds a span event with the given attributes.
	RecordEvent(name string, keysAndValues ...any)
	// RecordError adds a span event and marks the span as failed.
	RecordError(name string, keysAndValues ...any)
}
