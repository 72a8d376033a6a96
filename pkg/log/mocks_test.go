package log_test

import (
	"sync"

	"github.com/cantonconnect/bridge/pkg/log"
)

type recordedEntry struct {
	Level         log.Level
	Message       string
	KeysAndValues []any
}

// recordingLogger keeps every entry in memory.
type recordingLogger struct {
	mu         *sync.Mutex
	entries    *[]recordedEntry
	name       string
	kv         []any
	callerSkip int
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]recordedEntry{}}
}

func (l *recordingLogger) add(level log.Level, msg string, kv []any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, recordedEntry{Level: level, Message: msg, KeysAndValues: kv})
}

func (l *recordingLogger) Debug(msg string, kv ...any) { l.add(log.LevelDebug, msg, kv) }
func (l *recordingLogger) Info(msg string, kv ...any)  { l.add(log.LevelInfo, msg, kv) }
func (l *recordingLogger) Warn(msg string, kv ...any)  { l.add(log.LevelWarn, msg, kv) }
func (l *recordingLogger) Error(msg string, kv ...any) { l.add(log.LevelError, msg, kv) }
func (l *recordingLogger) Fatal(msg string, kv ...any) { l.add(log.LevelFatal, msg, kv) }

func (l *recordingLogger) WithKV(key string, value any) log.Logger {
	c := *l
	c.kv = append(append([]any{}, l.kv...), key, value)
	return &c
}

func (l *recordingLogger) GetAllKV() []any { return l.kv }

func (l *recordingLogger) WithName(name string) log.Logger {
	c := *l
	if c.name == "" {
		c.name = name
	} else {
		c.name = c.name + "." + name
	}
	return &c
}

func (l *recordingLogger) Name() string { return l.name }

func (l *recordingLogger) AddCallerSkip(skip int) log.Logger {
	c := *l
	c.callerSkip += skip
	return &c
}

func (l *recordingLogger) Last() recordedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(*l.entries) == 0 {
		return recordedEntry{}
	}
	return (*l.entries)[len(*l.entries)-1]
}

type recordingSER struct {
	traceID, spanID string
	hasErr          bool
	lastName        string
	lastKV          []any
}

func (s *recordingSER) TraceID() string { return s.traceID }
func (s *recordingSER) SpanID() string  { return s.spanID }

func (s *recordingSER) RecordEvent(name string, kv ...any) {
	s.lastName = name
	s.lastKV = kv
}

func (s *recordingSER) RecordError(name string, kv ...any) {
	s.hasErr = true
	s.lastName = name
	s.lastKV = kv
}

func kvMap(kv []any) map[string]any {
	out := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			out[k] = kv[i+1]
		}
	}
	return out
}
