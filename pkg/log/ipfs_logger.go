package log

import (
	golog "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
)

var _ Logger = &IPFSLogger{}

// IPFSLogger is a Logger backed by the ipfs/go-log subsystem registry. Each name
// maps to a go-log subsystem, so levels can be tuned per component through
// GOLOG_LOG_LEVEL (e.g. "bridge=debug,transport=warn").
type IPFSLogger struct {
	*ZapLogger
}

// SetupIPFSLogging configures the go-log backend once per process.
func SetupIPFSLogging(level Level, format string) {
	lvl, err := golog.Parse(string(level))
	if err != nil {
		lvl = golog.LevelInfo
	}

	cfg := golog.Config{Level: lvl, Stderr: true}
	if format == "json" {
		cfg.Format = golog.JSONOutput
	}
	golog.SetupLogging(cfg)
}

// NewIPFSLogger returns a logger for the go-log subsystem name.
func NewIPFSLogger(name string) Logger {
	sugared := golog.Logger(name).SugaredLogger.Desugar().WithOptions(zap.AddCallerSkip(2)).Sugar()
	return &IPFSLogger{ZapLogger: &ZapLogger{lg: sugared}}
}

// WithName switches to the go-log subsystem name while keeping persistent pairs.
func (l *IPFSLogger) WithName(name string) Logger {
	sugared := golog.Logger(name).SugaredLogger.Desugar().WithOptions(zap.AddCallerSkip(2)).Sugar().With(l.keysAndValues...)
	return &IPFSLogger{ZapLogger: &ZapLogger{lg: sugared, keysAndValues: l.keysAndValues}}
}
