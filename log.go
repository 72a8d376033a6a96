package main

import (
	"os"

	"github.com/cantonconnect/bridge/pkg/log"
)

// NewLoggerIPFS returns a service logger for the go-log subsystem name.
func NewLoggerIPFS(name string) log.Logger {
	return log.NewIPFSLogger(name)
}

// newServiceLogger picks the logger backend for the configured output.
// Console and json output to stderr go through go-log so that subsystem levels
// stay tunable with GOLOG_LOG_LEVEL. Everything else uses a plain zap logger.
func newServiceLogger(conf log.Config) log.Logger {
	if (conf.Output == "" || conf.Output == "stderr") && conf.Format != "logfmt" {
		log.SetupIPFSLogging(conf.Level, conf.Format)
		return NewLoggerIPFS("bridge")
	}
	return log.NewZapLogger(conf).WithName("bridge")
}

func init() {
	logLevel := os.Getenv("BRIDGE_LOG_LEVEL")
	if logLevel == "" {
		logLevel = string(log.LevelInfo)
	}
	log.SetupIPFSLogging(log.Level(logLevel), os.Getenv("BRIDGE_LOG_FORMAT"))
}
