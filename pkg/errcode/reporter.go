package errcode

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
)

// Reporter receives non-operational errors for diagnostic capture.
type Reporter interface {
	Report(err *Error)
}

type NoopReporter struct{}

func (NoopReporter) Report(*Error) {}

// SentryReporter sends errors to Sentry through its own hub.
type SentryReporter struct {
	hub *sentry.Hub
}

// NewSentryReporter builds a reporter for dsn. An empty dsn yields a client
// that drops every event.
func NewSentryReporter(opts sentry.ClientOptions) (*SentryReporter, error) {
	client, err := sentry.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	return &SentryReporter{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

func (r *SentryReporter) Report(err *Error) {
	r.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("kind", string(err.Kind))
		for k, v := range err.Details {
			scope.SetExtra(k, v)
		}
		r.hub.CaptureException(err)
	})
}

// Flush waits for buffered events.
func (r *SentryReporter) Flush(timeout time.Duration) bool {
	return r.hub.Flush(timeout)
}

// Capture classifies err and hands it to r if it is not operational. It
// returns the classified error.
func Capture(r Reporter, err error) *Error {
	e := Classify(err)
	if e != nil && !e.Operational() && r != nil {
		r.Report(e)
	}
	return e
}
