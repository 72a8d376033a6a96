package transport

import (
	"time"

	"github.com/cantonconnect/bridge/pkg/errcode"
	"github.com/cantonconnect/bridge/pkg/log"
)

// Recorder observes the outcome of every transport request. outcome is "ok"
// or the error kind.
type Recorder interface {
	ObserveTransport(variant, op, outcome string, elapsed time.Duration)
}

// Option configures a transport.
type Option func(*base)

func WithLogger(logger log.Logger) Option {
	return func(b *base) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(b *base) { b.recorder = r }
}

// WithJobPoller sets the poller used when a wallet answers with a job id.
func WithJobPoller(p JobPoller) Option {
	return func(b *base) { b.poller = p }
}

type base struct {
	variant  string
	logger   log.Logger
	recorder Recorder
	poller   JobPoller
}

func newBase(variant string, opts []Option) base {
	b := base{variant: variant, logger: log.NewNoopLogger()}
	for _, opt := range opts {
		opt(&b)
	}
	b.logger = b.logger.WithName("transport").WithKV("variant", variant)
	return b
}

func (b *base) observe(op string, start time.Time, err error) {
	if b.recorder == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = string(errcode.KindOf(err))
	}
	b.recorder.ObserveTransport(b.variant, op, outcome, time.Since(start))
}

// newState generates a request state, mapping a failure to Internal.
func newState() (string, error) {
	state, err := GenerateState()
	if err != nil {
		return "", errcode.Wrap(errcode.Internal, err, "failed to generate request state")
	}
	return state, nil
}
