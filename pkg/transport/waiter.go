package transport

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/atomic"

	"github.com/cantonconnect/bridge/pkg/errcode"
	"github.com/cantonconnect/bridge/pkg/log"
)

type outcome struct {
	data json.RawMessage
	err  error
}

// Waiter correlates inbound messages with one outstanding request. It settles
// exactly once, with the first message that passes the origin and state checks,
// with Fail, or with a timeout.
type Waiter struct {
	state   string
	opts    Options
	timeout time.Duration
	logger  log.Logger

	settled    atomic.Bool
	done       chan outcome
	violations atomic.Int64
}

// NewWaiter waits for a response echoing state. A zero opts.Timeout falls
// back to def.
func NewWaiter(state string, opts Options, def time.Duration, logger log.Logger) *Waiter {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Waiter{
		state:   state,
		opts:    opts,
		timeout: opts.timeout(def),
		logger:  logger,
		done:    make(chan outcome, 1),
	}
}

// Deliver offers msg to the waiter and reports whether it was accepted.
// Messages from disallowed origins and messages without a state are not
// responses to this request and are dropped silently. A different state is a
// protocol violation and is dropped and counted.
func (w *Waiter) Deliver(msg Message) bool {
	if !(msg.Redirect && msg.Origin == "") && !w.opts.OriginAllowed(msg.Origin) {
		return false
	}

	state := gjson.GetBytes(msg.Data, "state")
	if !state.Exists() {
		return false
	}
	if state.String() != w.state {
		w.violations.Inc()
		w.logger.Warn("discarded response with mismatched state", "origin", msg.Origin)
		return false
	}

	if !w.settled.CompareAndSwap(false, true) {
		w.logger.Debug("ignored late response", "origin", msg.Origin)
		return false
	}
	w.done <- outcome{data: msg.Data}
	return true
}

// Fail settles the waiter with err unless it already settled.
func (w *Waiter) Fail(err error) bool {
	if !w.settled.CompareAndSwap(false, true) {
		return false
	}
	w.done <- outcome{err: err}
	return true
}

// Wait blocks until the waiter settles, the timeout elapses or ctx ends.
func (w *Waiter) Wait(ctx context.Context) (json.RawMessage, error) {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case o := <-w.done:
		return o.data, o.err
	case <-timer.C:
		if w.settled.CompareAndSwap(false, true) {
			return nil, errcode.Newf(errcode.Timeout, "no response within %s", w.timeout)
		}
	case <-ctx.Done():
		if w.settled.CompareAndSwap(false, true) {
			return nil, errcode.Classify(ctx.Err())
		}
	}

	// A response settled the waiter concurrently and is already buffered.
	o := <-w.done
	return o.data, o.err
}

// Settled reports whether the waiter has settled.
func (w *Waiter) Settled() bool { return w.settled.Load() }

// Violations returns how many mismatched-state responses were discarded.
func (w *Waiter) Violations() int64 { return w.violations.Load() }
