package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/log"
)

var ErrUnknownCommand = fmt.Errorf("%w: unknown command", ErrInvalidTransition)

// Emitter publishes a lifecycle event. ctx is the context of the call that
// caused the transition. An emitter may block on terminal events until they
// are delivered; it must not block on any other.
type Emitter func(ctx context.Context, ev Event)

// Observer is told about every accepted transition.
type Observer interface {
	ObserveTransition(status core.CommandStatus)
}

type TrackerOption func(*Tracker)

func WithJournal(j Journal) TrackerOption {
	return func(t *Tracker) { t.journal = j }
}

func WithObserver(o Observer) TrackerOption {
	return func(t *Tracker) { t.observer = o }
}

func WithIDGenerator(gen func() core.CommandID) TrackerOption {
	return func(t *Tracker) { t.newID = gen }
}

// Tracker owns the in-flight commands. Terminal commands leave the in-flight
// set once their final event is emitted.
type Tracker struct {
	emit     Emitter
	journal  Journal
	observer Observer
	logger   log.Logger
	newID    func() core.CommandID

	mu       sync.Mutex
	inflight map[core.CommandID]*Machine
}

func NewTracker(emit Emitter, logger log.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	t := &Tracker{
		emit:     emit,
		logger:   logger.WithName("lifecycle"),
		newID:    func() core.CommandID { return core.CommandID(uuid.NewString()) },
		inflight: make(map[core.CommandID]*Machine),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Begin registers a new command and emits its pending event.
func (t *Tracker) Begin(ctx context.Context) core.CommandID {
	id := t.newID()
	m := NewMachine(id)

	t.mu.Lock()
	t.inflight[id] = m
	t.mu.Unlock()

	t.publish(ctx, m.Command(), m.PendingEvent(), "")
	return id
}

func (t *Tracker) Signed(ctx context.Context, id core.CommandID, p SignedPayload) error {
	return t.step(ctx, id, "", func(m *Machine) (Event, error) { return m.Sign(p) })
}

func (t *Tracker) Executed(ctx context.Context, id core.CommandID, p ExecutedPayload) error {
	return t.step(ctx, id, "", func(m *Machine) (Event, error) { return m.Execute(p) })
}

// Fail moves the command to failed. cause is journaled, never emitted.
func (t *Tracker) Fail(ctx context.Context, id core.CommandID, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return t.step(ctx, id, reason, func(m *Machine) (Event, error) { return m.Fail() })
}

func (t *Tracker) step(ctx context.Context, id core.CommandID, reason string, fn func(*Machine) (Event, error)) error {
	t.mu.Lock()
	m, ok := t.inflight[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w %s", ErrUnknownCommand, id)
	}
	ev, err := fn(m)
	if err != nil {
		t.mu.Unlock()
		return err
	}
	cmd := m.Command()
	if cmd.Status.Terminal() {
		delete(t.inflight, id)
	}
	t.mu.Unlock()

	t.publish(ctx, cmd, ev, reason)
	return nil
}

func (t *Tracker) publish(ctx context.Context, cmd core.Command, ev Event, reason string) {
	if t.journal != nil {
		if err := t.journal.Record(ctx, cmd, ev, reason); err != nil {
			t.logger.Warn("failed to journal lifecycle transition", "commandId", cmd.CommandID, "status", ev.Status, "error", err)
		}
	}
	if t.observer != nil {
		t.observer.ObserveTransition(ev.Status)
	}
	t.logger.Debug("lifecycle transition", "commandId", cmd.CommandID, "status", ev.Status)
	if t.emit != nil {
		t.emit(ctx, ev)
	}
}

// Get returns the record of an in-flight command.
func (t *Tracker) Get(id core.CommandID) (core.Command, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.inflight[id]
	if !ok {
		return core.Command{}, false
	}
	return m.Command(), true
}

func (t *Tracker) InFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}
