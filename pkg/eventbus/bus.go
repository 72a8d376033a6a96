// Package eventbus delivers bridge events to listeners. Each listener owns a
// FIFO queue drained by its own goroutine, so a slow listener never delays the
// emitter or any other listener.
package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"

	"github.com/cantonconnect/bridge/pkg/log"
)

// Event is a wire event name.
type Event string

const (
	StatusChanged   Event = "statusChanged"
	AccountsChanged Event = "accountsChanged"
	TxChanged       Event = "txChanged"
	Connected       Event = "connected"
)

// Events lists the wire events.
var Events = []Event{StatusChanged, AccountsChanged, TxChanged, Connected}

func (e Event) Valid() bool {
	for _, known := range Events {
		if e == known {
			return true
		}
	}
	return false
}

// Listener handles one event payload.
type Listener func(payload any)

// Message is a payload together with the origin it was emitted for. Origin is
// empty for events that belong to no dApp.
type Message struct {
	Origin  string
	Payload any
}

// MessageListener handles one event payload with its origin.
type MessageListener func(msg Message)

// ListenerID identifies a registered listener.
type ListenerID uint64

type Bus struct {
	mu        sync.RWMutex
	listeners map[Event][]*subscriber
	nextID    ListenerID
	closed    bool
	logger    log.Logger
}

func New(logger log.Logger) *Bus {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	return &Bus{
		listeners: make(map[Event][]*subscriber),
		logger:    logger.WithName("eventbus"),
	}
}

// On registers fn for event and returns a Registration that can chain further
// registrations and remove all of them at once.
func (b *Bus) On(event Event, fn Listener) *Registration {
	r := &Registration{bus: b}
	return r.On(event, fn)
}

// OnMessage is On for listeners that need the origin of each event.
func (b *Bus) OnMessage(event Event, fn MessageListener) *Registration {
	r := &Registration{bus: b}
	return r.OnMessage(event, fn)
}

func (b *Bus) add(event Event, fn MessageListener) (ListenerID, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, false
	}

	b.nextID++
	s := newSubscriber(b.nextID, event, fn, b.logger)
	b.listeners[event] = append(b.listeners[event], s)
	go s.run()
	return s.id, true
}

// Off removes one listener. It reports whether the listener was registered.
func (b *Bus) Off(event Event, id ListenerID) bool {
	b.mu.Lock()
	subs := b.listeners[event]
	var removed *subscriber
	for i, s := range subs {
		if s.id == id {
			removed = s
			b.listeners[event] = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	if removed == nil {
		return false
	}
	removed.stop()
	return true
}

// Emit queues payload for every listener of event. It returns true if at least
// one listener will receive it.
func (b *Bus) Emit(event Event, payload any) bool {
	return b.EmitFrom("", event, payload)
}

// EmitFrom is Emit for an event addressed to origin.
func (b *Bus) EmitFrom(origin string, event Event, payload any) bool {
	delivered := false
	for _, s := range b.subscribers(event) {
		if s.push(Message{Origin: origin, Payload: payload}, nil) {
			delivered = true
		}
	}
	return delivered
}

// EmitFromAndWait queues payload like EmitFrom and blocks until every listener
// has handled it or ctx is done. Payloads queued earlier are handled first, so
// on return each listener has seen everything emitted before this call.
func (b *Bus) EmitFromAndWait(ctx context.Context, origin string, event Event, payload any) bool {
	var pending []chan struct{}
	for _, s := range b.subscribers(event) {
		done := make(chan struct{})
		if s.push(Message{Origin: origin, Payload: payload}, done) {
			pending = append(pending, done)
		}
	}

	for _, done := range pending {
		select {
		case <-done:
		case <-ctx.Done():
			b.logger.Warn("stopped waiting for listeners", "event", event, "error", ctx.Err())
			return true
		}
	}
	return len(pending) > 0
}

func (b *Bus) subscribers(event Event) []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listeners[event]
}

// ListenerCount returns the number of listeners registered for event.
func (b *Bus) ListenerCount(event Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}

// Close stops every listener. Payloads already queued are still delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	all := b.listeners
	b.listeners = make(map[Event][]*subscriber)
	b.mu.Unlock()

	for _, subs := range all {
		for _, s := range subs {
			s.stop()
		}
	}
}

// Registration is the handle returned by On.
type Registration struct {
	bus *Bus
	mu  sync.Mutex
	ids []registered
}

type registered struct {
	event Event
	id    ListenerID
}

// On registers another listener under the same handle.
func (r *Registration) On(event Event, fn Listener) *Registration {
	return r.OnMessage(event, func(msg Message) { fn(msg.Payload) })
}

// OnMessage registers another origin-aware listener under the same handle.
func (r *Registration) OnMessage(event Event, fn MessageListener) *Registration {
	id, ok := r.bus.add(event, fn)
	if ok {
		r.mu.Lock()
		r.ids = append(r.ids, registered{event: event, id: id})
		r.mu.Unlock()
	}
	return r
}

// Unsubscribe removes every listener registered through this handle.
func (r *Registration) Unsubscribe() {
	r.mu.Lock()
	ids := r.ids
	r.ids = nil
	r.mu.Unlock()

	for _, reg := range ids {
		r.bus.Off(reg.event, reg.id)
	}
}

type subscriber struct {
	id     ListenerID
	event  Event
	fn     MessageListener
	logger log.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   *linkedlistqueue.Queue
	stopped bool
}

// delivery is one queued message. done, if set, is closed once the listener
// returned.
type delivery struct {
	msg  Message
	done chan struct{}
}

func newSubscriber(id ListenerID, event Event, fn MessageListener, logger log.Logger) *subscriber {
	s := &subscriber{
		id:     id,
		event:  event,
		fn:     fn,
		logger: logger,
		queue:  linkedlistqueue.New(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) push(msg Message, done chan struct{}) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.queue.Enqueue(delivery{msg: msg, done: done})
	s.cond.Signal()
	return true
}

func (s *subscriber) stop() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for s.queue.Empty() && !s.stopped {
			s.cond.Wait()
		}
		item, ok := s.queue.Dequeue()
		s.mu.Unlock()

		if !ok {
			return
		}
		d := item.(delivery)
		s.deliver(d.msg)
		if d.done != nil {
			close(d.done)
		}
	}
}

func (s *subscriber) deliver(msg Message) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("listener panicked", "event", s.event, "listenerId", s.id, "panic", fmt.Sprint(r))
		}
	}()
	s.fn(msg)
}
