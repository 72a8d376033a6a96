package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cantonconnect/bridge/pkg/log"
)

var ErrChannelClosed = errors.New("channel closed")

type subscriberSet struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Message)
}

func (s *subscriberSet) add(fn func(Message)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subs == nil {
		s.subs = make(map[int]func(Message))
	}
	s.nextID++
	id := s.nextID
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *subscriberSet) dispatch(msg Message) {
	s.mu.RLock()
	fns := make([]func(Message), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(msg)
	}
}

var _ PostMessageChannel = (*MemoryChannel)(nil)

// MemoryChannel is an in-process broadcast channel. Every posted message is
// delivered to every subscriber, including the poster.
type MemoryChannel struct {
	subs subscriberSet
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{}
}

func (c *MemoryChannel) Post(_ context.Context, msg Message) error {
	go c.subs.dispatch(msg)
	return nil
}

func (c *MemoryChannel) Subscribe(fn func(Message)) func() {
	return c.subs.add(fn)
}

var (
	_ PostMessageChannel = (*WebsocketChannel)(nil)
	_ Window             = (*WebsocketChannel)(nil)
)

// WebsocketChannel relays messages to a wallet window connected over a
// websocket. The connection doubles as the window: when it drops the window
// counts as closed.
type WebsocketChannel struct {
	conn   *websocket.Conn
	logger log.Logger
	subs   subscriberSet

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func NewWebsocketChannel(conn *websocket.Conn, logger log.Logger) *WebsocketChannel {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	c := &WebsocketChannel{
		conn:   conn,
		logger: logger.WithName("ws-channel"),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *WebsocketChannel) readLoop() {
	defer c.Close()
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("wallet window connection dropped", "error", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Debug("ignored malformed frame", "error", err)
			continue
		}
		c.subs.dispatch(msg)
	}
}

func (c *WebsocketChannel) Post(ctx context.Context, msg Message) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(10 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, raw)
}

func (c *WebsocketChannel) Subscribe(fn func(Message)) func() {
	return c.subs.add(fn)
}

func (c *WebsocketChannel) Closed() <-chan struct{} { return c.done }

func (c *WebsocketChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}
