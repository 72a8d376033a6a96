package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/cantonconnect/bridge/pkg/log"
)

// Dialer is the dApp side of a bridge connection.
//
// Calls are matched to their responses by numeric ID, so several calls may be
// in flight at once. Notifications pushed by the node (bridge events) arrive
// on EventCh in the order the node wrote them.
type Dialer interface {
	// Dial opens the connection. handleClosure runs once the connection is
	// gone, with the error that ended it if it did not end by cancellation.
	Dial(ctx context.Context, url string, handleClosure func(err error)) error
	// IsConnected reports whether the last Dial is still live.
	IsConnected() bool
	// Call sends req and blocks until its response, ctx or the connection ends.
	Call(ctx context.Context, req *Request) (*Response, error)
	// NextID returns a request ID unused on this dialer.
	NextID() uint64
	// EventCh returns the notifications of the current connection.
	EventCh() <-chan *Response
}

// WebsocketDialerConfig configures a WebsocketDialer.
type WebsocketDialerConfig struct {
	// Origin is sent in the handshake. The node treats it as the dApp's
	// identity for every call on the connection.
	Origin string
	// HandshakeTimeout bounds the websocket upgrade.
	HandshakeTimeout time.Duration
	// PingInterval paces keepalive pings. Zero disables them.
	PingInterval time.Duration
	// EventChanSize is the number of notifications buffered before new ones
	// are dropped.
	EventChanSize int
}

// DefaultWebsocketDialerConfig pings every 5s and buffers 100 notifications.
var DefaultWebsocketDialerConfig = WebsocketDialerConfig{
	HandshakeTimeout: 5 * time.Second,
	PingInterval:     5 * time.Second,
	EventChanSize:    100,
}

// WebsocketDialer implements Dialer over gorilla/websocket. Each successful
// Dial starts a fresh session; a dialer whose session ended may dial again.
type WebsocketDialer struct {
	cfg    WebsocketDialerConfig
	nextID *atomic.Uint64

	mu      sync.RWMutex
	session *dialSession
}

var _ Dialer = (*WebsocketDialer)(nil)

func NewWebsocketDialer(cfg WebsocketDialerConfig) *WebsocketDialer {
	return &WebsocketDialer{
		cfg:    cfg,
		nextID: atomic.NewUint64(0),
	}
}

// dialSession is the state of one Dial: the socket, the calls waiting on it
// and the context that ends with it.
type dialSession struct {
	ctx    context.Context
	conn   *websocket.Conn
	logger log.Logger
	events chan *Response

	// writeMu serializes frames on the socket
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[uint64]chan *Response
}

// Dial connects to url and starts the reader, the keepalive and the close
// watcher. handleClosure is called once all three have stopped.
func (d *WebsocketDialer) Dial(parentCtx context.Context, url string, handleClosure func(err error)) error {
	if d.IsConnected() {
		return ErrAlreadyConnected
	}

	dialer := websocket.Dialer{
		HandshakeTimeout:  d.cfg.HandshakeTimeout,
		EnableCompression: true,
	}
	header := http.Header{}
	if d.cfg.Origin != "" {
		header.Set("Origin", d.cfg.Origin)
	}

	conn, _, err := dialer.DialContext(parentCtx, url, header)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDialingWebsocket, err)
	}

	ctx, cancel := context.WithCancel(parentCtx)
	s := &dialSession{
		ctx:     ctx,
		conn:    conn,
		logger:  log.FromContext(parentCtx).WithName("ws-dialer"),
		events:  make(chan *Response, d.cfg.EventChanSize),
		pending: make(map[uint64]chan *Response),
	}

	d.mu.Lock()
	d.session = s
	d.mu.Unlock()

	var (
		wg       sync.WaitGroup
		errMu    sync.Mutex
		firstErr error
	)
	stop := func(err error) {
		errMu.Lock()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		errMu.Unlock()
		cancel()
	}

	loops := []func() error{s.closeOnDone, s.readLoop, func() error { return d.pingLoop(s) }}
	wg.Add(len(loops))
	for _, loop := range loops {
		go func() {
			defer wg.Done()
			stop(loop())
		}()
	}

	go func() {
		wg.Wait()

		errMu.Lock()
		defer errMu.Unlock()
		handleClosure(firstErr)
	}()

	return nil
}

func (d *WebsocketDialer) current() *dialSession {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return d.session
}

func (d *WebsocketDialer) IsConnected() bool {
	s := d.current()
	return s != nil && s.ctx.Err() == nil
}

func (d *WebsocketDialer) NextID() uint64 {
	return d.nextID.Inc()
}

// EventCh returns the notification channel of the current session. Before
// the first Dial it returns nil.
func (d *WebsocketDialer) EventCh() <-chan *Response {
	if s := d.current(); s != nil {
		return s.events
	}
	return nil
}

// Call sends req and waits for the response carrying the same ID. req must
// carry a numeric ID, normally from NextID. Calls still waiting when the
// connection ends fail with ErrNoResponse.
func (d *WebsocketDialer) Call(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, ErrNilRequest
	}
	id, ok := Response{ID: req.ID}.RequestID()
	if !ok {
		return nil, fmt.Errorf("%w: request ID must be numeric", ErrMarshalingRequest)
	}

	s := d.current()
	if s == nil || s.ctx.Err() != nil {
		return nil, ErrNotConnected
	}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMarshalingRequest, err)
	}

	responseSink, release := s.await(id)
	defer release()

	if err := s.send(reqJSON); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendingRequest, err)
	}

	select {
	case <-ctx.Done():
	case <-s.ctx.Done():
	case res, ok := <-responseSink:
		if ok {
			return res, nil
		}
	}
	return nil, fmt.Errorf("%w for request %d", ErrNoResponse, id)
}

// await registers a response slot for id. The returned function releases it.
func (s *dialSession) await(id uint64) (<-chan *Response, func()) {
	sink := make(chan *Response, 1)

	s.mu.Lock()
	s.pending[id] = sink
	s.mu.Unlock()

	return sink, func() {
		s.mu.Lock()
		if s.pending[id] == sink {
			delete(s.pending, id)
		}
		s.mu.Unlock()
	}
}

func (s *dialSession) send(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// route picks the channel msg belongs on: the waiting call for a response,
// the event channel for a notification. It returns nil for a response nobody
// waits for.
func (s *dialSession) route(msg *Response) chan<- *Response {
	id, ok := msg.RequestID()
	if !ok {
		return s.events
	}

	s.mu.Lock()
	sink, waiting := s.pending[id]
	s.mu.Unlock()

	switch {
	case waiting:
		return sink
	case msg.IsNotification():
		return s.events
	default:
		return nil
	}
}

// closeOnDone closes the socket once the session ends and fails every call
// still waiting.
func (s *dialSession) closeOnDone() error {
	<-s.ctx.Done()

	if err := s.conn.Close(); err != nil {
		s.logger.Debug("error closing websocket", "error", err)
	}

	s.mu.Lock()
	for id, sink := range s.pending {
		close(sink)
		delete(s.pending, id)
	}
	s.mu.Unlock()
	return nil
}

func (s *dialSession) readLoop() error {
	for {
		_, frame, err := s.conn.ReadMessage()
		if s.ctx.Err() != nil {
			return nil
		} else if _, ok := err.(net.Error); ok {
			s.logger.Error("websocket connection timeout", "error", err)
			return fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
		} else if err != nil {
			s.logger.Error("websocket read error", "error", err)
			return fmt.Errorf("%w: %w", ErrReadingMessage, err)
		}

		var msg Response
		if err := json.Unmarshal(frame, &msg); err != nil {
			s.logger.Warn("malformed message", "message", string(frame), "error", err)
			continue
		}

		sink := s.route(&msg)
		if sink == nil {
			s.logger.Warn("response to unknown request", "id", string(msg.ID))
			continue
		}

		select {
		case <-s.ctx.Done():
			return nil
		case sink <- &msg:
		default:
			s.logger.Warn("receiver not keeping up, dropping message", "method", msg.Method)
		}
	}
}

// pingLoop calls ping every PingInterval. A failed ping ends the session.
func (d *WebsocketDialer) pingLoop(s *dialSession) error {
	if d.cfg.PingInterval <= 0 {
		<-s.ctx.Done()
		return nil
	}

	ticker := time.NewTicker(d.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return nil
		case <-ticker.C:
			req, _ := NewRequest(d.NextID(), PingMethod, nil)
			res, err := d.Call(s.ctx, req)
			if err != nil {
				if s.ctx.Err() != nil {
					return nil
				}
				s.logger.Error("error sending ping", "error", err)
				return fmt.Errorf("%w: %w", ErrSendingPing, err)
			}

			var pong string
			if err := res.Decode(&pong); err != nil || pong != "pong" {
				s.logger.Warn("unexpected response to ping", "result", string(res.Result))
			}
		}
	}
}
