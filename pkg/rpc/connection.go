package rpc

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"github.com/cantonconnect/bridge/pkg/log"
)

// Defaults keep a dApp tab cheap to hold open. A tab rarely has more than a
// couple of calls in flight, but event bursts (a prepareExecute emits three
// txChanged notifications) need some room on the outbound side.
var (
	// defaultWsConnWriteTimeout is how long a frame may wait for room in the outbound queue.
	defaultWsConnWriteTimeout = 5 * time.Second
	// defaultWsConnProcessBufferSize is the capacity of the inbound frame queue.
	defaultWsConnProcessBufferSize = 10
	// defaultWsConnWriteBufferSize is the capacity of the outbound frame queue.
	defaultWsConnWriteBufferSize = 10
)

// Connection is one live link between a dApp tab and the node.
//
// A connection is bound to the origin it was accepted for. The node passes
// that origin to the bridge as the caller of every request read from the
// connection, and routes bridge events to it by the same origin, so nothing
// the dApp sends can change who it is.
type Connection interface {
	// ConnectionID returns the identifier assigned when the connection was
	// accepted. It is unique among live connections.
	ConnectionID() string

	// Origin returns the dApp origin taken from the websocket handshake.
	Origin() string

	// RawRequests returns the inbound frames in arrival order. The channel is
	// closed once the peer stops sending or the connection is torn down.
	RawRequests() <-chan []byte

	// WriteRawResponse queues a response or notification frame.
	// It returns false when the frame could not be queued within the write
	// timeout. The peer is then treated as stalled and the connection closes.
	WriteRawResponse(message []byte) bool

	// Serve starts the connection and returns immediately. handleClosure is
	// called once the connection is gone, with the abnormal close error if
	// there was one. Cancelling parentCtx tears the connection down.
	Serve(parentCtx context.Context, handleClosure func(error))
}

// GorillaWsConnectionAdapter is the part of *websocket.Conn a
// WebsocketConnection uses. Tests substitute an in-memory socket.
type GorillaWsConnectionAdapter interface {
	// ReadMessage blocks until the next frame arrives or the socket fails.
	ReadMessage() (messageType int, p []byte, err error)
	// NextWriter returns a writer for one outbound frame.
	NextWriter(messageType int) (io.WriteCloser, error)
	// Close closes the socket and unblocks a pending ReadMessage.
	Close() error
}

// WebsocketConnection implements Connection over gorilla/websocket.
//
// Three loops run per connection: a reader feeding the inbound queue, a
// writer draining the outbound queue onto the socket, and a watcher that
// closes the socket when the context ends or the peer stalls. Frames are
// written in the order they were queued, which is what lets the node put a
// notification on the wire ahead of a later response.
type WebsocketConnection struct {
	connectionID string
	origin       string
	socket       GorillaWsConnectionAdapter
	writeTimeout time.Duration

	logger               log.Logger
	onMessageSentHandler func([]byte)

	// inbound carries frames read from the socket to the node
	inbound chan []byte
	// outbound carries frames queued by the node to the writer
	outbound chan []byte
	// stalled is closed when a frame could not be queued in time
	stalled   chan struct{}
	stallOnce sync.Once
	closeOnce sync.Once

	served atomic.Bool
}

// WebsocketConnectionConfig configures a WebsocketConnection. Only
// ConnectionID and WebsocketConn are required.
type WebsocketConnectionConfig struct {
	// ConnectionID identifies the connection in logs and in the hub (required)
	ConnectionID string
	// Origin is the dApp origin accepted at the handshake
	Origin string
	// WebsocketConn is the upgraded socket (required)
	WebsocketConn GorillaWsConnectionAdapter

	// WriteTimeout bounds the wait for room in the outbound queue (default: 5s)
	WriteTimeout time.Duration
	// WriteBufferSize is the capacity of the outbound queue (default: 10)
	WriteBufferSize int
	// ProcessBufferSize is the capacity of the inbound queue (default: 10)
	ProcessBufferSize int

	// Logger for connection events (default: no-op logger)
	Logger log.Logger
	// OnMessageSentHandler is called after each frame reaches the socket (optional)
	OnMessageSentHandler func([]byte)
}

// NewWebsocketConnection validates config, fills in defaults and returns a
// connection that is not yet serving.
func NewWebsocketConnection(config WebsocketConnectionConfig) (*WebsocketConnection, error) {
	if config.ConnectionID == "" {
		return nil, fmt.Errorf("connection ID cannot be empty")
	}
	if config.WebsocketConn == nil {
		return nil, fmt.Errorf("websocket connection cannot be nil")
	}
	if config.Logger == nil {
		config.Logger = log.NewNoopLogger()
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaultWsConnWriteTimeout
	}
	if config.WriteBufferSize <= 0 {
		config.WriteBufferSize = defaultWsConnWriteBufferSize
	}
	if config.ProcessBufferSize <= 0 {
		config.ProcessBufferSize = defaultWsConnProcessBufferSize
	}
	if config.OnMessageSentHandler == nil {
		config.OnMessageSentHandler = func([]byte) {}
	}

	return &WebsocketConnection{
		connectionID: config.ConnectionID,
		origin:       config.Origin,
		socket:       config.WebsocketConn,
		writeTimeout: config.WriteTimeout,

		logger: config.Logger.
			WithKV("connectionID", config.ConnectionID).
			WithKV("origin", config.Origin),
		onMessageSentHandler: config.OnMessageSentHandler,
		inbound:              make(chan []byte, config.ProcessBufferSize),
		outbound:             make(chan []byte, config.WriteBufferSize),
		stalled:              make(chan struct{}),
	}, nil
}

// Serve runs the reader, writer and watcher loops until any of them stops,
// then closes the socket and calls handleClosure with the first abnormal
// error. A connection serves once; a second call reports nil immediately.
func (conn *WebsocketConnection) Serve(parentCtx context.Context, handleClosure func(error)) {
	if !conn.served.CompareAndSwap(false, true) {
		handleClosure(nil)
		return
	}

	ctx, cancel := context.WithCancel(parentCtx)

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

	loops := []func(context.Context) error{conn.readLoop, conn.writeLoop, conn.watchLoop}
	wg.Add(len(loops))
	for _, loop := range loops {
		go func() {
			defer wg.Done()
			stop(loop(ctx))
		}()
	}

	go func() {
		wg.Wait()
		conn.closeSocket()

		errMu.Lock()
		defer errMu.Unlock()
		handleClosure(firstErr)
	}()
}

func (conn *WebsocketConnection) ConnectionID() string {
	return conn.connectionID
}

func (conn *WebsocketConnection) Origin() string {
	return conn.origin
}

func (conn *WebsocketConnection) RawRequests() <-chan []byte {
	return conn.inbound
}

// WriteRawResponse queues message, waiting at most the write timeout for
// room. A peer that leaves the queue full that long is marked stalled, which
// closes the connection.
func (conn *WebsocketConnection) WriteRawResponse(message []byte) bool {
	timer := time.NewTimer(conn.writeTimeout)
	defer timer.Stop()

	select {
	case conn.outbound <- message:
		return true
	case <-timer.C:
		conn.stallOnce.Do(func() { close(conn.stalled) })
		return false
	}
}

// readLoop moves frames from the socket to the inbound queue. Only an
// unexpected close code is reported as an error.
func (conn *WebsocketConnection) readLoop(ctx context.Context) error {
	defer close(conn.inbound)

	for {
		_, frame, err := conn.socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				conn.logger.Error("websocket closed unexpectedly", "error", err)
				return err
			}
			return nil
		}
		if len(frame) == 0 {
			conn.logger.Debug("skipping empty frame")
			continue
		}

		select {
		case conn.inbound <- frame:
		case <-ctx.Done():
			return nil
		}
	}
}

// writeLoop writes queued frames in order. A frame that fails to write is
// logged and dropped; a broken socket also ends the reader, which stops us.
func (conn *WebsocketConnection) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case frame := <-conn.outbound:
			if len(frame) == 0 {
				continue
			}
			if err := conn.writeFrame(frame); err != nil {
				conn.logger.Error("error writing frame", "error", err)
				continue
			}
			conn.onMessageSentHandler(frame)
		}
	}
}

func (conn *WebsocketConnection) writeFrame(frame []byte) error {
	w, err := conn.socket.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		w.Close()
		return err
	}
	return w.Close()
}

// watchLoop closes the socket when the connection is cancelled or the peer
// stalls, which unblocks a reader parked in ReadMessage.
func (conn *WebsocketConnection) watchLoop(ctx context.Context) error {
	select {
	case <-ctx.Done():
	case <-conn.stalled:
		conn.logger.Info("closing stalled connection")
	}
	conn.closeSocket()
	return nil
}

func (conn *WebsocketConnection) closeSocket() {
	conn.closeOnce.Do(func() {
		if err := conn.socket.Close(); err != nil {
			conn.logger.Error("error closing websocket", "error", err)
		}
	})
}
