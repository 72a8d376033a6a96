package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cantonconnect/bridge/pkg/bridge"
	"github.com/cantonconnect/bridge/pkg/eventbus"
	"github.com/cantonconnect/bridge/pkg/log"
)

const (
	defaultRequestTimeout = 5 * time.Minute
	defaultMaxMessageSize = 1 << 20
)

// Dispatcher answers bridge method calls and exposes bridge events. It is
// implemented by *bridge.Bridge.
type Dispatcher interface {
	Request(ctx context.Context, args bridge.RequestArgs) (any, error)
	OnMessage(event eventbus.Event, fn eventbus.MessageListener) *eventbus.Registration
}

var _ Dispatcher = (*bridge.Bridge)(nil)

// WebsocketNode serves the bridge to dApps as JSON-RPC 2.0 over websocket.
// The calling origin comes from the handshake, never from the payload.
// Bridge events are pushed as notifications to the connections of the origin
// each event was emitted for. A notification is queued on the connection
// before the listener returns, so it is written ahead of any response the
// bridge sends after emitting it.
type WebsocketNode struct {
	dispatcher Dispatcher
	cfg        WebsocketNodeConfig
	upgrader   websocket.Upgrader
	connHub    *ConnectionHub
	allowed    map[string]struct{}

	registration *eventbus.Registration
}

type WebsocketNodeConfig struct {
	Logger log.Logger

	// AllowedOrigins restricts which dApp origins may connect. Empty allows
	// any origin. Requests without an Origin header are always refused.
	AllowedOrigins []string
	// RequestTimeout bounds one method call, including wallet interaction.
	RequestTimeout time.Duration
	// MaxMessageSize caps inbound frames in bytes.
	MaxMessageSize int64

	OnConnectHandler     func(origin string)
	OnDisconnectHandler  func(origin string)
	OnMessageSentHandler func([]byte)

	WsUpgraderReadBufferSize  int
	WsUpgraderWriteBufferSize int

	WsConnWriteTimeout      time.Duration
	WsConnWriteBufferSize   int
	WsConnProcessBufferSize int
}

func NewWebsocketNode(dispatcher Dispatcher, config WebsocketNodeConfig) (*WebsocketNode, error) {
	if dispatcher == nil {
		return nil, fmt.Errorf("dispatcher cannot be nil")
	}
	if config.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	config.Logger = config.Logger.WithName("rpc-node")

	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = defaultMaxMessageSize
	}
	if config.OnConnectHandler == nil {
		config.OnConnectHandler = func(string) {}
	}
	if config.OnDisconnectHandler == nil {
		config.OnDisconnectHandler = func(string) {}
	}
	if config.OnMessageSentHandler == nil {
		config.OnMessageSentHandler = func([]byte) {}
	}
	if config.WsUpgraderReadBufferSize <= 0 {
		config.WsUpgraderReadBufferSize = 1024
	}
	if config.WsUpgraderWriteBufferSize <= 0 {
		config.WsUpgraderWriteBufferSize = 1024
	}

	node := &WebsocketNode{
		dispatcher: dispatcher,
		cfg:        config,
		connHub:    NewConnectionHub(),
		allowed:    make(map[string]struct{}, len(config.AllowedOrigins)),
	}
	for _, origin := range config.AllowedOrigins {
		node.allowed[origin] = struct{}{}
	}
	node.upgrader = websocket.Upgrader{
		ReadBufferSize:  config.WsUpgraderReadBufferSize,
		WriteBufferSize: config.WsUpgraderWriteBufferSize,
		CheckOrigin:     func(r *http.Request) bool { return node.originAllowed(r.Header.Get("Origin")) },
	}

	for _, event := range eventbus.Events {
		if node.registration == nil {
			node.registration = dispatcher.OnMessage(event, node.forward(event))
			continue
		}
		node.registration.OnMessage(event, node.forward(event))
	}
	return node, nil
}

func (wn *WebsocketNode) originAllowed(origin string) bool {
	if origin == "" {
		return false
	}
	if len(wn.allowed) == 0 {
		return true
	}
	_, ok := wn.allowed[origin]
	return ok
}

// Close stops event forwarding. Open connections end with their requests.
func (wn *WebsocketNode) Close() {
	if wn.registration != nil {
		wn.registration.Unsubscribe()
	}
}

// ConnectionCount returns the number of live dApp connections.
func (wn *WebsocketNode) ConnectionCount() int {
	return wn.connHub.Count()
}

func (wn *WebsocketNode) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !wn.originAllowed(origin) {
		wn.cfg.Logger.Warn("refusing connection", "origin", origin)
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	wsConnection, err := wn.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wn.cfg.Logger.Error("failed to upgrade connection to websocket", "error", err)
		return
	}
	defer wsConnection.Close()
	wsConnection.SetReadLimit(wn.cfg.MaxMessageSize)

	connectionID := uuid.NewString()
	connection, err := NewWebsocketConnection(WebsocketConnectionConfig{
		ConnectionID:         connectionID,
		Origin:               origin,
		WebsocketConn:        wsConnection,
		WriteTimeout:         wn.cfg.WsConnWriteTimeout,
		WriteBufferSize:      wn.cfg.WsConnWriteBufferSize,
		ProcessBufferSize:    wn.cfg.WsConnProcessBufferSize,
		Logger:               wn.cfg.Logger,
		OnMessageSentHandler: wn.cfg.OnMessageSentHandler,
	})
	if err != nil {
		wn.cfg.Logger.Error("failed to create websocket connection", "error", err, "connectionID", connectionID)
		return
	}
	if err := wn.connHub.Add(connection); err != nil {
		wn.cfg.Logger.Error("failed to add connection to hub", "error", err, "connectionID", connectionID)
		return
	}

	wn.cfg.OnConnectHandler(origin)
	wn.cfg.Logger.Info("dApp connected", "connectionID", connectionID, "origin", origin, "tabs", wn.connHub.OriginCount(origin))

	defer func() {
		wn.connHub.Remove(connectionID)
		wn.cfg.OnDisconnectHandler(origin)
		wn.cfg.Logger.Info("dApp disconnected", "connectionID", connectionID, "origin", origin, "tabs", wn.connHub.OriginCount(origin))
	}()

	parentCtx, cancel := context.WithCancel(r.Context())
	wg := &sync.WaitGroup{}
	wg.Add(2)
	childHandleClosure := func(_ error) {
		cancel()
		wg.Done()
	}

	go connection.Serve(parentCtx, childHandleClosure)
	go wn.processRequests(connection, parentCtx, childHandleClosure)

	wg.Wait()
}

// processRequests reads frames until the connection ends. Each call runs in
// its own goroutine so status queries are answered while a prepareExecute is
// waiting on the wallet.
func (wn *WebsocketNode) processRequests(conn Connection, parentCtx context.Context, handleClosure func(error)) {
	inflight := &sync.WaitGroup{}
	defer func() {
		inflight.Wait()
		handleClosure(nil)
	}()

	for {
		var messageBytes []byte
		select {
		case <-parentCtx.Done():
			return
		case messageBytes = <-conn.RawRequests():
			if len(messageBytes) == 0 {
				return
			}
		}

		req, errRes := decodeRequest(messageBytes)
		if errRes != nil {
			wn.cfg.Logger.Debug("rejecting frame", "error", errRes.Error.Message)
			wn.write(conn, errRes)
			continue
		}

		inflight.Add(1)
		go func() {
			defer inflight.Done()
			if res := wn.handle(parentCtx, conn, req); res != nil {
				wn.write(conn, res)
			}
		}()
	}
}

func decodeRequest(frame []byte) (*Request, *Response) {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		return nil, &Response{JSONRPC: Version, ID: nullID, Error: invalidRequest("batch requests are not supported")}
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return nil, &Response{JSONRPC: Version, ID: nullID, Error: parseError(err)}
	}
	if req.JSONRPC != Version {
		return nil, &Response{JSONRPC: Version, ID: normalizeID(req.ID), Error: invalidRequest(`jsonrpc must be "2.0"`)}
	}
	if req.Method == "" {
		return nil, &Response{JSONRPC: Version, ID: normalizeID(req.ID), Error: invalidRequest("method is required")}
	}
	return &req, nil
}

// handle dispatches req and returns the response to write, or nil for
// notifications.
func (wn *WebsocketNode) handle(parentCtx context.Context, conn Connection, req *Request) *Response {
	if req.Method == PingMethod {
		if req.IsNotification() {
			return nil
		}
		res, _ := NewResultResponse(req.ID, "pong")
		return res
	}

	ctx, cancel := context.WithTimeout(parentCtx, wn.cfg.RequestTimeout)
	defer cancel()

	result, err := wn.dispatcher.Request(ctx, bridge.RequestArgs{
		Method: req.Method,
		Params: req.Params,
		Origin: conn.Origin(),
	})
	if req.IsNotification() {
		return nil
	}
	if err != nil {
		return NewErrorResponse(req.ID, err)
	}

	res, err := NewResultResponse(req.ID, result)
	if err != nil {
		wn.cfg.Logger.Error("failed to encode result", "error", err, "method", req.Method)
		return NewErrorResponse(req.ID, err)
	}
	return res
}

func (wn *WebsocketNode) write(conn Connection, res *Response) {
	raw, err := json.Marshal(res)
	if err != nil {
		wn.cfg.Logger.Error("failed to encode response", "error", err)
		return
	}
	if !conn.WriteRawResponse(raw) {
		wn.cfg.Logger.Warn("dropping response to stalled connection", "connectionID", conn.ConnectionID())
	}
}

func (wn *WebsocketNode) forward(event eventbus.Event) eventbus.MessageListener {
	return func(m eventbus.Message) {
		if m.Origin == "" {
			wn.cfg.Logger.Debug("dropping event without origin", "event", event)
			return
		}

		msg, err := NewNotification(string(event), m.Payload)
		if err != nil {
			wn.cfg.Logger.Error("failed to encode notification", "error", err, "event", event)
			return
		}
		raw, err := json.Marshal(msg)
		if err != nil {
			wn.cfg.Logger.Error("failed to encode notification", "error", err, "event", event)
			return
		}
		if wn.connHub.Publish(m.Origin, raw) == 0 {
			wn.cfg.Logger.Debug("no connection accepted event", "event", event, "origin", m.Origin)
		}
	}
}
