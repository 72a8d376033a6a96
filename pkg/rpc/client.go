package rpc

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cantonconnect/bridge/pkg/backend"
	"github.com/cantonconnect/bridge/pkg/bridge"
	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/eventbus"
	"github.com/cantonconnect/bridge/pkg/log"
)

// Client is a typed dApp-side view of a bridge served by a WebsocketNode.
// Errors returned by its methods are *errcode.Error reconstructed from the
// JSON-RPC code.
//
//	dialer := rpc.NewWebsocketDialer(rpc.WebsocketDialerConfig{Origin: "https://app.example"})
//	client := rpc.NewClient(dialer)
//	client.HandleStatusChanged(func(ctx context.Context, st bridge.StatusResult) { ... })
//	if err := client.Start(ctx, "ws://localhost:8080/ws", onClose); err != nil { ... }
//	res, err := client.Connect(ctx, bridge.ConnectParams{Network: "mainnet"})
type Client struct {
	dialer        Dialer
	eventHandlers map[eventbus.Event]func(ctx context.Context, params json.RawMessage)
	mu            sync.RWMutex
}

func NewClient(dialer Dialer) *Client {
	return &Client{
		dialer:        dialer,
		eventHandlers: make(map[eventbus.Event]func(context.Context, json.RawMessage)),
	}
}

// Start dials url and delivers notifications to the registered handlers until
// the connection ends.
func (c *Client) Start(ctx context.Context, url string, handleClosure func(err error)) error {
	parentCtx, cancel := context.WithCancel(ctx)
	childHandleClosure := func(err error) {
		cancel()
		handleClosure(err)
	}

	if err := c.dialer.Dial(parentCtx, url, childHandleClosure); err != nil {
		cancel()
		return err
	}

	go c.listenEvents(parentCtx)
	return nil
}

func (c *Client) listenEvents(ctx context.Context) {
	logger := log.FromContext(ctx)
	events := c.dialer.EventCh()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event == nil || !event.IsNotification() {
				continue
			}

			c.mu.RLock()
			handler := c.eventHandlers[eventbus.Event(event.Method)]
			c.mu.RUnlock()
			if handler == nil {
				logger.Debug("no handler for event", "method", event.Method)
				continue
			}
			handler(ctx, event.Params)
		}
	}
}

// Call invokes method and decodes its result into dst, which may be nil.
func (c *Client) Call(ctx context.Context, method string, params, dst any) error {
	req, err := NewRequest(c.dialer.NextID(), method, params)
	if err != nil {
		return err
	}
	res, err := c.dialer.Call(ctx, req)
	if err != nil {
		return err
	}
	return res.Decode(dst)
}

func (c *Client) Ping(ctx context.Context) error {
	return c.Call(ctx, PingMethod, nil, nil)
}

func (c *Client) Connect(ctx context.Context, params bridge.ConnectParams) (*bridge.ConnectResult, error) {
	var res bridge.ConnectResult
	if err := c.Call(ctx, bridge.MethodConnect, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.Call(ctx, bridge.MethodDisconnect, nil, nil)
}

func (c *Client) IsConnected(ctx context.Context) (bool, error) {
	var res bridge.IsConnectedResult
	if err := c.Call(ctx, bridge.MethodIsConnected, nil, &res); err != nil {
		return false, err
	}
	return res.IsConnected, nil
}

func (c *Client) Status(ctx context.Context) (*bridge.StatusResult, error) {
	var res bridge.StatusResult
	if err := c.Call(ctx, bridge.MethodStatus, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) GetActiveNetwork(ctx context.Context) (core.NetworkID, error) {
	var res bridge.NetworkInfo
	if err := c.Call(ctx, bridge.MethodGetActiveNetwork, nil, &res); err != nil {
		return "", err
	}
	return res.NetworkID, nil
}

func (c *Client) ListAccounts(ctx context.Context) (core.Accounts, error) {
	var res core.Accounts
	if err := c.Call(ctx, bridge.MethodListAccounts, nil, &res); err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Client) GetPrimaryAccount(ctx context.Context) (*core.Account, error) {
	var res core.Account
	if err := c.Call(ctx, bridge.MethodGetPrimaryAccount, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) SignMessage(ctx context.Context, message string) (*bridge.SignMessageResult, error) {
	var res bridge.SignMessageResult
	if err := c.Call(ctx, bridge.MethodSignMessage, bridge.SignMessageParams{Message: message}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) PrepareExecute(ctx context.Context, params bridge.PrepareExecuteParams) (*bridge.PrepareExecuteResult, error) {
	var res bridge.PrepareExecuteResult
	if err := c.Call(ctx, bridge.MethodPrepareExecute, params, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *Client) LedgerAPI(ctx context.Context, req backend.LedgerRequest) (json.RawMessage, error) {
	var res json.RawMessage
	if err := c.Call(ctx, bridge.MethodLedgerAPI, req, &res); err != nil {
		return nil, err
	}
	return res, nil
}

// TxChangedNotification is a txChanged event as seen by a dApp. Payload
// depends on Status.
type TxChangedNotification struct {
	Status    core.CommandStatus `json:"status"`
	CommandID core.CommandID     `json:"commandId"`
	Payload   json.RawMessage    `json:"payload,omitempty"`
}

func (c *Client) HandleStatusChanged(handler func(ctx context.Context, status bridge.StatusResult)) {
	setEventHandler(c, eventbus.StatusChanged, handler)
}

func (c *Client) HandleAccountsChanged(handler func(ctx context.Context, accounts core.Accounts)) {
	setEventHandler(c, eventbus.AccountsChanged, handler)
}

func (c *Client) HandleTxChanged(handler func(ctx context.Context, tx TxChangedNotification)) {
	setEventHandler(c, eventbus.TxChanged, handler)
}

func (c *Client) HandleConnected(handler func(ctx context.Context, res bridge.ConnectResult)) {
	setEventHandler(c, eventbus.Connected, handler)
}

func setEventHandler[T any](c *Client, event eventbus.Event, handler func(context.Context, T)) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.eventHandlers[event] = func(ctx context.Context, params json.RawMessage) {
		var notif T
		if err := json.Unmarshal(params, &notif); err != nil {
			log.FromContext(ctx).Error("failed to decode event", "error", err, "event", event)
			return
		}
		handler(ctx, notif)
	}
}
