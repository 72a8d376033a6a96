package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
)

// Window is an opened browsing context.
type Window interface {
	// Closed is closed when the user or the wallet closes the window.
	Closed() <-chan struct{}
	Close() error
}

// WindowOpener opens a new top-level browsing context at rawURL.
type WindowOpener interface {
	Open(ctx context.Context, rawURL string) (Window, error)
}

type WindowOpenerFunc func(ctx context.Context, rawURL string) (Window, error)

func (f WindowOpenerFunc) Open(ctx context.Context, rawURL string) (Window, error) {
	return f(ctx, rawURL)
}

// PostMessageChannel carries origin-tagged messages between the dApp and the
// wallet window. Other windows may share the channel.
type PostMessageChannel interface {
	Post(ctx context.Context, msg Message) error
	// Subscribe registers fn for every inbound message and returns a function
	// that removes it.
	Subscribe(fn func(Message)) func()
}

// RequestEnvelope is what the dApp posts to the wallet window.
type RequestEnvelope struct {
	Type    string          `json:"type"`
	Request json.RawMessage `json:"request"`
}

const (
	envelopeConnect = "connect_request"
	envelopeSign    = "sign_request"
)

var _ Transport = (*PopupTransport)(nil)

// PopupTransport opens the wallet in a popup, posts the request and waits for
// a single matching reply. Closing the popup before it answers fails the
// request with UserRejected.
type PopupTransport struct {
	base
	opener  WindowOpener
	channel PostMessageChannel
}

func NewPopupTransport(opener WindowOpener, channel PostMessageChannel, opts ...Option) *PopupTransport {
	return &PopupTransport{
		base:    newBase("popup", opts),
		opener:  opener,
		channel: channel,
	}
}

func (t *PopupTransport) OpenConnectRequest(ctx context.Context, endpoint string, req core.ConnectRequest, opts Options) (resp *ConnectResponse, err error) {
	start := time.Now()
	defer func() { t.observe("connect", start, err) }()

	// a caller-supplied state is never trusted on a real wallet channel
	if req.State, err = newState(); err != nil {
		return nil, err
	}
	data, err := t.roundTrip(ctx, endpoint, envelopeConnect, req.State, req.Origin, req, opts)
	if err != nil {
		return nil, err
	}
	return finish[ConnectResponse, *ConnectResponse](ctx, data, req.State, t.poller, opts)
}

func (t *PopupTransport) OpenSignRequest(ctx context.Context, endpoint string, req core.SignRequest, opts Options) (resp *SignResponse, err error) {
	start := time.Now()
	defer func() { t.observe("sign", start, err) }()

	if req.State, err = newState(); err != nil {
		return nil, err
	}
	data, err := t.roundTrip(ctx, endpoint, envelopeSign, req.State, req.Origin, req, opts)
	if err != nil {
		return nil, err
	}
	return finish[SignResponse, *SignResponse](ctx, data, req.State, t.poller, opts)
}

func (t *PopupTransport) roundTrip(ctx context.Context, endpoint, kind, state, origin string, req any, opts Options) (json.RawMessage, error) {
	popupURL, err := withQuery(endpoint, map[string]string{"state": state, "origin": origin})
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportError, err, "invalid wallet endpoint")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "failed to encode request")
	}
	frame, err := json.Marshal(RequestEnvelope{Type: kind, Request: body})
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "failed to encode request")
	}

	waiter := NewWaiter(state, opts, DefaultTimeout, t.logger)
	unsubscribe := t.channel.Subscribe(func(msg Message) { waiter.Deliver(msg) })
	defer unsubscribe()

	win, err := t.opener.Open(ctx, popupURL)
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportError, err, "failed to open wallet window")
	}
	defer win.Close()

	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-win.Closed():
			if waiter.Fail(errcode.New(errcode.UserRejected, "wallet window closed before responding")) {
				t.logger.Info("wallet window closed by user")
			}
		case <-watchDone:
		}
	}()

	if err := t.channel.Post(ctx, Message{Origin: origin, Data: frame}); err != nil {
		return nil, errcode.Wrap(errcode.TransportError, err, "failed to post request to wallet window")
	}

	return waiter.Wait(ctx)
}

func withQuery(endpoint string, params map[string]string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" {
		return "", fmt.Errorf("endpoint %q has no scheme", endpoint)
	}
	q := u.Query()
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
