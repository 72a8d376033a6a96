package transport

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
)

var _ Transport = (*DeepLinkTransport)(nil)

// DeepLinkTransport encodes the request into a custom-scheme or universal link,
// hands it to a Launcher and waits for the wallet to call back. An async-only
// wallet never calls back; its approval job is keyed by the request state and
// is polled instead.
type DeepLinkTransport struct {
	base
	launcher  Launcher
	callbacks *CallbackRegistry
	asyncOnly bool
}

// NewDeepLinkTransport needs a CallbackRegistry unless the wallet is async
// only, and a JobPoller when it is.
func NewDeepLinkTransport(launcher Launcher, callbacks *CallbackRegistry, asyncOnly bool, opts ...Option) *DeepLinkTransport {
	return &DeepLinkTransport{
		base:      newBase("deeplink", opts),
		launcher:  launcher,
		callbacks: callbacks,
		asyncOnly: asyncOnly,
	}
}

// ConnectURI builds the deep link of a connect request.
func ConnectURI(endpoint string, req core.ConnectRequest) (string, error) {
	return withQuery(endpoint, map[string]string{
		"state":        req.State,
		"app":          req.AppName,
		"origin":       req.Origin,
		"network":      string(req.Network),
		"redirect_uri": req.RedirectURI,
		"capabilities": joinCapabilities(req.RequestedCapabilities),
	})
}

// SignURI builds the deep link of a sign request. The payload travels base64url
// encoded.
func SignURI(endpoint string, req core.SignRequest) (string, error) {
	return withQuery(endpoint, map[string]string{
		"state":        req.State,
		"app":          req.AppName,
		"origin":       req.Origin,
		"network":      string(req.Network),
		"redirect_uri": req.RedirectURI,
		"capabilities": joinCapabilities(req.RequestedCapabilities),
		"kind":         string(req.Kind),
		"party":        string(req.Party),
		"payload":      base64.RawURLEncoding.EncodeToString(req.Payload),
	})
}

func joinCapabilities(caps []core.Capability) string {
	parts := make([]string, len(caps))
	for i, c := range caps {
		parts[i] = string(c)
	}
	return strings.Join(parts, ",")
}

func (t *DeepLinkTransport) OpenConnectRequest(ctx context.Context, endpoint string, req core.ConnectRequest, opts Options) (resp *ConnectResponse, err error) {
	start := time.Now()
	defer func() { t.observe("connect", start, err) }()

	// a caller-supplied state is never trusted on a real wallet channel
	if req.State, err = newState(); err != nil {
		return nil, err
	}
	uri, err := ConnectURI(endpoint, req)
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportError, err, "invalid wallet endpoint")
	}
	data, err := t.launchAndWait(ctx, uri, req.State, opts)
	if err != nil {
		return nil, err
	}
	return finish[ConnectResponse, *ConnectResponse](ctx, data, req.State, t.poller, opts)
}

func (t *DeepLinkTransport) OpenSignRequest(ctx context.Context, endpoint string, req core.SignRequest, opts Options) (resp *SignResponse, err error) {
	start := time.Now()
	defer func() { t.observe("sign", start, err) }()

	if req.State, err = newState(); err != nil {
		return nil, err
	}
	uri, err := SignURI(endpoint, req)
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportError, err, "invalid wallet endpoint")
	}
	data, err := t.launchAndWait(ctx, uri, req.State, opts)
	if err != nil {
		return nil, err
	}
	return finish[SignResponse, *SignResponse](ctx, data, req.State, t.poller, opts)
}

func (t *DeepLinkTransport) launchAndWait(ctx context.Context, uri, state string, opts Options) (json.RawMessage, error) {
	if t.asyncOnly {
		if t.poller == nil {
			return nil, errcode.New(errcode.TransportError, "async wallet requires a job poller")
		}
		if err := t.launcher.Launch(ctx, uri); err != nil {
			return nil, errcode.Wrap(errcode.TransportError, err, "failed to launch wallet link")
		}
		t.logger.Debug("launched async wallet link, polling job")
		result, err := AwaitJob(ctx, t.poller, state, opts)
		if err != nil {
			return nil, err
		}
		return withState(result, state), nil
	}

	if t.callbacks == nil {
		return nil, errcode.New(errcode.TransportError, "deep link transport has no callback registry")
	}

	waiter := NewWaiter(state, opts, ManualApprovalTimeout, t.logger)
	unregister, err := t.callbacks.Register(state, waiter)
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportError, err, "cannot await wallet callback")
	}
	defer unregister()

	if err := t.launcher.Launch(ctx, uri); err != nil {
		return nil, errcode.Wrap(errcode.TransportError, err, "failed to launch wallet link")
	}
	return waiter.Wait(ctx)
}

// withState adds the request state to a job result that omits it.
func withState(result json.RawMessage, state string) json.RawMessage {
	var m map[string]any
	if err := json.Unmarshal(result, &m); err != nil || m == nil {
		return result
	}
	if _, ok := m["state"]; ok {
		return result
	}
	m["state"] = state
	out, err := json.Marshal(m)
	if err != nil {
		return result
	}
	return out
}
