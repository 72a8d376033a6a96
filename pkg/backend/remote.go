package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
	"github.com/cantonconnect/bridge/pkg/log"
	"github.com/cantonconnect/bridge/pkg/transport"
)

const maxRemoteBody = 4 << 20

var (
	_ Backend              = (*RemoteWallet)(nil)
	_ Restorer             = (*RemoteWallet)(nil)
	_ MessageSigner        = (*RemoteWallet)(nil)
	_ TransactionSigner    = (*RemoteWallet)(nil)
	_ TransactionSubmitter = (*RemoteWallet)(nil)
	_ LedgerProxy          = (*RemoteWallet)(nil)
)

// RemoteConfig describes a wallet reached through a transport.
type RemoteConfig struct {
	WalletID core.WalletID
	AppName  string
	// Endpoint receives connect and sign requests: a popup URL or a deep link
	// base.
	Endpoint    string
	RedirectURI string
	// Capabilities the wallet advertises beyond connect and disconnect.
	Capabilities []core.Capability
	Options      transport.Options
	// SubmitEndpoint is the remote signer's HTTP submit URL. Without it the
	// wallet cannot submit transactions.
	SubmitEndpoint string
	// LedgerEndpoint is the base URL ledger API calls are proxied to.
	LedgerEndpoint string
}

// RemoteWallet reaches an out-of-process wallet through a transport for
// connect and signing, and talks to an enterprise remote signer over HTTP
// with ES256 bearer tokens for submission and ledger access.
type RemoteWallet struct {
	cfg    RemoteConfig
	tr     transport.Transport
	tokens TokenSource
	client *http.Client
	logger log.Logger
	caps   core.CapabilitySet
}

func NewRemoteWallet(cfg RemoteConfig, tr transport.Transport, tokens TokenSource, client *http.Client, logger log.Logger) *RemoteWallet {
	if client == nil {
		client = http.DefaultClient
	}
	if logger == nil {
		logger = log.NewNoopLogger()
	}

	caps := []core.Capability{core.CapConnect, core.CapDisconnect}
	for _, c := range cfg.Capabilities {
		switch {
		case c == core.CapSubmitTransaction && cfg.SubmitEndpoint == "":
		case c == core.CapLedgerAPI && cfg.LedgerEndpoint == "":
		case c == core.CapEvents:
		default:
			caps = append(caps, c)
		}
	}

	return &RemoteWallet{
		cfg:    cfg,
		tr:     tr,
		tokens: tokens,
		client: client,
		logger: logger.WithName("remote-wallet").WithKV("walletId", cfg.WalletID),
		caps:   core.NewCapabilitySet(caps...),
	}
}

func (w *RemoteWallet) ID() core.WalletID { return w.cfg.WalletID }

func (w *RemoteWallet) Capabilities() core.CapabilitySet { return w.caps }

func (w *RemoteWallet) DetectInstalled(context.Context) Installation {
	if w.cfg.Endpoint == "" {
		return Installation{Installed: false, Reason: "no wallet endpoint configured"}
	}
	return Installation{Installed: true}
}

func (w *RemoteWallet) Connect(ctx context.Context, cc ConnectContext, opts *ConnectOptions) (*core.ConnectResult, error) {
	if opts == nil {
		opts = &ConnectOptions{}
	}
	network := opts.Network
	if network == "" {
		network = cc.Network
	}
	redirect := opts.RedirectURI
	if redirect == "" {
		redirect = w.cfg.RedirectURI
	}
	appName := cc.AppName
	if appName == "" {
		appName = w.cfg.AppName
	}

	resp, err := w.tr.OpenConnectRequest(ctx, w.cfg.Endpoint, core.ConnectRequest{
		AppName:               appName,
		Origin:                cc.Origin,
		Network:               network,
		State:                 opts.State,
		RedirectURI:           redirect,
		RequestedCapabilities: opts.RequestedCapabilities,
	}, w.cfg.Options)
	if err != nil {
		return nil, err
	}
	if resp.PartyID == "" {
		return nil, errcode.New(errcode.TransportError, "wallet connected without a party")
	}
	if resp.Network != "" {
		network = resp.Network
	}

	// the session keeps what both sides can do
	granted := w.caps
	if len(resp.Capabilities) > 0 {
		var both []core.Capability
		for _, c := range resp.Capabilities {
			if w.caps.Has(c) {
				both = append(both, c)
			}
		}
		granted = core.NewCapabilitySet(append(both, core.CapConnect, core.CapDisconnect)...)
	}

	accounts := resp.Accounts
	if len(accounts) == 0 {
		accounts = core.Accounts{{
			PartyID:           resp.PartyID,
			Primary:           true,
			Status:            core.AccountAllocated,
			NetworkID:         network,
			SigningProviderID: string(w.cfg.WalletID),
		}}
	}
	if err := core.ValidateAccounts(accounts); err != nil {
		return nil, errcode.Wrap(errcode.TransportError, err, "wallet returned invalid accounts")
	}

	return &core.ConnectResult{
		PartyID: resp.PartyID,
		Session: core.Session{
			SessionID: resp.SessionID,
			WalletID:  w.cfg.WalletID,
			PartyID:   resp.PartyID,
			Network:   network,
		},
		Capabilities: granted,
		Accounts:     accounts,
	}, nil
}

func (w *RemoteWallet) Disconnect(context.Context, ConnectContext, *core.Session) error {
	return nil
}

// Restore checks the remote signer is reachable with our credentials.
func (w *RemoteWallet) Restore(ctx context.Context, _ ConnectContext, s *core.Session) (bool, error) {
	if w.cfg.LedgerEndpoint == "" {
		return true, nil
	}
	if _, err := w.LedgerAPI(ctx, s, LedgerRequest{RequestMethod: http.MethodGet, Resource: "/v2/version"}); err != nil {
		return false, err
	}
	return true, nil
}

func (w *RemoteWallet) SignMessage(ctx context.Context, cc ConnectContext, s *core.Session, message string) (*SignResult, error) {
	payload, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return nil, err
	}
	return w.sign(ctx, cc, s, core.SignKindMessage, payload)
}

func (w *RemoteWallet) SignTransaction(ctx context.Context, cc ConnectContext, s *core.Session, tx json.RawMessage) (*SignResult, error) {
	return w.sign(ctx, cc, s, core.SignKindTransaction, tx)
}

func (w *RemoteWallet) sign(ctx context.Context, cc ConnectContext, s *core.Session, kind core.SignKind, payload json.RawMessage) (*SignResult, error) {
	resp, err := w.tr.OpenSignRequest(ctx, w.cfg.Endpoint, core.SignRequest{
		AppName:     w.cfg.AppName,
		Origin:      cc.Origin,
		Network:     s.Network,
		RedirectURI: w.cfg.RedirectURI,
		Kind:        kind,
		Party:       s.PartyID,
		Payload:     payload,
	}, w.cfg.Options)
	if err != nil {
		return nil, err
	}
	if resp.Signature == "" {
		return nil, errcode.New(errcode.TransportError, "wallet returned no signature")
	}
	party := resp.Party
	if party == "" {
		party = s.PartyID
	}
	return &SignResult{Signature: resp.Signature, SignedBy: resp.SignedBy, Party: party}, nil
}

func (w *RemoteWallet) SubmitTransaction(ctx context.Context, _ ConnectContext, s *core.Session, req SubmitRequest) (*SubmitResult, error) {
	body, err := json.Marshal(struct {
		SubmitRequest
		Party core.PartyID `json:"party"`
	}{req, s.PartyID})
	if err != nil {
		return nil, err
	}

	res, err := w.do(ctx, http.MethodPost, w.cfg.SubmitEndpoint, body)
	if err != nil {
		return nil, err
	}

	parsed := gjson.ParseBytes(res)
	update := parsed.Get("updateId")
	if !update.Exists() || update.String() == "" {
		return nil, errcode.New(errcode.TransportError, "submit response has no updateId")
	}
	return &SubmitResult{
		UpdateID:         update.String(),
		CompletionOffset: parsed.Get("completionOffset").Int(),
	}, nil
}

func (w *RemoteWallet) LedgerAPI(ctx context.Context, _ *core.Session, req LedgerRequest) (json.RawMessage, error) {
	url := strings.TrimRight(w.cfg.LedgerEndpoint, "/") + req.Resource
	res, err := w.do(ctx, req.RequestMethod, url, req.Body)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(res), nil
}

func (w *RemoteWallet) do(ctx context.Context, method, url string, body []byte) ([]byte, error) {
	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportError, err, "failed to build remote signer request")
	}
	req.Header.Set("Accept", "application/json")
	if rd != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if w.tokens != nil {
		token, err := w.tokens.Token(ctx)
		if err != nil {
			return nil, errcode.Wrap(errcode.Internal, err, "failed to mint remote signer token")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := w.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, errcode.Wrap(errcode.Timeout, err, "remote signer request timed out")
		}
		return nil, errcode.Wrap(errcode.TransportError, err, "remote signer request failed")
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxRemoteBody))
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportError, err, "failed to read remote signer response")
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, errcode.Newf(errcode.OriginNotAllowed, "remote signer refused credentials (%d)", res.StatusCode)
	case res.StatusCode < 200 || res.StatusCode > 299:
		if msg := gjson.GetBytes(data, "error.message"); msg.Exists() {
			return nil, errcode.Classify(fmt.Errorf("remote signer: %s", msg.String()))
		}
		return nil, errcode.Newf(errcode.TransportError, "remote signer returned status %d", res.StatusCode)
	}
	if len(data) > 0 && !gjson.ValidBytes(data) {
		return nil, errcode.New(errcode.TransportError, "remote signer response is not json")
	}
	return data, nil
}
