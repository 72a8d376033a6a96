package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"

	"github.com/cantonconnect/bridge/pkg/backend"
	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
	"github.com/cantonconnect/bridge/pkg/eventbus"
)

var (
	_ backend.Backend              = (*ProviderBackend)(nil)
	_ backend.MessageSigner        = (*ProviderBackend)(nil)
	_ backend.TransactionSigner    = (*ProviderBackend)(nil)
	_ backend.TransactionSubmitter = (*ProviderBackend)(nil)
	_ backend.LedgerProxy          = (*ProviderBackend)(nil)
	_ backend.EventSource          = (*ProviderBackend)(nil)
	_ backend.NetworkReporter      = (*ProviderBackend)(nil)
	_ backend.AccountLister        = (*ProviderBackend)(nil)
)

// DefaultProviderCapabilities are assumed for a native provider that does not
// report its own.
var DefaultProviderCapabilities = []core.Capability{
	core.CapConnect, core.CapDisconnect, core.CapSignMessage, core.CapSignTransaction,
	core.CapSubmitTransaction, core.CapLedgerAPI, core.CapEvents, core.CapInjected,
}

// ProviderBackend drives a discovered native provider through its request
// entry point.
type ProviderBackend struct {
	d    Discovered
	caps core.CapabilitySet
}

// NewProviderBackend wraps d. Without caps DefaultProviderCapabilities apply.
func NewProviderBackend(d Discovered, caps ...core.Capability) *ProviderBackend {
	if len(caps) == 0 {
		caps = DefaultProviderCapabilities
	}
	return &ProviderBackend{d: d, caps: core.NewCapabilitySet(caps...)}
}

func (b *ProviderBackend) ID() core.WalletID { return core.WalletID(b.d.ID) }

func (b *ProviderBackend) Capabilities() core.CapabilitySet { return b.caps }

func (b *ProviderBackend) call(ctx context.Context, method string, params any) (gjson.Result, error) {
	var raw json.RawMessage
	if params != nil {
		var err error
		if raw, err = json.Marshal(params); err != nil {
			return gjson.Result{}, errcode.Wrap(errcode.Internal, err, "failed to encode provider params")
		}
	}

	out, err := b.d.Provider.Request(ctx, method, raw)
	if err != nil {
		return gjson.Result{}, providerError(err)
	}

	data, err := json.Marshal(out)
	if err != nil {
		return gjson.Result{}, errcode.Wrap(errcode.TransportError, err, "provider returned an unencodable result")
	}
	return gjson.ParseBytes(data), nil
}

func providerError(err error) error {
	var pe *errcode.ProviderError
	if errors.As(err, &pe) {
		return errcode.FromProviderError(pe)
	}
	var re *errcode.RPCError
	if errors.As(err, &re) {
		return errcode.FromRPCError(re)
	}
	return errcode.Classify(err)
}

// DetectInstalled issues a status request as a conformance call.
func (b *ProviderBackend) DetectInstalled(ctx context.Context) backend.Installation {
	if _, err := b.call(ctx, "status", nil); err != nil {
		return backend.Installation{Installed: false, Reason: err.Error()}
	}
	return backend.Installation{Installed: true}
}

func (b *ProviderBackend) Connect(ctx context.Context, cc backend.ConnectContext, opts *backend.ConnectOptions) (*core.ConnectResult, error) {
	network := cc.Network
	if opts != nil && opts.Network != "" {
		network = opts.Network
	}

	res, err := b.call(ctx, "connect", map[string]any{"network": network, "appName": cc.AppName})
	if err != nil {
		return nil, err
	}

	accounts, err := b.ListAccounts(ctx, nil)
	if err != nil {
		return nil, err
	}
	party := core.PartyID(res.Get("partyId").String())
	if party == "" {
		primary, perr := accounts.Primary()
		if perr != nil {
			return nil, errcode.New(errcode.TransportError, "provider connected without a primary account")
		}
		party = primary.PartyID
	}

	if n := res.Get("network.networkId").String(); n != "" {
		network = core.NetworkID(n)
	}

	caps := b.caps
	if reported := res.Get("capabilities"); reported.IsArray() {
		var list []core.Capability
		for _, c := range reported.Array() {
			if key := core.Capability(c.String()); key.Valid() && b.caps.Has(key) {
				list = append(list, key)
			}
		}
		caps = core.NewCapabilitySet(append(list, core.CapConnect, core.CapDisconnect)...)
	}

	return &core.ConnectResult{
		PartyID: party,
		Session: core.Session{
			SessionID: core.SessionID(res.Get("sessionId").String()),
			WalletID:  b.ID(),
			PartyID:   party,
			Network:   network,
		},
		Capabilities: caps,
		Accounts:     accounts,
	}, nil
}

func (b *ProviderBackend) Disconnect(ctx context.Context, _ backend.ConnectContext, _ *core.Session) error {
	_, err := b.call(ctx, "disconnect", nil)
	return err
}

func (b *ProviderBackend) signResult(res gjson.Result, s *core.Session) (*backend.SignResult, error) {
	sig := res.Get("signature").String()
	if sig == "" {
		return nil, errcode.New(errcode.TransportError, "provider returned no signature")
	}
	party := core.PartyID(res.Get("party").String())
	if party == "" && s != nil {
		party = s.PartyID
	}
	return &backend.SignResult{Signature: core.Signature(sig), SignedBy: res.Get("signedBy").String(), Party: party}, nil
}

func (b *ProviderBackend) SignMessage(ctx context.Context, _ backend.ConnectContext, s *core.Session, message string) (*backend.SignResult, error) {
	res, err := b.call(ctx, "signMessage", map[string]string{"message": message})
	if err != nil {
		return nil, err
	}
	return b.signResult(res, s)
}

func (b *ProviderBackend) SignTransaction(ctx context.Context, _ backend.ConnectContext, s *core.Session, tx json.RawMessage) (*backend.SignResult, error) {
	res, err := b.call(ctx, "signTransaction", map[string]any{"transaction": tx, "party": s.PartyID})
	if err != nil {
		return nil, err
	}
	return b.signResult(res, s)
}

func (b *ProviderBackend) SubmitTransaction(ctx context.Context, _ backend.ConnectContext, _ *core.Session, req backend.SubmitRequest) (*backend.SubmitResult, error) {
	res, err := b.call(ctx, "submitTransaction", req)
	if err != nil {
		return nil, err
	}
	update := res.Get("updateId").String()
	if update == "" {
		return nil, errcode.New(errcode.TransportError, "provider returned no updateId")
	}
	return &backend.SubmitResult{UpdateID: update, CompletionOffset: res.Get("completionOffset").Int()}, nil
}

func (b *ProviderBackend) LedgerAPI(ctx context.Context, _ *core.Session, req backend.LedgerRequest) (json.RawMessage, error) {
	res, err := b.call(ctx, "ledgerApi", req)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(res.Raw), nil
}

func (b *ProviderBackend) On(event eventbus.Event, fn eventbus.Listener) func() {
	id := b.d.Provider.On(string(event), fn)
	return func() { b.d.Provider.RemoveListener(string(event), id) }
}

func (b *ProviderBackend) ActiveNetwork(ctx context.Context, _ *core.Session) (core.NetworkID, error) {
	res, err := b.call(ctx, "getActiveNetwork", nil)
	if err != nil {
		return "", err
	}
	id, perr := core.ParseNetworkID(res.Get("networkId").String())
	if perr != nil {
		return "", errcode.Wrap(errcode.TransportError, perr, "provider returned an invalid network id")
	}
	return id, nil
}

func (b *ProviderBackend) ListAccounts(ctx context.Context, _ *core.Session) (core.Accounts, error) {
	res, err := b.call(ctx, "listAccounts", nil)
	if err != nil {
		return nil, err
	}
	var accounts core.Accounts
	if res.IsArray() {
		err = json.Unmarshal([]byte(res.Raw), &accounts)
	} else {
		err = json.Unmarshal([]byte(res.Get("accounts").Raw), &accounts)
	}
	if err != nil {
		return nil, errcode.Wrap(errcode.TransportError, fmt.Errorf("decode accounts: %w", err), "provider returned invalid accounts")
	}
	if err := core.ValidateAccounts(accounts); err != nil {
		return nil, errcode.Wrap(errcode.TransportError, err, "provider returned invalid accounts")
	}
	return accounts, nil
}
