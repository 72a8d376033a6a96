package bridge

import (
	"context"
	"encoding/json"

	"github.com/cantonconnect/bridge/pkg/backend"
	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
	"github.com/cantonconnect/bridge/pkg/eventbus"
	"github.com/cantonconnect/bridge/pkg/lifecycle"
)

func (b *Bridge) handleConnect(c *Context) {
	var params ConnectParams
	if err := b.decodeParams(c.Params, &params); err != nil {
		c.Fail(err)
		return
	}

	network := b.network
	if params.Network != "" {
		id, err := core.ToNetworkID(params.Network)
		if err != nil {
			c.Fail(errcode.Wrap(errcode.RegistrySchemaInvalid, err, "invalid params: unknown network "+params.Network))
			return
		}
		network = id
	}

	// A live session of another dApp is never replaced from here. The owner
	// has to disconnect first.
	if live := b.sessions.Live(); live != nil && live.Origin != c.Origin {
		c.Fail(errcode.New(errcode.OriginNotAllowed, "another origin holds the active session"))
		return
	}

	w := b.Backend()
	if err := backend.Guard(w, core.CapConnect); err != nil {
		c.Fail(err)
		return
	}
	if inst := w.DetectInstalled(c.Context); !inst.Installed {
		c.Fail(errcode.Newf(errcode.WalletNotInstalled, "wallet %s is not installed", w.ID()).
			WithDetail("reason", inst.Reason))
		return
	}

	appName := b.appName
	if params.AppName != "" {
		appName = params.AppName
	}
	cc := backend.ConnectContext{AppName: appName, Origin: c.Origin, Network: network}
	res, err := w.Connect(c.Context, cc, &backend.ConnectOptions{
		Network:               network,
		RequestedCapabilities: params.RequestedCapabilities,
		State:                 params.State,
		RedirectURI:           params.RedirectURI,
	})
	if err != nil {
		c.Fail(err)
		return
	}
	if res.Session.WalletID == "" {
		res.Session.WalletID = w.ID()
	}
	if res.Session.Network == "" {
		res.Session.Network = network
	}

	s, err := b.sessions.Create(c.Context, *res, c.Origin)
	if err != nil {
		c.Fail(err)
		return
	}

	b.mu.Lock()
	b.accounts = append(core.Accounts(nil), res.Accounts...)
	b.mu.Unlock()

	result := ConnectResult{
		IsConnected:  true,
		PartyID:      s.PartyID,
		SessionID:    s.SessionID,
		Network:      NetworkInfo{NetworkID: s.Network},
		Capabilities: s.Capabilities,
		Accounts:     res.Accounts,
	}
	b.bus.EmitFrom(c.Origin, eventbus.Connected, result)
	b.bus.EmitFrom(c.Origin, eventbus.StatusChanged, b.status(s))
	c.Succeed(result)
}

func (b *Bridge) handleDisconnect(c *Context) {
	s, err := b.sessions.Check(c.Context, c.Origin)
	if errcode.IsKind(err, errcode.SessionExpired) {
		c.Succeed(IsConnectedResult{IsConnected: false})
		return
	}
	if err != nil {
		c.Fail(err)
		return
	}

	if w := b.Backend(); w != nil {
		if err := w.Disconnect(c.Context, b.connectContext(c.Origin, s.Network), s); err != nil {
			c.Logger().Warn("wallet disconnect failed, dropping session anyway", "error", err)
		}
	}
	if err := b.sessions.Destroy(c.Context, s.Origin); err != nil {
		c.Logger().Warn("failed to delete persisted session", "error", err)
	}

	b.mu.Lock()
	b.accounts = nil
	b.mu.Unlock()

	b.bus.EmitFrom(s.Origin, eventbus.StatusChanged, StatusResult{IsConnected: false, Provider: b.providerInfo()})
	b.bus.EmitFrom(s.Origin, eventbus.AccountsChanged, core.Accounts{})
	c.Succeed(IsConnectedResult{IsConnected: false})
}

func (b *Bridge) handleIsConnected(c *Context) {
	c.Succeed(IsConnectedResult{IsConnected: b.sessions.Active(c.Origin) != nil})
}

func (b *Bridge) handleStatus(c *Context) {
	c.Succeed(b.status(b.sessions.Active(c.Origin)))
}

func (b *Bridge) status(s *core.Session) StatusResult {
	res := StatusResult{IsConnected: s != nil, Provider: b.providerInfo()}
	if s != nil {
		res.Network = &NetworkInfo{NetworkID: s.Network}
		res.Session = s
	}
	return res
}

func (b *Bridge) providerInfo() *ProviderInfo {
	w := b.Backend()
	if w == nil {
		return nil
	}
	return &ProviderInfo{ID: w.ID(), Capabilities: w.Capabilities()}
}

// session returns the active session of the calling origin together with the
// selected backend.
func (b *Bridge) session(c *Context) (*core.Session, backend.Backend, error) {
	s, err := b.sessions.Check(c.Context, c.Origin)
	if err != nil {
		return nil, nil, err
	}
	w := b.Backend()
	if w == nil {
		return nil, nil, errcode.New(errcode.WalletNotFound, "no wallet selected")
	}
	return s, w, nil
}

// requireCapability guards c on the backend and on the session's capability snapshot.
func requireCapability[T any](w backend.Backend, s *core.Session, c core.Capability) (T, error) {
	impl, err := backend.As[T](w, c)
	if err != nil {
		return impl, err
	}
	if !s.Capabilities.Has(c) {
		var zero T
		return zero, errcode.Newf(errcode.CapabilityNotSupported, "session was not granted %s", c).
			WithDetail("capability", c).
			WithDetail("walletId", w.ID())
	}
	return impl, nil
}

func (b *Bridge) handleGetActiveNetwork(c *Context) {
	s, w, err := b.session(c)
	if err != nil {
		c.Fail(err)
		return
	}

	network := s.Network
	if reporter, ok := w.(backend.NetworkReporter); ok {
		if network, err = reporter.ActiveNetwork(c.Context, s); err != nil {
			c.Fail(err)
			return
		}
	}
	c.Succeed(NetworkInfo{NetworkID: network})
}

func (b *Bridge) accountsOf(ctx context.Context, s *core.Session, w backend.Backend) (core.Accounts, error) {
	if lister, ok := w.(backend.AccountLister); ok {
		accounts, err := lister.ListAccounts(ctx, s)
		if err != nil {
			return nil, err
		}
		b.mu.Lock()
		b.accounts = append(core.Accounts(nil), accounts...)
		b.mu.Unlock()
		return accounts, nil
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	return append(core.Accounts{}, b.accounts...), nil
}

func (b *Bridge) handleListAccounts(c *Context) {
	s, w, err := b.session(c)
	if err != nil {
		c.Fail(err)
		return
	}
	accounts, err := b.accountsOf(c.Context, s, w)
	if err != nil {
		c.Fail(err)
		return
	}
	c.Succeed(accounts)
}

func (b *Bridge) handleGetPrimaryAccount(c *Context) {
	s, w, err := b.session(c)
	if err != nil {
		c.Fail(err)
		return
	}
	accounts, err := b.accountsOf(c.Context, s, w)
	if err != nil {
		c.Fail(err)
		return
	}
	primary, err := accounts.Primary()
	if err != nil {
		c.Fail(errcode.Wrap(errcode.TransportError, err, "wallet reported no primary account"))
		return
	}
	c.Succeed(primary)
}

func (b *Bridge) handleSignMessage(c *Context) {
	var params SignMessageParams
	if err := b.decodeParams(c.Params, &params); err != nil {
		c.Fail(err)
		return
	}
	s, w, err := b.session(c)
	if err != nil {
		c.Fail(err)
		return
	}
	signer, err := requireCapability[backend.MessageSigner](w, s, core.CapSignMessage)
	if err != nil {
		c.Fail(err)
		return
	}

	res, err := signer.SignMessage(c.Context, b.connectContext(c.Origin, s.Network), s, params.Message)
	if err != nil {
		c.Fail(err)
		return
	}
	c.Succeed(SignMessageResult{Signature: res.Signature, SignedBy: res.SignedBy, Party: res.Party})
}

// handlePrepareExecute runs one command through its lifecycle. The tracker
// hands the terminal txChanged to every listener before Signed, Executed or
// Fail return, so the call always completes after its terminal event.
func (b *Bridge) handlePrepareExecute(c *Context) {
	var params PrepareExecuteParams
	if err := b.decodeParams(c.Params, &params); err != nil {
		c.Fail(err)
		return
	}
	s, w, err := b.session(c)
	if err != nil {
		c.Fail(err)
		return
	}
	signer, err := requireCapability[backend.TransactionSigner](w, s, core.CapSignTransaction)
	if err != nil {
		c.Fail(err)
		return
	}
	submitter, err := requireCapability[backend.TransactionSubmitter](w, s, core.CapSubmitTransaction)
	if err != nil {
		c.Fail(err)
		return
	}

	tx := json.RawMessage(c.Params)
	cc := b.connectContext(c.Origin, s.Network)
	id := b.tracker.Begin(c.Context)
	logger := c.Logger().WithKV("commandId", id)

	signed, err := signer.SignTransaction(c.Context, cc, s, tx)
	if err != nil {
		c.Fail(b.failCommand(c.Context, id, err))
		return
	}
	if signed.Party == "" {
		signed.Party = s.PartyID
	}
	if err := b.tracker.Signed(c.Context, id, lifecycle.SignedPayload{
		Signature: signed.Signature,
		SignedBy:  signed.SignedBy,
		Party:     signed.Party,
	}); err != nil {
		c.Fail(errcode.Wrap(errcode.Internal, err, "lifecycle out of order"))
		return
	}
	logger.Debug("transaction signed")

	submitted, err := submitter.SubmitTransaction(c.Context, cc, s, backend.SubmitRequest{
		CommandID:   id,
		Transaction: tx,
		Signed:      *signed,
	})
	if err != nil {
		c.Fail(b.failCommand(c.Context, id, err))
		return
	}
	if err := b.tracker.Executed(c.Context, id, lifecycle.ExecutedPayload{
		UpdateID:         submitted.UpdateID,
		CompletionOffset: submitted.CompletionOffset,
	}); err != nil {
		c.Fail(errcode.Wrap(errcode.Internal, err, "lifecycle out of order"))
		return
	}
	logger.Info("transaction executed", "updateId", submitted.UpdateID)

	c.Succeed(PrepareExecuteResult{
		CommandID:        id,
		UpdateID:         submitted.UpdateID,
		CompletionOffset: submitted.CompletionOffset,
	})
}

func (b *Bridge) failCommand(ctx context.Context, id core.CommandID, cause error) *errcode.Error {
	e := errcode.Classify(cause)
	if err := b.tracker.Fail(ctx, id, e); err != nil {
		b.logger.Error("failed to record command failure", "commandId", id, "error", err)
	}
	return e.WithDetail("commandId", id)
}

func (b *Bridge) handleLedgerAPI(c *Context) {
	var params LedgerAPIParams
	if err := b.decodeParams(c.Params, &params); err != nil {
		c.Fail(err)
		return
	}
	s, w, err := b.session(c)
	if err != nil {
		c.Fail(err)
		return
	}
	proxy, err := requireCapability[backend.LedgerProxy](w, s, core.CapLedgerAPI)
	if err != nil {
		c.Fail(err)
		return
	}

	out, err := proxy.LedgerAPI(c.Context, s, params)
	if err != nil {
		c.Fail(err)
		return
	}
	c.Succeed(out)
}
