package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
	"github.com/cantonconnect/bridge/pkg/eventbus"
	"github.com/cantonconnect/bridge/pkg/sign"
	"github.com/cantonconnect/bridge/pkg/transport"
)

var testCC = ConnectContext{AppName: "test-dapp", Origin: "https://dapp.example", Network: core.NetworkDevnet}

// declaresTooMuch claims signTransaction but implements nothing optional.
type declaresTooMuch struct{ calls int }

func (d *declaresTooMuch) ID() core.WalletID { return "liar" }
func (d *declaresTooMuch) Capabilities() core.CapabilitySet {
	return core.NewCapabilitySet(core.CapConnect, core.CapDisconnect, core.CapSignTransaction)
}
func (d *declaresTooMuch) DetectInstalled(context.Context) Installation {
	return Installation{Installed: true}
}
func (d *declaresTooMuch) Connect(context.Context, ConnectContext, *ConnectOptions) (*core.ConnectResult, error) {
	d.calls++
	return &core.ConnectResult{}, nil
}
func (d *declaresTooMuch) Disconnect(context.Context, ConnectContext, *core.Session) error {
	d.calls++
	return nil
}

func TestGuard(t *testing.T) {
	t.Parallel()

	t.Run("undeclared capability", func(t *testing.T) {
		b := NewMockBackend("mock", nil, WithMockCapabilities(core.CapConnect, core.CapDisconnect, core.CapSubmitTransaction))
		err := Guard(b, core.CapSignTransaction)
		require.Error(t, err)
		assert.Equal(t, errcode.CapabilityNotSupported, errcode.KindOf(err))
		assert.Zero(t, b.TotalCalls())

		var ce *errcode.Error
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, core.CapSignTransaction, ce.Details["capability"])
		assert.Nil(t, ce.Details["reason"])
	})

	t.Run("declared but not implemented", func(t *testing.T) {
		b := &declaresTooMuch{}
		err := Guard(b, core.CapSignTransaction)
		require.Error(t, err)

		var ce *errcode.Error
		require.True(t, errors.As(err, &ce))
		assert.Equal(t, errcode.CapabilityNotSupported, ce.Kind)
		assert.Equal(t, ContractViolation, ce.Details["reason"])
		assert.Zero(t, b.calls)

		assert.Error(t, Validate(b))
	})

	t.Run("nil backend", func(t *testing.T) {
		assert.True(t, errcode.IsKind(Guard(nil, core.CapConnect), errcode.WalletNotFound))
	})

	t.Run("as", func(t *testing.T) {
		b := NewMockBackend("mock", nil)
		signer, err := As[TransactionSigner](b, core.CapSignTransaction)
		require.NoError(t, err)
		assert.NotNil(t, signer)

		_, err = As[TransactionSigner](&declaresTooMuch{}, core.CapSignTransaction)
		assert.True(t, errcode.IsKind(err, errcode.CapabilityNotSupported))
	})

	t.Run("shipped adapters honour their declarations", func(t *testing.T) {
		signer, err := sign.GenerateEthereumSigner()
		require.NoError(t, err)

		assert.NoError(t, Validate(NewMockBackend("mock", nil)))
		assert.NoError(t, Validate(NewLocalWallet("local", signer, core.NetworkLocal, nil)))
		assert.NoError(t, Validate(NewRemoteWallet(RemoteConfig{
			WalletID:       "remote",
			Endpoint:       "https://wallet.example/connect",
			Capabilities:   core.AllCapabilities(),
			SubmitEndpoint: "https://signer.example/submit",
			LedgerEndpoint: "https://signer.example/ledger",
		}, transport.NewMockTransport(), nil, nil, nil)))
	})
}

func TestLocalWallet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	signer, err := sign.GenerateEthereumSigner()
	require.NoError(t, err)
	w := NewLocalWallet("local", signer, core.NetworkDevnet, nil)
	t.Cleanup(w.Close)

	assert.True(t, w.DetectInstalled(ctx).Installed)

	_, err = w.Connect(ctx, testCC, &ConnectOptions{Network: core.NetworkMainnet})
	assert.True(t, errcode.IsKind(err, errcode.UserRejected))

	res, err := w.Connect(ctx, testCC, &ConnectOptions{Network: core.NetworkDevnet})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(res.PartyID), "local::1220"))
	assert.Equal(t, core.NetworkDevnet, res.Session.Network)
	require.NoError(t, core.ValidateAccounts(res.Accounts))
	s := &res.Session

	t.Run("sign message", func(t *testing.T) {
		out, err := w.SignMessage(ctx, testCC, s, "hello")
		require.NoError(t, err)
		assert.Equal(t, res.PartyID, out.Party)

		var sig sign.Signature
		require.NoError(t, json.Unmarshal([]byte(`"`+string(out.Signature)+`"`), &sig))
		addr, err := sign.RecoverMessageSigner([]byte("hello"), sig)
		require.NoError(t, err)
		assert.Equal(t, out.SignedBy, addr.String())
	})

	t.Run("sign and submit transaction", func(t *testing.T) {
		tx := json.RawMessage(`{"templateId":"Transfer","amount":"10"}`)
		signed, err := w.SignTransaction(ctx, testCC, s, tx)
		require.NoError(t, err)

		var sig sign.Signature
		require.NoError(t, json.Unmarshal([]byte(`"`+string(signed.Signature)+`"`), &sig))
		addr, err := sign.RecoverDigestSigner(sign.Digest(tx), sig)
		require.NoError(t, err)
		assert.True(t, addr.Equals(signer.PublicKey().Address()))

		first, err := w.SubmitTransaction(ctx, testCC, s, SubmitRequest{CommandID: "c1", Transaction: tx, Signed: *signed})
		require.NoError(t, err)
		second, err := w.SubmitTransaction(ctx, testCC, s, SubmitRequest{CommandID: "c2", Transaction: tx, Signed: *signed})
		require.NoError(t, err)
		assert.Equal(t, first.CompletionOffset+1, second.CompletionOffset)
		assert.NotEqual(t, first.UpdateID, second.UpdateID)

		end, err := w.LedgerAPI(ctx, s, LedgerRequest{RequestMethod: "GET", Resource: "/v2/state/ledger-end"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"offset":2}`, string(end))

		_, err = w.SubmitTransaction(ctx, testCC, s, SubmitRequest{CommandID: "c3"})
		assert.Error(t, err)
	})

	t.Run("ledger api", func(t *testing.T) {
		out, err := w.LedgerAPI(ctx, s, LedgerRequest{RequestMethod: "GET", Resource: "/v2/version"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"version":"3.3.0"}`, string(out))

		_, err = w.LedgerAPI(ctx, s, LedgerRequest{RequestMethod: "POST", Resource: "/v2/commands"})
		assert.True(t, errcode.IsKind(err, errcode.TransportError))
	})

	t.Run("accounts changed", func(t *testing.T) {
		got := make(chan any, 1)
		off := w.On(eventbus.AccountsChanged, func(p any) { got <- p })
		defer off()

		acc := w.AddAccount("savings")
		assert.False(t, acc.Primary)

		select {
		case p := <-got:
			accounts := p.(core.Accounts)
			assert.Len(t, accounts, 2)
			assert.NoError(t, core.ValidateAccounts(accounts))
		case <-time.After(time.Second):
			t.Fatal("accountsChanged not delivered")
		}
	})

	t.Run("restore follows disconnect", func(t *testing.T) {
		live, err := w.Restore(ctx, testCC, s)
		require.NoError(t, err)
		assert.True(t, live)

		require.NoError(t, w.Disconnect(ctx, testCC, s))
		live, err = w.Restore(ctx, testCC, s)
		require.NoError(t, err)
		assert.False(t, live)
	})
}

func TestMockBackend_Deterministic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewMockBackend("mock", nil)

	a1, err := b.Connect(ctx, testCC, &ConnectOptions{State: "fixed-state", Network: core.NetworkMainnet})
	require.NoError(t, err)
	a2, err := b.Connect(ctx, testCC, &ConnectOptions{State: "fixed-state", Network: core.NetworkMainnet})
	require.NoError(t, err)
	assert.Equal(t, a1.PartyID, a2.PartyID)
	assert.Equal(t, a1.Session.SessionID, a2.Session.SessionID)
	assert.Equal(t, transport.MockPartyID("fixed-state"), a1.PartyID)
	assert.Equal(t, core.NetworkMainnet, a1.Session.Network)

	other, err := b.Connect(ctx, testCC, &ConnectOptions{State: "other-state"})
	require.NoError(t, err)
	assert.NotEqual(t, a1.PartyID, other.PartyID)

	tx := json.RawMessage(`{"op":"transfer"}`)
	s1, err := b.SignTransaction(ctx, testCC, &a1.Session, tx)
	require.NoError(t, err)
	s2, err := b.SignTransaction(ctx, testCC, &a1.Session, tx)
	require.NoError(t, err)
	assert.Equal(t, s1.Signature, s2.Signature)

	assert.Equal(t, 3, b.Calls(OpConnect))
	assert.Equal(t, 2, b.Calls(OpSignTx))
}

func TestMockBackend_ScriptedFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rejected := errors.New("user rejected the request")
	var hookCalls int
	b := NewMockBackend("mock", nil,
		WithMockError(OpSignTx, rejected),
		WithMockHook(OpSubmit, func(context.Context) error {
			hookCalls++
			return errcode.New(errcode.Timeout, "ledger slow")
		}),
		WithMockNotInstalled("extension missing"),
	)

	inst := b.DetectInstalled(ctx)
	assert.False(t, inst.Installed)
	assert.Equal(t, "extension missing", inst.Reason)

	res, err := b.Connect(ctx, testCC, nil)
	require.NoError(t, err)

	_, err = b.SignTransaction(ctx, testCC, &res.Session, json.RawMessage(`{}`))
	assert.ErrorIs(t, err, rejected)

	_, err = b.SubmitTransaction(ctx, testCC, &res.Session, SubmitRequest{})
	assert.True(t, errcode.IsKind(err, errcode.Timeout))
	assert.Equal(t, 1, hookCalls)
}

func TestMockBackend_Events(t *testing.T) {
	t.Parallel()

	b := NewMockBackend("mock", nil)
	t.Cleanup(b.Close)

	var wg sync.WaitGroup
	wg.Add(1)
	off := b.On(eventbus.StatusChanged, func(any) { wg.Done() })
	assert.True(t, b.EmitEvent(eventbus.StatusChanged, map[string]bool{"connected": true}))
	wg.Wait()

	off()
	assert.False(t, b.EmitEvent(eventbus.StatusChanged, nil))
}

func TestES256TokenSource(t *testing.T) {
	t.Parallel()

	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	src := NewES256TokenSource(key, "bridge", "remote-signer", "remote", time.Minute)
	token, err := src.Token(context.Background())
	require.NoError(t, err)

	claims, err := VerifySignerToken(token, &key.PublicKey, "remote-signer")
	require.NoError(t, err)
	assert.Equal(t, "bridge", claims.Issuer)
	assert.Equal(t, "remote", claims.WalletID)

	_, err = VerifySignerToken(token, &key.PublicKey, "someone-else")
	assert.Error(t, err)

	other, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	_, err = VerifySignerToken(token, &other.PublicKey, "remote-signer")
	assert.Error(t, err)

	src.now = func() time.Time { return time.Now().Add(-time.Hour) }
	expired, err := src.Token(context.Background())
	require.NoError(t, err)
	_, err = VerifySignerToken(expired, &key.PublicKey, "remote-signer")
	assert.Error(t, err)
}

func TestRemoteWallet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	key, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	var mu sync.Mutex
	var submitted map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if _, err := VerifySignerToken(token, &key.PublicKey, "signer"); err != nil {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/submit":
			body, _ := io.ReadAll(r.Body)
			mu.Lock()
			_ = json.Unmarshal(body, &submitted)
			mu.Unlock()
			_, _ = w.Write([]byte(`{"updateId":"upd-7","completionOffset":7}`))
		case "/ledger/v2/version":
			_, _ = w.Write([]byte(`{"version":"3.3.0"}`))
		case "/ledger/v2/fail":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":{"message":"request timed out upstream"}}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	tr := transport.NewMockTransport()
	w := NewRemoteWallet(RemoteConfig{
		WalletID:       "remote",
		AppName:        "test-dapp",
		Endpoint:       "https://wallet.example/connect",
		Capabilities:   []core.Capability{core.CapSignMessage, core.CapSignTransaction, core.CapSubmitTransaction, core.CapLedgerAPI, core.CapRemoteSigner},
		SubmitEndpoint: srv.URL + "/submit",
		LedgerEndpoint: srv.URL + "/ledger",
	}, tr, NewES256TokenSource(key, "bridge", "signer", "remote", time.Minute), srv.Client(), nil)

	assert.True(t, w.Capabilities().Has(core.CapSubmitTransaction))
	assert.True(t, w.Capabilities().Has(core.CapRemoteSigner))

	res, err := w.Connect(ctx, testCC, &ConnectOptions{
		State:                 "remote-state",
		RequestedCapabilities: []core.Capability{core.CapSignMessage, core.CapEvents},
	})
	require.NoError(t, err)
	assert.Equal(t, transport.MockPartyID("remote-state"), res.PartyID)
	assert.Equal(t, core.NetworkDevnet, res.Session.Network)
	assert.True(t, res.Capabilities.Has(core.CapSignMessage))
	assert.False(t, res.Capabilities.Has(core.CapEvents))
	assert.True(t, res.Capabilities.Has(core.CapDisconnect))

	s := &res.Session
	signed, err := w.SignTransaction(ctx, testCC, s, json.RawMessage(`{"op":"x"}`))
	require.NoError(t, err)
	assert.NotEmpty(t, signed.Signature)
	assert.Equal(t, res.PartyID, signed.Party)

	out, err := w.SubmitTransaction(ctx, testCC, s, SubmitRequest{CommandID: "cmd-1", Signed: *signed})
	require.NoError(t, err)
	assert.Equal(t, "upd-7", out.UpdateID)
	assert.Equal(t, int64(7), out.CompletionOffset)
	mu.Lock()
	assert.Equal(t, "cmd-1", submitted["commandId"])
	assert.Equal(t, string(res.PartyID), submitted["party"])
	mu.Unlock()

	live, err := w.Restore(ctx, testCC, s)
	require.NoError(t, err)
	assert.True(t, live)

	_, err = w.LedgerAPI(ctx, s, LedgerRequest{RequestMethod: "GET", Resource: "/v2/fail"})
	assert.True(t, errcode.IsKind(err, errcode.Timeout))

	t.Run("bad credentials", func(t *testing.T) {
		wrong, err := ethcrypto.GenerateKey()
		require.NoError(t, err)
		bad := NewRemoteWallet(RemoteConfig{
			WalletID:       "remote",
			Endpoint:       "https://wallet.example/connect",
			LedgerEndpoint: srv.URL + "/ledger",
			Capabilities:   []core.Capability{core.CapLedgerAPI},
		}, tr, NewES256TokenSource(wrong, "bridge", "signer", "remote", time.Minute), srv.Client(), nil)

		_, err = bad.LedgerAPI(ctx, s, LedgerRequest{RequestMethod: "GET", Resource: "/v2/version"})
		assert.True(t, errcode.IsKind(err, errcode.OriginNotAllowed))
	})

	t.Run("capabilities without endpoints are dropped", func(t *testing.T) {
		bare := NewRemoteWallet(RemoteConfig{
			WalletID:     "bare",
			Capabilities: []core.Capability{core.CapSubmitTransaction, core.CapLedgerAPI, core.CapEvents, core.CapPopup},
		}, tr, nil, nil, nil)
		caps := bare.Capabilities()
		assert.False(t, caps.Has(core.CapSubmitTransaction))
		assert.False(t, caps.Has(core.CapLedgerAPI))
		assert.False(t, caps.Has(core.CapEvents))
		assert.True(t, caps.Has(core.CapPopup))
		assert.False(t, bare.DetectInstalled(ctx).Installed)
	})
}
