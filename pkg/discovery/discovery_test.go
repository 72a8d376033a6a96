package discovery

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cantonconnect/bridge/pkg/backend"
	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
	"github.com/cantonconnect/bridge/pkg/eventbus"
)

type fakeProvider struct {
	mu        sync.Mutex
	handlers  map[string]func(json.RawMessage) (any, error)
	listeners map[string]map[uint64]func(any)
	next      uint64
	requests  []string
}

func newFakeProvider() *fakeProvider {
	accounts := []map[string]any{{
		"partyId":   "alice::1220aa",
		"primary":   true,
		"status":    "allocated",
		"networkId": "canton:da-devnet",
	}}
	return &fakeProvider{
		listeners: map[string]map[uint64]func(any){},
		handlers: map[string]func(json.RawMessage) (any, error){
			"status":  func(json.RawMessage) (any, error) { return map[string]any{"isConnected": false}, nil },
			"connect": func(json.RawMessage) (any, error) { return map[string]any{"sessionId": "s-1", "capabilities": []string{"signMessage", "bogus"}}, nil },
			"listAccounts": func(json.RawMessage) (any, error) {
				return accounts, nil
			},
			"getActiveNetwork": func(json.RawMessage) (any, error) { return map[string]string{"networkId": "canton:da-devnet"}, nil },
			"signMessage": func(json.RawMessage) (any, error) {
				return map[string]string{"signature": "0xfeed", "signedBy": "key-1"}, nil
			},
			"signTransaction": func(json.RawMessage) (any, error) {
				return nil, &errcode.ProviderError{Code: 4001, Message: "user said no"}
			},
			"submitTransaction": func(p json.RawMessage) (any, error) {
				return map[string]any{"updateId": "upd-1", "completionOffset": 9}, nil
			},
			"ledgerApi": func(p json.RawMessage) (any, error) { return json.RawMessage(p), nil },
			"disconnect": func(json.RawMessage) (any, error) {
				return nil, nil
			},
		},
	}
}

func (f *fakeProvider) Request(_ context.Context, method string, params json.RawMessage) (any, error) {
	f.mu.Lock()
	f.requests = append(f.requests, method)
	h, ok := f.handlers[method]
	f.mu.Unlock()
	if !ok {
		return nil, &errcode.ProviderError{Code: 4200, Message: "unsupported method"}
	}
	return h(params)
}

func (f *fakeProvider) On(event string, fn func(any)) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	if f.listeners[event] == nil {
		f.listeners[event] = map[uint64]func(any){}
	}
	f.listeners[event][f.next] = fn
	return f.next
}

func (f *fakeProvider) Emit(event string, payload any) bool {
	f.mu.Lock()
	fns := make([]func(any), 0, len(f.listeners[event]))
	for _, fn := range f.listeners[event] {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
	return len(fns) > 0
}

func (f *fakeProvider) RemoveListener(event string, id uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.listeners[event][id]
	delete(f.listeners[event], id)
	return ok
}

func dynamicObject() map[string]any {
	return map[string]any{
		MemberRequest: RequestFunc(func(ctx context.Context, method string, params json.RawMessage) (any, error) {
			return map[string]string{"method": method}, nil
		}),
		MemberOn:             OnFunc(func(string, func(any)) uint64 { return 1 }),
		MemberEmit:           EmitFunc(func(string, any) bool { return false }),
		MemberRemoveListener: RemoveListenerFunc(func(string, uint64) bool { return true }),
	}
}

func TestConform(t *testing.T) {
	t.Parallel()

	t.Run("go provider", func(t *testing.T) {
		p := newFakeProvider()
		got, err := Conform(p)
		require.NoError(t, err)
		assert.Same(t, p, got)
	})

	t.Run("dynamic object", func(t *testing.T) {
		got, err := Conform(dynamicObject())
		require.NoError(t, err)
		out, err := got.Request(context.Background(), "status", nil)
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"method": "status"}, out)
	})

	t.Run("missing members", func(t *testing.T) {
		obj := dynamicObject()
		delete(obj, MemberEmit)
		delete(obj, MemberRemoveListener)
		_, err := Conform(obj)
		var nc *NonConformingError
		require.ErrorAs(t, err, &nc)
		assert.Equal(t, []string{MemberEmit, MemberRemoveListener}, nc.Missing)
	})

	t.Run("member not callable", func(t *testing.T) {
		obj := dynamicObject()
		obj[MemberOn] = "on"
		_, err := Conform(obj)
		var nc *NonConformingError
		require.ErrorAs(t, err, &nc)
		assert.Equal(t, []string{MemberOn}, nc.WrongShape)
	})

	t.Run("callable with wrong shape", func(t *testing.T) {
		obj := dynamicObject()
		obj[MemberRequest] = func(method string) error { return nil }
		_, err := Conform(obj)
		var nc *NonConformingError
		require.ErrorAs(t, err, &nc)
		assert.Equal(t, []string{MemberRequest}, nc.WrongShape)
	})

	t.Run("plain values", func(t *testing.T) {
		for _, v := range []any{nil, "wallet", 42, struct{}{}} {
			_, err := Conform(v)
			var nc *NonConformingError
			assert.ErrorAs(t, err, &nc)
			assert.NotEmpty(t, nc.Missing)
		}
	})
}

func TestScan_DedupByIdentity(t *testing.T) {
	t.Parallel()

	p := newFakeProvider()
	scope := Scope{
		"cantonWallets": map[string]any{"acme": p},
		"canton":        p,
	}

	found := Scan(scope)
	require.Len(t, found, 1)
	assert.Equal(t, "cantonWallets.acme", found[0].ID)
	assert.Equal(t, SourceNamespace, found[0].Source)
	assert.Equal(t, []string{"canton"}, found[0].Aliases)
}

// valueProvider conforms by value. Its extra field decides whether two copies
// compare equal at runtime.
type valueProvider struct {
	extra any
}

func (valueProvider) Request(context.Context, string, json.RawMessage) (any, error) { return nil, nil }
func (valueProvider) On(string, func(any)) uint64                                  { return 1 }
func (valueProvider) Emit(string, any) bool                                        { return false }
func (valueProvider) RemoveListener(string, uint64) bool                           { return false }

func TestScan_ValueProviders(t *testing.T) {
	t.Parallel()

	t.Run("uncomparable dynamic field", func(t *testing.T) {
		p := valueProvider{extra: map[string]int{"a": 1}}
		scope := Scope{
			"cantonWallets": map[string]any{"acme": p},
			"canton":        p,
		}

		var found []Discovered
		require.NotPanics(t, func() { found = Scan(scope) })
		require.Len(t, found, 2)
		assert.Empty(t, found[0].Aliases)
	})

	t.Run("comparable copies dedup", func(t *testing.T) {
		scope := Scope{
			"cantonWallets": map[string]any{"acme": valueProvider{extra: "x"}},
			"canton":        valueProvider{extra: "x"},
		}

		found := Scan(scope)
		require.Len(t, found, 1)
		assert.Equal(t, []string{"canton"}, found[0].Aliases)
	})
}

func TestScan(t *testing.T) {
	t.Parallel()

	shared := dynamicObject()
	scope := Scope{
		"wallets": map[string]any{
			"zeta":   newFakeProvider(),
			"alpha":  shared,
			"broken": map[string]any{"request": "nope"},
		},
		"cantonWallet": shared,
		"splice":       newFakeProvider(),
		"unrelated":    newFakeProvider(),
		"canton":       "not a wallet",
	}

	report := Inspect(scope)
	ids := make([]string, 0, len(report.Found))
	for _, d := range report.Found {
		ids = append(ids, d.ID)
	}
	assert.Equal(t, []string{"wallets.alpha", "wallets.zeta", "splice"}, ids)
	assert.Equal(t, []string{"cantonWallet"}, report.Found[0].Aliases)

	rejected := map[string]bool{}
	for _, r := range report.Rejected {
		rejected[r.Path] = true
	}
	assert.True(t, rejected["wallets.broken"])
	assert.True(t, rejected["canton"])

	again := Scan(scope)
	require.Len(t, again, len(report.Found))
	for i := range again {
		assert.Equal(t, report.Found[i].ID, again[i].ID)
	}
	assert.Len(t, scope["wallets"], 3)
}

func TestScheduler(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	scope := Scope{"canton": newFakeProvider()}
	snapshot := func() Scope {
		mu.Lock()
		defer mu.Unlock()
		cp := Scope{}
		for k, v := range scope {
			cp[k] = v
		}
		return cp
	}

	var seen []string
	sched := NewScheduler(snapshot, []time.Duration{0, 10 * time.Millisecond}, func(d Discovered) {
		seen = append(seen, d.ID)
	}, nil)

	fresh := sched.ScanNow()
	require.Len(t, fresh, 1)
	assert.Empty(t, sched.ScanNow())

	late := newFakeProvider()
	mu.Lock()
	scope["cantonWallets"] = map[string]any{"late": late}
	scope["splice"] = late
	mu.Unlock()

	require.NoError(t, sched.Run(context.Background()))
	assert.Equal(t, []string{"canton", "cantonWallets.late"}, seen)
	assert.Len(t, sched.Discovered(), 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := NewScheduler(snapshot, []time.Duration{time.Hour}, nil, nil)
	assert.ErrorIs(t, slow.Run(ctx), context.Canceled)
}

func TestProviderBackend(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newFakeProvider()
	found := Scan(Scope{"canton": p})
	require.Len(t, found, 1)

	b := NewProviderBackend(found[0])
	require.NoError(t, backend.Validate(b))
	assert.Equal(t, core.WalletID("canton"), b.ID())
	assert.True(t, b.DetectInstalled(ctx).Installed)

	res, err := b.Connect(ctx, backend.ConnectContext{Origin: "https://dapp.example", Network: core.NetworkDevnet}, nil)
	require.NoError(t, err)
	assert.Equal(t, core.PartyID("alice::1220aa"), res.PartyID)
	assert.Equal(t, core.SessionID("s-1"), res.Session.SessionID)
	assert.True(t, res.Capabilities.Has(core.CapSignMessage))
	assert.False(t, res.Capabilities.Has(core.CapLedgerAPI))
	assert.True(t, res.Capabilities.Has(core.CapConnect))

	s := &res.Session
	net, err := b.ActiveNetwork(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, core.NetworkDevnet, net)

	signed, err := b.SignMessage(ctx, backend.ConnectContext{}, s, "hi")
	require.NoError(t, err)
	assert.Equal(t, core.Signature("0xfeed"), signed.Signature)
	assert.Equal(t, res.PartyID, signed.Party)

	_, err = b.SignTransaction(ctx, backend.ConnectContext{}, s, json.RawMessage(`{}`))
	assert.True(t, errcode.IsKind(err, errcode.UserRejected))

	sub, err := b.SubmitTransaction(ctx, backend.ConnectContext{}, s, backend.SubmitRequest{CommandID: "c"})
	require.NoError(t, err)
	assert.Equal(t, "upd-1", sub.UpdateID)
	assert.Equal(t, int64(9), sub.CompletionOffset)

	out, err := b.LedgerAPI(ctx, s, backend.LedgerRequest{RequestMethod: "GET", Resource: "/v2/version"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"requestMethod":"GET","resource":"/v2/version"}`, string(out))

	got := make(chan any, 1)
	off := b.On(eventbus.StatusChanged, func(v any) { got <- v })
	assert.True(t, p.Emit("statusChanged", "hello"))
	assert.Equal(t, "hello", <-got)
	off()
	assert.False(t, p.Emit("statusChanged", "again"))

	require.NoError(t, b.Disconnect(ctx, backend.ConnectContext{}, s))

	delete(p.handlers, "status")
	inst := b.DetectInstalled(ctx)
	assert.False(t, inst.Installed)
	assert.NotEmpty(t, inst.Reason)
}
