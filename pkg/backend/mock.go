package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
	"github.com/cantonconnect/bridge/pkg/eventbus"
	"github.com/cantonconnect/bridge/pkg/transport"
)

var (
	_ Backend              = (*MockBackend)(nil)
	_ Restorer             = (*MockBackend)(nil)
	_ MessageSigner        = (*MockBackend)(nil)
	_ TransactionSigner    = (*MockBackend)(nil)
	_ TransactionSubmitter = (*MockBackend)(nil)
	_ LedgerProxy          = (*MockBackend)(nil)
	_ EventSource          = (*MockBackend)(nil)
	_ NetworkReporter      = (*MockBackend)(nil)
	_ AccountLister        = (*MockBackend)(nil)
)

// Mock operation names counted by MockBackend.Calls.
const (
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
	OpRestore    = "restore"
	OpSignMsg    = "signMessage"
	OpSignTx     = "signTransaction"
	OpSubmit     = "submitTransaction"
	OpLedger     = "ledgerApi"
)

type MockOption func(*MockBackend)

// WithMockCapabilities replaces the declared capability set.
func WithMockCapabilities(caps ...core.Capability) MockOption {
	return func(m *MockBackend) { m.caps = core.NewCapabilitySet(caps...) }
}

// WithMockError makes op fail with err.
func WithMockError(op string, err error) MockOption {
	return func(m *MockBackend) { m.errs[op] = err }
}

// WithMockHook runs fn before op. A non-nil result fails the call.
func WithMockHook(op string, fn func(ctx context.Context) error) MockOption {
	return func(m *MockBackend) { m.hooks[op] = fn }
}

func WithMockNotInstalled(reason string) MockOption {
	return func(m *MockBackend) { m.install = Installation{Installed: false, Reason: reason} }
}

// MockBackend is a deterministic wallet over transport.MockTransport: the
// same connect state always yields the same party and session.
type MockBackend struct {
	id      core.WalletID
	caps    core.CapabilitySet
	tr      *transport.MockTransport
	events  *eventbus.Bus
	install Installation

	mu       sync.Mutex
	errs     map[string]error
	hooks    map[string]func(ctx context.Context) error
	calls    map[string]int
	live     map[core.SessionID]struct{}
	accounts core.Accounts
	network  core.NetworkID
	offset   int64
}

func NewMockBackend(id core.WalletID, tr *transport.MockTransport, opts ...MockOption) *MockBackend {
	if tr == nil {
		tr = transport.NewMockTransport()
	}
	m := &MockBackend{
		id: id,
		caps: core.NewCapabilitySet(
			core.CapConnect, core.CapDisconnect, core.CapRestore,
			core.CapSignMessage, core.CapSignTransaction, core.CapSubmitTransaction,
			core.CapLedgerAPI, core.CapEvents,
		),
		tr:      tr,
		events:  eventbus.New(nil),
		install: Installation{Installed: true},
		errs:    make(map[string]error),
		hooks:   make(map[string]func(ctx context.Context) error),
		calls:   make(map[string]int),
		live:    make(map[core.SessionID]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MockBackend) enter(ctx context.Context, op string) error {
	m.mu.Lock()
	m.calls[op]++
	err := m.errs[op]
	hook := m.hooks[op]
	m.mu.Unlock()

	if hook != nil {
		if herr := hook(ctx); herr != nil {
			return herr
		}
	}
	return err
}

// Calls returns how many times op was invoked.
func (m *MockBackend) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// TotalCalls counts every invocation of every operation.
func (m *MockBackend) TotalCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		n += c
	}
	return n
}

func (m *MockBackend) ID() core.WalletID { return m.id }

func (m *MockBackend) Capabilities() core.CapabilitySet { return m.caps }

func (m *MockBackend) DetectInstalled(context.Context) Installation { return m.install }

func (m *MockBackend) Connect(ctx context.Context, cc ConnectContext, opts *ConnectOptions) (*core.ConnectResult, error) {
	if err := m.enter(ctx, OpConnect); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &ConnectOptions{}
	}
	network := opts.Network
	if network == "" {
		network = cc.Network
	}

	resp, err := m.tr.OpenConnectRequest(ctx, "", core.ConnectRequest{
		AppName:     cc.AppName,
		Origin:      cc.Origin,
		Network:     network,
		State:       opts.State,
		RedirectURI: opts.RedirectURI,
	}, transport.Options{})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.live[resp.SessionID] = struct{}{}
	m.accounts = resp.Accounts
	m.network = resp.Network
	m.mu.Unlock()

	return &core.ConnectResult{
		PartyID: resp.PartyID,
		Session: core.Session{
			SessionID: resp.SessionID,
			WalletID:  m.id,
			PartyID:   resp.PartyID,
			Network:   resp.Network,
		},
		Capabilities: m.caps,
		Accounts:     resp.Accounts,
	}, nil
}

func (m *MockBackend) Disconnect(ctx context.Context, _ ConnectContext, s *core.Session) error {
	if err := m.enter(ctx, OpDisconnect); err != nil {
		return err
	}
	if s != nil {
		m.mu.Lock()
		delete(m.live, s.SessionID)
		m.mu.Unlock()
	}
	return nil
}

func (m *MockBackend) Restore(ctx context.Context, _ ConnectContext, s *core.Session) (bool, error) {
	if err := m.enter(ctx, OpRestore); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live[s.SessionID]
	return ok, nil
}

func (m *MockBackend) SignMessage(ctx context.Context, cc ConnectContext, s *core.Session, message string) (*SignResult, error) {
	if err := m.enter(ctx, OpSignMsg); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return m.sign(ctx, cc, s, core.SignKindMessage, payload)
}

func (m *MockBackend) SignTransaction(ctx context.Context, cc ConnectContext, s *core.Session, tx json.RawMessage) (*SignResult, error) {
	if err := m.enter(ctx, OpSignTx); err != nil {
		return nil, err
	}
	return m.sign(ctx, cc, s, core.SignKindTransaction, tx)
}

func (m *MockBackend) sign(ctx context.Context, cc ConnectContext, s *core.Session, kind core.SignKind, payload json.RawMessage) (*SignResult, error) {
	state := hex.EncodeToString(ethcrypto.Keccak256([]byte(s.SessionID), []byte(kind), payload))
	resp, err := m.tr.OpenSignRequest(ctx, "", core.SignRequest{
		Origin:  cc.Origin,
		Network: s.Network,
		State:   state,
		Kind:    kind,
		Party:   s.PartyID,
		Payload: payload,
	}, transport.Options{})
	if err != nil {
		return nil, err
	}
	return &SignResult{Signature: resp.Signature, SignedBy: resp.SignedBy, Party: resp.Party}, nil
}

func (m *MockBackend) SubmitTransaction(ctx context.Context, _ ConnectContext, _ *core.Session, req SubmitRequest) (*SubmitResult, error) {
	if err := m.enter(ctx, OpSubmit); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.offset++
	offset := m.offset
	m.mu.Unlock()

	update := ethcrypto.Keccak256([]byte(req.CommandID), []byte(req.Signed.Signature))
	return &SubmitResult{UpdateID: "mock-update-" + hex.EncodeToString(update[:16]), CompletionOffset: offset}, nil
}

func (m *MockBackend) LedgerAPI(ctx context.Context, _ *core.Session, req LedgerRequest) (json.RawMessage, error) {
	if err := m.enter(ctx, OpLedger); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{
		"method":   req.RequestMethod,
		"resource": req.Resource,
		"body":     req.Body,
	})
}

func (m *MockBackend) On(event eventbus.Event, fn eventbus.Listener) func() {
	return m.events.On(event, fn).Unsubscribe
}

// EmitEvent publishes a wallet-originated event to the mock's listeners.
func (m *MockBackend) EmitEvent(event eventbus.Event, payload any) bool {
	return m.events.Emit(event, payload)
}

func (m *MockBackend) ActiveNetwork(context.Context, *core.Session) (core.NetworkID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.network == "" {
		return "", errcode.New(errcode.SessionExpired, "mock wallet is not connected")
	}
	return m.network, nil
}

func (m *MockBackend) ListAccounts(context.Context, *core.Session) (core.Accounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append(core.Accounts(nil), m.accounts...), nil
}

// Close stops event delivery.
func (m *MockBackend) Close() {
	m.events.Close()
}
