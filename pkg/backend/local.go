package backend

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
	"github.com/cantonconnect/bridge/pkg/eventbus"
	"github.com/cantonconnect/bridge/pkg/log"
	"github.com/cantonconnect/bridge/pkg/sign"
)

const localLedgerVersion = "3.3.0"

var (
	_ Backend              = (*LocalWallet)(nil)
	_ Restorer             = (*LocalWallet)(nil)
	_ MessageSigner        = (*LocalWallet)(nil)
	_ TransactionSigner    = (*LocalWallet)(nil)
	_ TransactionSubmitter = (*LocalWallet)(nil)
	_ LedgerProxy          = (*LocalWallet)(nil)
	_ EventSource          = (*LocalWallet)(nil)
	_ NetworkReporter      = (*LocalWallet)(nil)
	_ AccountLister        = (*LocalWallet)(nil)
)

// LocalWallet is an injected wallet living in the bridge process. It signs
// with a local key and submits to an in-memory ledger that only hands out
// update ids and offsets.
type LocalWallet struct {
	id      core.WalletID
	signer  sign.Signer
	network core.NetworkID
	hint    string
	events  *eventbus.Bus
	logger  log.Logger

	offset atomic.Int64

	mu       sync.RWMutex
	live     map[core.SessionID]struct{}
	accounts core.Accounts
}

func NewLocalWallet(id core.WalletID, signer sign.Signer, network core.NetworkID, logger log.Logger) *LocalWallet {
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	logger = logger.WithName("local-wallet")
	w := &LocalWallet{
		id:      id,
		signer:  signer,
		network: network,
		hint:    "local",
		events:  eventbus.New(logger),
		logger:  logger,
		live:    make(map[core.SessionID]struct{}),
	}
	w.accounts = core.Accounts{w.account(w.hint, true)}
	return w
}

func (w *LocalWallet) party(hint string) core.PartyID {
	fp := ethcrypto.Keccak256(w.signer.PublicKey().Bytes())
	return core.PartyID(fmt.Sprintf("%s::1220%s", hint, hex.EncodeToString(fp)))
}

func (w *LocalWallet) account(hint string, primary bool) core.Account {
	party := w.party(hint)
	return core.Account{
		PartyID:           party,
		Primary:           primary,
		Status:            core.AccountAllocated,
		Hint:              hint,
		PublicKey:         hex.EncodeToString(w.signer.PublicKey().Bytes()),
		Namespace:         strings.SplitN(string(party), "::", 2)[1],
		NetworkID:         w.network,
		SigningProviderID: "local",
	}
}

func (w *LocalWallet) ID() core.WalletID { return w.id }

func (w *LocalWallet) Capabilities() core.CapabilitySet {
	return core.NewCapabilitySet(
		core.CapConnect, core.CapDisconnect, core.CapRestore,
		core.CapSignMessage, core.CapSignTransaction, core.CapSubmitTransaction,
		core.CapLedgerAPI, core.CapEvents, core.CapInjected,
	)
}

func (w *LocalWallet) DetectInstalled(context.Context) Installation {
	return Installation{Installed: true}
}

func (w *LocalWallet) Connect(_ context.Context, cc ConnectContext, opts *ConnectOptions) (*core.ConnectResult, error) {
	network := w.network
	if opts != nil && opts.Network != "" && opts.Network != w.network {
		return nil, errcode.Newf(errcode.UserRejected, "wallet is on %s, not %s", w.network, opts.Network)
	}

	w.mu.Lock()
	sid := core.SessionID(uuid.NewString())
	w.live[sid] = struct{}{}
	accounts := append(core.Accounts(nil), w.accounts...)
	w.mu.Unlock()

	primary, err := accounts.Primary()
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "local wallet has no primary account")
	}

	w.logger.Info("connected", "origin", cc.Origin, "partyId", primary.PartyID)
	return &core.ConnectResult{
		PartyID: primary.PartyID,
		Session: core.Session{
			SessionID: sid,
			WalletID:  w.id,
			PartyID:   primary.PartyID,
			Network:   network,
		},
		Capabilities: w.Capabilities(),
		Accounts:     accounts,
	}, nil
}

func (w *LocalWallet) Disconnect(_ context.Context, _ ConnectContext, s *core.Session) error {
	if s == nil {
		return nil
	}
	w.mu.Lock()
	delete(w.live, s.SessionID)
	w.mu.Unlock()
	return nil
}

func (w *LocalWallet) Restore(_ context.Context, _ ConnectContext, s *core.Session) (bool, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.live[s.SessionID]
	return ok, nil
}

func (w *LocalWallet) SignMessage(_ context.Context, _ ConnectContext, s *core.Session, message string) (*SignResult, error) {
	sig, err := w.signer.SignMessage([]byte(message))
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "local signer failed")
	}
	return w.result(s, sig), nil
}

func (w *LocalWallet) SignTransaction(_ context.Context, _ ConnectContext, s *core.Session, tx json.RawMessage) (*SignResult, error) {
	if len(tx) == 0 {
		return nil, errcode.New(errcode.Internal, "empty transaction")
	}
	sig, err := w.signer.Sign(sign.Digest(tx))
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "local signer failed")
	}
	return w.result(s, sig), nil
}

func (w *LocalWallet) result(s *core.Session, sig sign.Signature) *SignResult {
	return &SignResult{
		Signature: core.Signature(sig.String()),
		SignedBy:  w.signer.PublicKey().Address().String(),
		Party:     s.PartyID,
	}
}

func (w *LocalWallet) SubmitTransaction(_ context.Context, _ ConnectContext, _ *core.Session, req SubmitRequest) (*SubmitResult, error) {
	if req.Signed.Signature == "" {
		return nil, errcode.New(errcode.Internal, "transaction is not signed")
	}
	offset := w.offset.Inc()
	update := ethcrypto.Keccak256([]byte(req.Signed.Signature), []byte(fmt.Sprint(offset)))
	return &SubmitResult{
		UpdateID:         "1220" + hex.EncodeToString(update),
		CompletionOffset: offset,
	}, nil
}

func (w *LocalWallet) LedgerAPI(_ context.Context, _ *core.Session, req LedgerRequest) (json.RawMessage, error) {
	switch {
	case req.RequestMethod == "GET" && req.Resource == "/v2/version":
		return json.Marshal(map[string]string{"version": localLedgerVersion})
	case req.RequestMethod == "GET" && req.Resource == "/v2/state/ledger-end":
		return json.Marshal(map[string]int64{"offset": w.offset.Load()})
	default:
		return nil, errcode.Newf(errcode.TransportError, "ledger resource %s %s not found", req.RequestMethod, req.Resource)
	}
}

func (w *LocalWallet) On(event eventbus.Event, fn eventbus.Listener) func() {
	return w.events.On(event, fn).Unsubscribe
}

func (w *LocalWallet) ActiveNetwork(context.Context, *core.Session) (core.NetworkID, error) {
	return w.network, nil
}

func (w *LocalWallet) ListAccounts(context.Context, *core.Session) (core.Accounts, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return append(core.Accounts(nil), w.accounts...), nil
}

// AddAccount allocates another party on the same key and announces the new
// account list with accountsChanged.
func (w *LocalWallet) AddAccount(hint string) core.Account {
	acc := w.account(hint, false)

	w.mu.Lock()
	w.accounts = append(w.accounts, acc)
	accounts := append(core.Accounts(nil), w.accounts...)
	w.mu.Unlock()

	w.events.Emit(eventbus.AccountsChanged, accounts)
	return acc
}

// Close stops event delivery.
func (w *LocalWallet) Close() {
	w.events.Close()
}
