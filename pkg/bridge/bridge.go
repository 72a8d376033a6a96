// Package bridge is the protocol core a dApp talks to: it routes the fixed set
// of wallet methods to the selected backend, drives the transaction lifecycle
// for prepareExecute and republishes wallet state as the four bridge events.
package bridge

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/cantonconnect/bridge/pkg/backend"
	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
	"github.com/cantonconnect/bridge/pkg/eventbus"
	"github.com/cantonconnect/bridge/pkg/lifecycle"
	"github.com/cantonconnect/bridge/pkg/log"
	"github.com/cantonconnect/bridge/pkg/session"
)

// Wire method names.
const (
	MethodConnect           = "connect"
	MethodDisconnect        = "disconnect"
	MethodIsConnected       = "isConnected"
	MethodStatus            = "status"
	MethodGetActiveNetwork  = "getActiveNetwork"
	MethodListAccounts      = "listAccounts"
	MethodGetPrimaryAccount = "getPrimaryAccount"
	MethodSignMessage       = "signMessage"
	MethodPrepareExecute    = "prepareExecute"
	MethodLedgerAPI         = "ledgerApi"
)

// terminalDeliveryTimeout bounds how long a call waits for listeners to take
// its terminal txChanged event.
const terminalDeliveryTimeout = 10 * time.Second

// Methods lists every method the bridge answers.
var Methods = []string{
	MethodConnect, MethodDisconnect, MethodIsConnected, MethodStatus,
	MethodGetActiveNetwork, MethodListAccounts, MethodGetPrimaryAccount,
	MethodSignMessage, MethodPrepareExecute, MethodLedgerAPI,
}

// RequestArgs is one method call. Origin identifies the calling dApp and is
// supplied by the hosting layer, never by the dApp payload.
type RequestArgs struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
	Origin string          `json:"-"`
}

type Config struct {
	AppName string
	// Network is used when connect does not name one.
	Network core.NetworkID
	Backend backend.Backend
	// Sessions defaults to an in-memory store sealed with a random secret.
	Sessions *session.Manager
	Journal  lifecycle.Journal
	Observer lifecycle.Observer
	Metrics  Metrics
	Reporter errcode.Reporter
	Tracer   trace.Tracer
	Logger   log.Logger
}

type Bridge struct {
	appName  string
	network  core.NetworkID
	sessions *session.Manager
	bus      *eventbus.Bus
	tracker  *lifecycle.Tracker
	validate *validator.Validate
	metrics  Metrics
	reporter errcode.Reporter
	tracer   trace.Tracer
	logger   log.Logger

	routes     map[string]Handler
	middleware []Handler

	mu       sync.RWMutex
	wallet   backend.Backend
	accounts core.Accounts
	detach   []func()
	closed   bool
}

func New(conf Config) (*Bridge, error) {
	logger := conf.Logger
	if logger == nil {
		logger = log.NewNoopLogger()
	}
	logger = logger.WithName("bridge")

	sessions := conf.Sessions
	if sessions == nil {
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		sessions = session.NewManager(session.NewMemoryStore(), session.NewSealer(secret), session.WithLogger(logger))
	}

	b := &Bridge{
		appName:  conf.AppName,
		network:  conf.Network,
		sessions: sessions,
		bus:      eventbus.New(logger),
		validate: newValidator(),
		metrics:  conf.Metrics,
		reporter: conf.Reporter,
		tracer:   conf.Tracer,
		logger:   logger,
	}
	if b.metrics == nil {
		b.metrics = noopMetrics{}
	}
	if b.reporter == nil {
		b.reporter = errcode.NoopReporter{}
	}
	if b.tracer == nil {
		b.tracer = otel.Tracer("github.com/cantonconnect/bridge/pkg/bridge")
	}

	var trackerOpts []lifecycle.TrackerOption
	if conf.Journal != nil {
		trackerOpts = append(trackerOpts, lifecycle.WithJournal(conf.Journal))
	}
	if conf.Observer != nil {
		trackerOpts = append(trackerOpts, lifecycle.WithObserver(conf.Observer))
	}
	b.tracker = lifecycle.NewTracker(b.emitTx, logger, trackerOpts...)

	b.routes = map[string]Handler{
		MethodConnect:           b.handleConnect,
		MethodDisconnect:        b.handleDisconnect,
		MethodIsConnected:       b.handleIsConnected,
		MethodStatus:            b.handleStatus,
		MethodGetActiveNetwork:  b.handleGetActiveNetwork,
		MethodListAccounts:      b.handleListAccounts,
		MethodGetPrimaryAccount: b.handleGetPrimaryAccount,
		MethodSignMessage:       b.handleSignMessage,
		MethodPrepareExecute:    b.handlePrepareExecute,
		MethodLedgerAPI:         b.handleLedgerAPI,
	}
	b.middleware = []Handler{
		b.RecoverMiddleware,
		b.TracingMiddleware,
		b.LoggerMiddleware,
		b.MetricsMiddleware,
	}

	if conf.Backend != nil {
		if err := b.UseBackend(conf.Backend); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Request dispatches one method call. Every error it returns is an
// *errcode.Error.
func (b *Bridge) Request(ctx context.Context, args RequestArgs) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	route, ok := b.routes[args.Method]
	if !ok {
		route = unsupportedMethod
	}

	c := &Context{
		Context:  withOrigin(ctx, args.Origin),
		Method:   args.Method,
		Origin:   args.Origin,
		Params:   args.Params,
		handlers: append(append([]Handler{}, b.middleware[1:]...), route),
	}
	b.middleware[0](c)

	if c.Err != nil {
		return nil, c.Err
	}
	return c.Result, nil
}

func unsupportedMethod(c *Context) {
	c.Fail(errcode.Newf(errcode.CapabilityNotSupported, "method %q is not supported", c.Method).
		WithDetail("method", c.Method))
}

// On subscribes to a bridge event.
func (b *Bridge) On(event eventbus.Event, fn eventbus.Listener) *eventbus.Registration {
	return b.bus.On(event, fn)
}

// OnMessage subscribes to a bridge event together with the origin it was
// emitted for.
func (b *Bridge) OnMessage(event eventbus.Event, fn eventbus.MessageListener) *eventbus.Registration {
	return b.bus.OnMessage(event, fn)
}

// Emit publishes an event to bridge listeners on behalf of the session owner.
func (b *Bridge) Emit(event eventbus.Event, payload any) bool {
	return b.bus.EmitFrom(b.SessionOrigin(), event, payload)
}

// emitTx publishes a lifecycle event for the origin of the call that caused
// it. Terminal events are handed to every listener before it returns.
func (b *Bridge) emitTx(ctx context.Context, ev lifecycle.Event) {
	origin := originFrom(ctx)
	if !ev.Status.Terminal() {
		b.bus.EmitFrom(origin, eventbus.TxChanged, ev)
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), terminalDeliveryTimeout)
	defer cancel()
	b.bus.EmitFromAndWait(wctx, origin, eventbus.TxChanged, ev)
}

// Close detaches from the backend and stops event delivery.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	detach := b.detach
	b.detach = nil
	b.mu.Unlock()

	for _, off := range detach {
		off()
	}
	b.bus.Close()
}

// UseBackend selects the wallet requests are routed to. The backend must
// honour its declared capabilities, and no session may be active.
func (b *Bridge) UseBackend(w backend.Backend) error {
	if w == nil {
		return errcode.New(errcode.WalletNotFound, "no wallet selected")
	}
	if err := backend.Validate(w); err != nil {
		return err
	}
	if b.sessions.Current() != nil {
		return errcode.New(errcode.OriginNotAllowed, "cannot switch wallets while a session is active")
	}

	var detach []func()
	if src, err := backend.As[backend.EventSource](w, core.CapEvents); err == nil {
		detach = append(detach,
			src.On(eventbus.StatusChanged, b.republish(eventbus.StatusChanged)),
			src.On(eventbus.AccountsChanged, b.onWalletAccounts),
			src.On(eventbus.Connected, b.republish(eventbus.Connected)),
			src.On(eventbus.TxChanged, b.republish(eventbus.TxChanged)),
		)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		for _, off := range detach {
			off()
		}
		return errcode.New(errcode.Internal, "bridge is closed")
	}
	old := b.detach
	b.wallet = w
	b.accounts = nil
	b.detach = detach
	b.mu.Unlock()

	for _, off := range old {
		off()
	}
	b.logger.Info("wallet selected", "walletId", w.ID(), "capabilities", w.Capabilities().Keys())
	return nil
}

// Backend returns the selected wallet, or nil.
func (b *Bridge) Backend() backend.Backend {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.wallet
}

// SessionOrigin returns the origin owning the current session, or "".
func (b *Bridge) SessionOrigin() string {
	if s := b.sessions.Current(); s != nil {
		return s.Origin
	}
	return ""
}

func (b *Bridge) republish(event eventbus.Event) eventbus.Listener {
	return func(payload any) {
		b.bus.EmitFrom(b.SessionOrigin(), event, payload)
	}
}

func (b *Bridge) onWalletAccounts(payload any) {
	if accounts, ok := payload.(core.Accounts); ok {
		b.mu.Lock()
		b.accounts = append(core.Accounts(nil), accounts...)
		b.mu.Unlock()
	}
	b.bus.EmitFrom(b.SessionOrigin(), eventbus.AccountsChanged, payload)
}

// Restore reinstates the persisted session of origin if it is still valid and
// the wallet confirms it is live. It returns nil when nothing is restorable.
func (b *Bridge) Restore(ctx context.Context, origin string) (*core.Session, error) {
	w := b.Backend()
	if w == nil {
		return nil, nil
	}
	cc := b.connectContext(origin, "")

	var live session.Liveness
	if r, err := backend.As[backend.Restorer](w, core.CapRestore); err == nil {
		live = func(ctx context.Context, s *core.Session) (bool, error) {
			if s.WalletID != w.ID() {
				return false, nil
			}
			return r.Restore(ctx, cc, s)
		}
	}

	s, err := b.sessions.Restore(ctx, origin, live)
	if err != nil || s == nil {
		return nil, err
	}

	if lister, ok := w.(backend.AccountLister); ok {
		if accounts, lerr := lister.ListAccounts(ctx, s); lerr == nil {
			b.mu.Lock()
			b.accounts = accounts
			b.mu.Unlock()
		} else {
			b.logger.Warn("failed to list accounts of restored session", "error", lerr)
		}
	}

	b.bus.EmitFrom(origin, eventbus.StatusChanged, b.status(s))
	return s, nil
}

func (b *Bridge) connectContext(origin string, network core.NetworkID) backend.ConnectContext {
	if network == "" {
		network = b.network
	}
	return backend.ConnectContext{AppName: b.appName, Origin: origin, Network: network}
}
