package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/cantonconnect/bridge/pkg/backend"
	"github.com/cantonconnect/bridge/pkg/bridge"
	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
	"github.com/cantonconnect/bridge/pkg/lifecycle"
	"github.com/cantonconnect/bridge/pkg/log"
	"github.com/cantonconnect/bridge/pkg/rpc"
	"github.com/cantonconnect/bridge/pkg/session"
	"github.com/cantonconnect/bridge/pkg/sign"
	"github.com/cantonconnect/bridge/pkg/transport"
)

// Service holds everything the serve command runs: the bridge, the websocket
// node in front of it and the stores behind it.
type Service struct {
	conf     *Config
	logger   log.Logger
	metrics  *Metrics
	gatherer prometheus.Gatherer

	db        *gorm.DB
	redis     *redis.Client
	reporter  errcode.Reporter
	callbacks *transport.CallbackRegistry
	wallet    backend.Backend
	bridge    *bridge.Bridge
	node      *rpc.WebsocketNode

	closeOnce sync.Once
}

// NewService wires the service from conf. Metrics are registered with registry.
func NewService(conf *Config, logger log.Logger, registry *prometheus.Registry) (*Service, error) {
	svc := &Service{
		conf:      conf,
		logger:    logger,
		metrics:   NewMetricsWithRegistry(registry),
		gatherer:  registry,
		reporter:  errcode.NoopReporter{},
		callbacks: transport.NewCallbackRegistry(logger),
	}

	if err := svc.init(); err != nil {
		svc.Close()
		return nil, err
	}
	return svc, nil
}

func (s *Service) init() error {
	network, err := s.conf.NetworkID()
	if err != nil {
		return err
	}

	if s.conf.SentryDSN != "" {
		reporter, err := errcode.NewSentryReporter(sentry.ClientOptions{
			Dsn:         s.conf.SentryDSN,
			Environment: string(s.conf.Mode),
		})
		if err != nil {
			return fmt.Errorf("failed to initialise sentry: %w", err)
		}
		s.reporter = reporter
	}

	if s.conf.NeedsDatabase() {
		s.db, err = ConnectToDB(s.conf.DB, s.logger)
		if err != nil {
			return fmt.Errorf("failed to setup database: %w", err)
		}
	}

	sessions, err := s.sessionManager()
	if err != nil {
		return err
	}

	s.wallet, err = s.newBackend(network)
	if err != nil {
		return err
	}

	bridgeConf := bridge.Config{
		AppName:  s.conf.AppName,
		Network:  network,
		Backend:  s.wallet,
		Sessions: sessions,
		Observer: s.metrics,
		Metrics:  s.metrics,
		Reporter: s.reporter,
		Logger:   s.logger,
	}
	if s.conf.Journal {
		bridgeConf.Journal = lifecycle.NewGormJournal(s.db)
	}

	s.bridge, err = bridge.New(bridgeConf)
	if err != nil {
		return fmt.Errorf("failed to create bridge: %w", err)
	}

	s.node, err = rpc.NewWebsocketNode(s.bridge, rpc.WebsocketNodeConfig{
		Logger:               s.logger,
		AllowedOrigins:       s.conf.AllowedOrigins,
		RequestTimeout:       s.conf.RequestTimeout,
		OnConnectHandler:     s.onConnect,
		OnDisconnectHandler:  s.metrics.ClientDisconnected,
		OnMessageSentHandler: func([]byte) { s.metrics.MessageWritten() },
	})
	if err != nil {
		return fmt.Errorf("failed to create websocket node: %w", err)
	}
	return nil
}

// onConnect restores the persisted session of a client's origin when no
// other session is live.
func (s *Service) onConnect(origin string) {
	s.metrics.ClientConnected(origin)

	if s.bridge.SessionOrigin() != "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := s.bridge.Restore(ctx, origin); err != nil {
		s.logger.Warn("failed to restore session", "origin", origin, "error", err)
	}
}

func (s *Service) sessionManager() (*session.Manager, error) {
	secret := []byte(s.conf.SessionSecret)
	if len(secret) == 0 {
		// Sessions do not survive a restart without a configured secret.
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		s.logger.Warn("BRIDGE_SESSION_SECRET not set, persisted sessions are bound to this process")
	}

	var store session.Store
	switch s.conf.SessionStore {
	case StoreDatabase:
		store = session.NewGormStore(s.db)
	case StoreRedis:
		s.redis = redis.NewClient(&redis.Options{Addr: s.conf.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to reach redis at %s: %w", s.conf.RedisAddr, err)
		}
		store = session.NewRedisStore(s.redis, s.conf.RedisPrefix)
	default:
		store = session.NewMemoryStore()
	}

	return session.NewManager(store, session.NewSealer(secret),
		session.WithTTL(s.conf.SessionTTL),
		session.WithLogger(s.logger),
	), nil
}

func (s *Service) newBackend(network core.NetworkID) (backend.Backend, error) {
	trOpts := []transport.Option{
		transport.WithLogger(s.logger),
		transport.WithRecorder(s.metrics),
	}
	walletID := core.WalletID(s.conf.WalletID)

	switch s.conf.Backend {
	case BackendLocal:
		signer, err := sign.NewEthereumSigner(s.conf.PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise signer: %w", err)
		}
		s.logger.Info("local wallet signer initialized", "address", signer.PublicKey().Address().String())
		return backend.NewLocalWallet(walletID, signer, network, s.logger), nil

	case BackendRemote:
		return s.newRemoteWallet(walletID, trOpts)

	default:
		return backend.NewMockBackend(walletID, transport.NewMockTransport(trOpts...)), nil
	}
}

func (s *Service) newRemoteWallet(walletID core.WalletID, trOpts []transport.Option) (backend.Backend, error) {
	remote := s.conf.Remote
	caps, err := s.conf.RemoteCapabilities()
	if err != nil {
		return nil, err
	}

	client := &http.Client{Timeout: 30 * time.Second}
	poller := transport.NewHTTPJobPoller(client, s.logger)

	var tokens backend.TokenSource
	if s.conf.PrivateKeyHex != "" {
		signer, err := sign.NewEthereumSigner(s.conf.PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("failed to initialise signer: %w", err)
		}
		es := backend.NewES256TokenSource(signer.PrivateKey(), s.conf.AppName, remote.TokenAudience, string(walletID), remote.TokenTTL)
		tokens = es
		poller = poller.WithAuth(es.Token)
	}
	trOpts = append(trOpts, transport.WithJobPoller(poller))

	launcher := transport.QRLauncher{Out: os.Stdout, PNGPath: remote.QRPath}
	tr := transport.NewDeepLinkTransport(launcher, s.callbacks, remote.AsyncOnly, trOpts...)

	return backend.NewRemoteWallet(backend.RemoteConfig{
		WalletID:     walletID,
		AppName:      s.conf.AppName,
		Endpoint:     remote.Endpoint,
		RedirectURI:  remote.RedirectURI,
		Capabilities: caps,
		Options: transport.Options{
			Timeout:        remote.Timeout,
			StatusEndpoint: remote.StatusEndpoint,
		},
		SubmitEndpoint: remote.SubmitEndpoint,
		LedgerEndpoint: remote.LedgerEndpoint,
	}, tr, tokens, client, s.logger), nil
}

// Handler routes the websocket endpoint and the wallet callbacks.
func (s *Service) Handler() http.Handler {
	router := mux.NewRouter()
	router.Handle(s.conf.WSEndpoint, s.node)
	s.callbacks.Mount(router, s.conf.CallbackEndpoint)
	return router
}

// MetricsHandler serves the registry the service metrics live in.
func (s *Service) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})
}

// Run blocks on background work until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if s.db == nil {
		<-ctx.Done()
		return
	}
	s.metrics.RecordMetricsPeriodically(ctx, s.db, s.logger)
}

func (s *Service) Close() {
	s.closeOnce.Do(s.close)
}

func (s *Service) close() {
	if s.node != nil {
		s.node.Close()
	}
	if s.bridge != nil {
		s.bridge.Close()
	}
	if closer, ok := s.wallet.(interface{ Close() }); ok {
		closer.Close()
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			s.logger.Warn("failed to close redis client", "error", err)
		}
	}
	if s.db != nil {
		if sqlDB, err := s.db.DB(); err == nil {
			sqlDB.Close()
		}
	}
	if flusher, ok := s.reporter.(interface{ Flush(time.Duration) bool }); ok {
		flusher.Flush(2 * time.Second)
	}
}
