package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cantonconnect/bridge/pkg/core"
	"github.com/cantonconnect/bridge/pkg/errcode"
	"github.com/cantonconnect/bridge/pkg/log"
)

// Liveness asks the wallet backend whether a restored session is still live.
type Liveness func(ctx context.Context, s *core.Session) (bool, error)

type Option func(*Manager)

// WithTTL sets the expiry applied to sessions the wallet did not give one.
// Zero means no expiry.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(logger log.Logger) Option {
	return func(m *Manager) { m.logger = logger.WithName("session") }
}

// Manager owns the active session and its encrypted persisted copy.
type Manager struct {
	store  Store
	sealer *Sealer
	ttl    time.Duration
	now    func() time.Time
	logger log.Logger

	mu      sync.RWMutex
	current *core.Session
}

func NewManager(store Store, sealer *Sealer, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		sealer: sealer,
		now:    time.Now,
		logger: log.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create builds a session from a successful connect, persists it sealed for
// origin and makes it current. The capability snapshot is frozen here.
func (m *Manager) Create(ctx context.Context, res core.ConnectResult, origin string) (*core.Session, error) {
	if origin == "" {
		return nil, errcode.New(errcode.OriginNotAllowed, "session origin is required")
	}

	now := m.now().UTC()
	s := res.Session.Clone()
	if s.SessionID == "" {
		s.SessionID = core.SessionID(uuid.NewString())
	}
	if res.PartyID != "" {
		s.PartyID = res.PartyID
	}
	s.Origin = origin
	s.CreatedAt = now
	s.Capabilities = res.Capabilities.Clone()
	if s.ExpiresAt == nil && m.ttl > 0 {
		exp := now.Add(m.ttl)
		s.ExpiresAt = &exp
	}
	if s.Expired(now) {
		return nil, errcode.New(errcode.SessionExpired, "wallet returned an already expired session")
	}

	if err := m.persist(ctx, s); err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "failed to persist session")
	}

	m.mu.Lock()
	m.current = s
	m.mu.Unlock()

	m.logger.Info("session created", "sessionId", s.SessionID, "walletId", s.WalletID, "origin", origin)
	return s.Clone(), nil
}

func (m *Manager) persist(ctx context.Context, s *core.Session) error {
	plain, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	blob, err := m.sealer.Seal(s.Origin, plain)
	if err != nil {
		return fmt.Errorf("seal session: %w", err)
	}
	return m.store.Put(ctx, StorageKey(s.Origin), blob, s.ExpiresAt)
}

// Restore loads the persisted session of origin. A session that is absent,
// expired, bound to another origin, unreadable or reported dead by live
// yields nil without an error. Unusable records are deleted.
func (m *Manager) Restore(ctx context.Context, origin string, live Liveness) (*core.Session, error) {
	key := StorageKey(origin)
	logger := m.logger.WithKV("origin", origin)

	blob, err := m.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		logger.Warn("failed to read persisted session", "error", err)
		return nil, nil
	}

	plain, err := m.sealer.Open(origin, blob)
	if err != nil {
		logger.Warn("discarding undecryptable session", "error", err)
		m.discard(ctx, key)
		return nil, nil
	}

	var s core.Session
	if err := json.Unmarshal(plain, &s); err != nil {
		logger.Warn("discarding malformed session", "error", err)
		m.discard(ctx, key)
		return nil, nil
	}

	if s.CheckOrigin(origin) != nil {
		logger.Warn("discarding session bound to another origin", "sessionOrigin", s.Origin)
		m.discard(ctx, key)
		return nil, nil
	}

	if s.Expired(m.now()) {
		logger.Info("persisted session expired", "sessionId", s.SessionID)
		m.discard(ctx, key)
		return nil, nil
	}

	if live != nil {
		alive, err := live(ctx, &s)
		if err != nil || !alive {
			logger.Info("wallet reports session is no longer live", "sessionId", s.SessionID, "error", err)
			m.discard(ctx, key)
			return nil, nil
		}
	}

	m.mu.Lock()
	m.current = &s
	m.mu.Unlock()

	logger.Info("session restored", "sessionId", s.SessionID)
	return s.Clone(), nil
}

func (m *Manager) discard(ctx context.Context, key string) {
	if err := m.store.Delete(ctx, key); err != nil {
		m.logger.Warn("failed to delete persisted session", "error", err)
	}
}

// Destroy removes the session of origin from storage and clears it if current.
func (m *Manager) Destroy(ctx context.Context, origin string) error {
	m.mu.Lock()
	if m.current != nil && m.current.Origin == origin {
		m.current = nil
	}
	m.mu.Unlock()

	if err := m.store.Delete(ctx, StorageKey(origin)); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Current returns a copy of the active session, or nil.
func (m *Manager) Current() *core.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// Check returns the active session for an operation from origin. A request
// from any other origin destroys the session.
func (m *Manager) Check(ctx context.Context, origin string) (*core.Session, error) {
	cur := m.Current()
	if cur == nil {
		return nil, errcode.New(errcode.SessionExpired, "no active session")
	}

	if cur.Expired(m.now()) {
		if err := m.Destroy(ctx, cur.Origin); err != nil {
			m.logger.Warn("failed to destroy expired session", "error", err)
		}
		return nil, errcode.New(errcode.SessionExpired, "session expired")
	}

	if err := cur.CheckOrigin(origin); err != nil {
		m.logger.Warn("origin mismatch, destroying session", "sessionId", cur.SessionID, "origin", origin)
		if derr := m.Destroy(ctx, cur.Origin); derr != nil {
			m.logger.Warn("failed to destroy session", "error", derr)
		}
		return nil, errcode.Wrap(errcode.OriginNotAllowed, err, "origin not allowed for this session")
	}
	return cur, nil
}

// Live returns the current session unless it has expired, whatever origin
// owns it.
func (m *Manager) Live() *core.Session {
	cur := m.Current()
	if cur == nil || cur.Expired(m.now()) {
		return nil
	}
	return cur
}

// Active returns the current session if it belongs to origin and has not
// expired. Unlike Check it never destroys anything.
func (m *Manager) Active(origin string) *core.Session {
	cur := m.Current()
	if cur == nil || cur.CheckOrigin(origin) != nil || cur.Expired(m.now()) {
		return nil
	}
	return cur
}
