package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrNotFound = errors.New("session not found")

// Store keeps sealed session blobs. It never sees plaintext session fields.
type Store interface {
	// Get returns ErrNotFound for a missing or expired key.
	Get(ctx context.Context, key string) ([]byte, error)
	// Put stores blob under key. A nil expiresAt keeps it until deleted.
	Put(ctx context.Context, key string, blob []byte, expiresAt *time.Time) error
	Delete(ctx context.Context, key string) error
}

var _ Store = (*MemoryStore)(nil)

type memoryEntry struct {
	blob      []byte
	expiresAt *time.Time
}

// MemoryStore keeps blobs in process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || (e.expiresAt != nil && !s.now().Before(*e.expiresAt)) {
		return nil, ErrNotFound
	}
	return append([]byte(nil), e.blob...), nil
}

func (s *MemoryStore) Put(_ context.Context, key string, blob []byte, expiresAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{blob: append([]byte(nil), blob...), expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
