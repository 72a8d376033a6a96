package session

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
)

var _ Store = (*RedisStore)(nil)

// RedisStore keeps blobs in redis with the session expiry as key TTL.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "bridge:session:"
	}
	return &RedisStore{client: client, prefix: prefix, now: time.Now}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return blob, err
}

func (s *RedisStore) Put(ctx context.Context, key string, blob []byte, expiresAt *time.Time) error {
	var ttl time.Duration
	if expiresAt != nil {
		ttl = expiresAt.Sub(s.now())
		if ttl <= 0 {
			return s.Delete(ctx, key)
		}
	}
	return s.client.Set(ctx, s.prefix+key, blob, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
