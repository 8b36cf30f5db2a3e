package state

import (
	"context"
	"errors"
	"time"

	"github.com/openchami/oauth2bridge/pkg/metrics"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces state keys in a shared redis
const DefaultKeyPrefix = "oauth2bridge:state"

// RedisClient is the subset of the go-redis API used by RedisStore
type RedisClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

// RedisStore is a Store shared by several bridge instances. Redis expires
// the keys, and GETDEL makes retrieval single use across instances.
type RedisStore struct {
	client RedisClient
	prefix string
}

// NewRedisStore wraps client
func NewRedisStore(client RedisClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(state string) string {
	return s.prefix + ":" + state
}

// Store implements Store
func (s *RedisStore) Store(ctx context.Context, state, payload string, ttl time.Duration) error {
	if !valid(state, payload, ttl) {
		return nil
	}
	if err := s.client.Set(ctx, s.key(state), payload, ttl).Err(); err != nil {
		metrics.RecordStateOperation("store", "error")
		return err
	}
	metrics.RecordStateOperation("store", "ok")
	return nil
}

// RetrieveAndRemove implements Store
func (s *RedisStore) RetrieveAndRemove(ctx context.Context, state string) (string, bool, error) {
	if state == "" {
		return "", false, nil
	}
	payload, err := s.client.GetDel(ctx, s.key(state)).Result()
	if errors.Is(err, redis.Nil) {
		metrics.RecordStateOperation("retrieve", "miss")
		return "", false, nil
	}
	if err != nil {
		metrics.RecordStateOperation("retrieve", "error")
		return "", false, err
	}
	metrics.RecordStateOperation("retrieve", "hit")
	return payload, true, nil
}

// Close closes the redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
