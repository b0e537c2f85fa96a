package memocache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var errRedisUnavailable = errors.New("redis client unavailable")

// redisFlushBatch is the SCAN COUNT hint used by Flush.
const redisFlushBatch = 200

// RedisClient is the part of *redis.Client the store needs. Tests substitute
// an in-memory implementation.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	IncrBy(ctx context.Context, key string, value int64) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Scan(ctx context.Context, cursor uint64, match string, count int64) *redis.ScanCmd
}

// redisStore maps every key to "<prefix>:<key>". Add is SET NX PX, which is
// atomic across every process sharing the server.
type redisStore struct {
	client     RedisClient
	defaultTTL time.Duration
	prefix     string
}

func newRedisStore(client RedisClient, defaultTTL time.Duration, prefix string) Store {
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}
	if prefix == "" {
		prefix = defaultCachePrefix
	}
	return &redisStore{client: client, defaultTTL: defaultTTL, prefix: prefix}
}

func (s *redisStore) Driver() Driver { return DriverRedis }

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if s.client == nil {
		return nil, false, errRedisUnavailable
	}
	body, err := s.client.Get(ctx, s.namespaced(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}
	return body, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if s.client == nil {
		return errRedisUnavailable
	}
	return s.client.Set(ctx, s.namespaced(key), value, s.ttl(ttl)).Err()
}

func (s *redisStore) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if s.client == nil {
		return false, errRedisUnavailable
	}
	return s.client.SetNX(ctx, s.namespaced(key), value, s.ttl(ttl)).Result()
}

func (s *redisStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	if s.client == nil {
		return 0, errRedisUnavailable
	}
	name := s.namespaced(key)
	n, err := s.client.IncrBy(ctx, name, delta).Result()
	if err != nil {
		return 0, err
	}
	if err := s.client.Expire(ctx, name, s.ttl(ttl)).Err(); err != nil {
		return 0, fmt.Errorf("expire %q: %w", name, err)
	}
	return n, nil
}

func (s *redisStore) Decrement(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return s.Increment(ctx, key, -delta, ttl)
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	return s.DeleteMany(ctx, key)
}

func (s *redisStore) DeleteMany(ctx context.Context, keys ...string) error {
	if s.client == nil {
		return errRedisUnavailable
	}
	if len(keys) == 0 {
		return nil
	}
	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = s.namespaced(key)
	}
	return s.client.Del(ctx, names...).Err()
}

// Flush removes only keys under this store's prefix.
func (s *redisStore) Flush(ctx context.Context) error {
	if s.client == nil {
		return errRedisUnavailable
	}
	match := s.namespaced("*")
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, redisFlushBatch).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := s.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func (s *redisStore) namespaced(key string) string {
	return s.prefix + ":" + key
}

func (s *redisStore) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	return ttl
}
