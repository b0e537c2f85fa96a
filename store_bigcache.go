package memocache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/vmihailenco/msgpack/v5"
)

// bigcacheEntry carries a per-entry expiry; bigcache itself only knows one
// LifeWindow for the whole cache.
type bigcacheEntry struct {
	ExpiresAt int64  `msgpack:"e"`
	Value     []byte `msgpack:"v"`
}

// bigCacheStore is an in-process store on allegro/bigcache. LifeWindow is the
// longest an entry can survive; shorter TTLs are enforced from the envelope.
type bigCacheStore struct {
	cache      *bigcache.BigCache
	defaultTTL time.Duration
	mu         sync.Mutex
}

func newBigCacheStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	ttl := cfg.DefaultTTL
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	conf := bigcache.DefaultConfig(max(ttl, time.Hour))
	conf.Shards = cfg.BigCacheShards
	conf.CleanWindow = time.Minute
	if cfg.BigCacheHardMaxMB > 0 {
		conf.HardMaxCacheSize = cfg.BigCacheHardMaxMB
	}
	if cfg.BigCacheMaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.BigCacheMaxEntrySize
	}
	cache, err := bigcache.New(ctx, conf)
	if err != nil {
		return nil, err
	}
	return &bigCacheStore{cache: cache, defaultTTL: ttl}, nil
}

func (s *bigCacheStore) Driver() Driver { return DriverBigCache }

func (s *bigCacheStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	return s.get(key)
}

func (s *bigCacheStore) get(key string) ([]byte, bool, error) {
	raw, err := s.cache.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry bigcacheEntry
	if err := msgpack.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("decode bigcache entry %q: %w", key, err)
	}
	if time.Now().UnixNano() >= entry.ExpiresAt {
		return nil, false, nil
	}
	return entry.Value, true, nil
}

func (s *bigCacheStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	return s.set(key, value, ttl)
}

func (s *bigCacheStore) set(key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	raw, err := msgpack.Marshal(bigcacheEntry{ExpiresAt: time.Now().Add(ttl).UnixNano(), Value: value})
	if err != nil {
		return err
	}
	return s.cache.Set(key, raw)
}

func (s *bigCacheStore) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok, err := s.get(key)
	if err != nil || ok {
		return false, err
	}
	return true, s.set(key, value, ttl)
}

func (s *bigCacheStore) Increment(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok, err := s.get(key)
	if err != nil {
		return 0, err
	}
	var current int64
	if ok {
		if current, err = strconv.ParseInt(string(body), 10, 64); err != nil {
			return 0, fmt.Errorf("cache key %q does not contain a numeric value", key)
		}
	}
	next := current + delta
	return next, s.set(key, []byte(strconv.FormatInt(next, 10)), ttl)
}

func (s *bigCacheStore) Decrement(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return s.Increment(ctx, key, -delta, ttl)
}

func (s *bigCacheStore) Delete(_ context.Context, key string) error {
	if err := s.cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return err
	}
	return nil
}

func (s *bigCacheStore) DeleteMany(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *bigCacheStore) Flush(context.Context) error {
	return s.cache.Reset()
}
