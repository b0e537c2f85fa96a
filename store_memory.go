package memocache

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// memoryStore keeps entries in a process-local patrickmn/go-cache. Add maps to
// go-cache's Add, which checks and inserts under the cache's own lock, so it
// is atomic for every goroutine sharing the store.
type memoryStore struct {
	cache      *gocache.Cache
	defaultTTL time.Duration
	counterMu  sync.Mutex
}

func newMemoryStore(defaultTTL, cleanupInterval time.Duration) Store {
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}
	if cleanupInterval <= 0 {
		cleanupInterval = defaultMemoryCleanupInterval
	}
	return &memoryStore{
		cache:      gocache.New(defaultTTL, cleanupInterval),
		defaultTTL: defaultTTL,
	}
}

func (s *memoryStore) Driver() Driver { return DriverMemory }

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	item, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	body, ok := item.([]byte)
	if !ok {
		return nil, false, nil
	}
	return cloneBytes(body), true, nil
}

func (s *memoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.cache.Set(key, cloneBytes(value), s.ttl(ttl))
	return nil
}

func (s *memoryStore) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	// go-cache's only Add failure is "item already exists".
	if err := s.cache.Add(key, cloneBytes(value), s.ttl(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

func (s *memoryStore) Increment(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.counterMu.Lock()
	defer s.counterMu.Unlock()

	var current int64
	if item, ok := s.cache.Get(key); ok {
		body, _ := item.([]byte)
		n, err := strconv.ParseInt(string(body), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cache key %q does not contain a numeric value", key)
		}
		current = n
	}
	next := current + delta
	s.cache.Set(key, []byte(strconv.FormatInt(next, 10)), s.ttl(ttl))
	return next, nil
}

func (s *memoryStore) Decrement(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return s.Increment(ctx, key, -delta, ttl)
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.cache.Delete(key)
	return nil
}

func (s *memoryStore) DeleteMany(_ context.Context, keys ...string) error {
	for _, key := range keys {
		s.cache.Delete(key)
	}
	return nil
}

func (s *memoryStore) Flush(context.Context) error {
	s.cache.Flush()
	return nil
}

func (s *memoryStore) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	return ttl
}
