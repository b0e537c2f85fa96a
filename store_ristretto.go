package memocache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
)

const ristrettoBufferItems = 64

// errRistrettoRejected is returned when the admission policy drops a write
// that must be visible, such as a lock entry.
var errRistrettoRejected = errors.New("ristretto admission policy rejected the entry")

// ristrettoStore is an in-process store on dgraph-io/ristretto. Ristretto
// applies writes asynchronously, so every mutation waits for its buffer to
// drain before returning. mu makes Add and the counters read-modify-write
// steps indivisible within the process.
type ristrettoStore struct {
	cache      *ristretto.Cache
	defaultTTL time.Duration
	mu         sync.Mutex
}

func newRistrettoStore(numCounters, maxCost int64, defaultTTL time.Duration) (Store, error) {
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        numCounters,
		MaxCost:            maxCost,
		BufferItems:        ristrettoBufferItems,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &ristrettoStore{cache: cache, defaultTTL: defaultTTL}, nil
}

func (s *ristrettoStore) Driver() Driver { return DriverRistretto }

func (s *ristrettoStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	return s.get(key)
}

func (s *ristrettoStore) get(key string) ([]byte, bool, error) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, false, nil
	}
	body, ok := v.([]byte)
	if !ok {
		s.cache.Del(key)
		return nil, false, nil
	}
	return cloneBytes(body), true, nil
}

func (s *ristrettoStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set(key, value, ttl) {
		return fmt.Errorf("set %q: %w", key, errRistrettoRejected)
	}
	return nil
}

// set writes the entry, waits for ristretto to apply it and reports whether
// the admission policy kept it.
func (s *ristrettoStore) set(key string, value []byte, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if !s.cache.SetWithTTL(key, cloneBytes(value), int64(len(value))+1, ttl) {
		return false
	}
	s.cache.Wait()
	_, ok := s.cache.Get(key)
	return ok
}

func (s *ristrettoStore) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache.Get(key); ok {
		return false, nil
	}
	if !s.set(key, value, ttl) {
		return false, fmt.Errorf("add %q: %w", key, errRistrettoRejected)
	}
	return true, nil
}

func (s *ristrettoStore) Increment(_ context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok, _ := s.get(key)
	var current int64
	if ok {
		n, err := strconv.ParseInt(string(body), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cache key %q does not contain a numeric value", key)
		}
		current = n
	}
	next := current + delta
	if !s.set(key, []byte(strconv.FormatInt(next, 10)), ttl) {
		return 0, fmt.Errorf("increment %q: %w", key, errRistrettoRejected)
	}
	return next, nil
}

func (s *ristrettoStore) Decrement(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return s.Increment(ctx, key, -delta, ttl)
}

func (s *ristrettoStore) Delete(_ context.Context, key string) error {
	s.cache.Del(key)
	s.cache.Wait()
	return nil
}

func (s *ristrettoStore) DeleteMany(_ context.Context, keys ...string) error {
	for _, key := range keys {
		s.cache.Del(key)
	}
	s.cache.Wait()
	return nil
}

func (s *ristrettoStore) Flush(context.Context) error {
	s.cache.Clear()
	return nil
}
