// Package memocachefake provides an in-memory memocache.Cache that records
// every store call, for asserting cache behaviour in tests of calling code.
package memocachefake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/goforj/memocache"
)

// Op names a store operation.
type Op string

const (
	OpGet        Op = "get"
	OpSet        Op = "set"
	OpAdd        Op = "add"
	OpIncrement  Op = "increment"
	OpDecrement  Op = "decrement"
	OpDelete     Op = "delete"
	OpDeleteMany Op = "delete_many"
	OpFlush      Op = "flush"
)

// Fake is a memory-backed cache with per-op, per-key call counts.
type Fake struct {
	cache *memocache.Cache

	mu     sync.Mutex
	counts map[Op]map[string]int
}

// New returns a Fake. Remember waits on it return immediately so lock
// contention tests do not sleep.
func New() *Fake {
	f := &Fake{counts: make(map[Op]map[string]int)}
	store := &recordingStore{inner: memocache.NewMemoryStore(context.Background()), record: f.record}
	f.cache = memocache.NewCache(store).WithSleeper(func(ctx context.Context, _ time.Duration) error {
		return ctx.Err()
	})
	return f
}

// Cache is the cache to inject into the code under test.
func (f *Fake) Cache() *memocache.Cache { return f.cache }

// Reset forgets all recorded calls. Stored values are kept.
func (f *Fake) Reset() {
	f.mu.Lock()
	f.counts = make(map[Op]map[string]int)
	f.mu.Unlock()
}

// Count is the number of op calls on key.
func (f *Fake) Count(op Op, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counts[op][key]
}

// Total is the number of op calls across all keys.
func (f *Fake) Total(op Op) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.counts[op] {
		total += n
	}
	return total
}

func (f *Fake) AssertCalled(t testing.TB, op Op, key string, times int) {
	t.Helper()
	if got := f.Count(op, key); got != times {
		t.Fatalf("%s %q called %d times, want %d", op, key, got, times)
	}
}

func (f *Fake) AssertNotCalled(t testing.TB, op Op, key string) {
	t.Helper()
	if got := f.Count(op, key); got != 0 {
		t.Fatalf("%s %q called %d times, want none", op, key, got)
	}
}

func (f *Fake) AssertTotal(t testing.TB, op Op, times int) {
	t.Helper()
	if got := f.Total(op); got != times {
		t.Fatalf("%s called %d times in total, want %d", op, got, times)
	}
}

func (f *Fake) record(op Op, key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts[op] == nil {
		f.counts[op] = make(map[string]int)
	}
	f.counts[op][key]++
}

type recordingStore struct {
	inner  memocache.Store
	record func(Op, string)
}

func (s *recordingStore) Driver() memocache.Driver { return s.inner.Driver() }

func (s *recordingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.record(OpGet, key)
	return s.inner.Get(ctx, key)
}

func (s *recordingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.record(OpSet, key)
	return s.inner.Set(ctx, key, value, ttl)
}

func (s *recordingStore) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.record(OpAdd, key)
	return s.inner.Add(ctx, key, value, ttl)
}

func (s *recordingStore) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.record(OpIncrement, key)
	return s.inner.Increment(ctx, key, delta, ttl)
}

func (s *recordingStore) Decrement(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	s.record(OpDecrement, key)
	return s.inner.Decrement(ctx, key, delta, ttl)
}

func (s *recordingStore) Delete(ctx context.Context, key string) error {
	s.record(OpDelete, key)
	return s.inner.Delete(ctx, key)
}

func (s *recordingStore) DeleteMany(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		s.record(OpDeleteMany, key)
	}
	return s.inner.DeleteMany(ctx, keys...)
}

func (s *recordingStore) Flush(ctx context.Context) error {
	s.record(OpFlush, "")
	return s.inner.Flush(ctx)
}
