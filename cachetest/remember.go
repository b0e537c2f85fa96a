package cachetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goforj/memocache"
)

// RecordingSleeper returns immediately and remembers every requested wait.
type RecordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

// Sleep satisfies memocache.Sleeper.
func (r *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

// Waits returns the recorded waits in call order.
func (r *RecordingSleeper) Waits() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

// RunRememberContract checks Remember's stampede protection against store.
func RunRememberContract(t *testing.T, store memocache.Store, opts Options) {
	t.Helper()
	opts = opts.withDefaults(t)
	ctx := context.Background()
	key := opts.key

	t.Run("cold_then_hit", func(t *testing.T) {
		c := memocache.NewCache(store)
		var calls atomic.Int32
		fn := func() ([]byte, error) {
			calls.Add(1)
			return []byte("v1"), nil
		}
		for i := 0; i < 2; i++ {
			got, err := c.Remember(key("cold"), time.Minute, fn)
			if err != nil || string(got) != "v1" {
				t.Fatalf("remember #%d = %q, %v", i+1, got, err)
			}
		}
		want := int32(1)
		if opts.NullSemantics {
			want = 2
		}
		if calls.Load() != want {
			t.Fatalf("resolver ran %d times, want %d", calls.Load(), want)
		}
	})

	t.Run("releases_lock", func(t *testing.T) {
		c := memocache.NewCache(store)
		if _, err := c.Remember(key("price:42"), 300*time.Second, func() ([]byte, error) {
			return []byte("19.99"), nil
		}); err != nil {
			t.Fatalf("remember: %v", err)
		}
		if _, ok, err := store.Get(ctx, memocache.LockKey(key("price:42"))); err != nil || ok {
			t.Fatalf("lock entry survived: ok=%v err=%v", ok, err)
		}
		if opts.NullSemantics {
			return
		}
		body, ok, err := store.Get(ctx, key("price:42"))
		if err != nil || !ok || string(body) != "19.99" {
			t.Fatalf("stored value = %q, %v, %v", body, ok, err)
		}
	})

	t.Run("failing_resolver", func(t *testing.T) {
		c := memocache.NewCache(store)
		cause := errors.New("upstream down")
		_, err := c.Remember(key("fails"), time.Minute, func() ([]byte, error) {
			return nil, cause
		})
		var resolverErr *memocache.ResolverError
		if !errors.As(err, &resolverErr) || !errors.Is(err, cause) {
			t.Fatalf("remember error = %v; want ResolverError wrapping cause", err)
		}
		if _, ok, err := store.Get(ctx, memocache.LockKey(key("fails"))); err != nil || ok {
			t.Fatalf("failed resolver leaked its lock: ok=%v err=%v", ok, err)
		}
		if _, ok, _ := store.Get(ctx, key("fails")); ok {
			t.Fatalf("failed resolver stored a value")
		}
	})

	t.Run("stuck_lock_falls_back", func(t *testing.T) {
		if opts.NullSemantics {
			t.Skip("null store cannot hold a lock")
		}
		sleeper := &RecordingSleeper{}
		c := memocache.NewCache(store).WithSleeper(sleeper.Sleep)
		if _, err := store.Add(ctx, memocache.LockKey(key("stuck")), []byte("other"), time.Minute); err != nil {
			t.Fatalf("seed lock: %v", err)
		}
		t.Cleanup(func() { _ = store.Delete(ctx, memocache.LockKey(key("stuck"))) })

		got, err := c.Remember(key("stuck"), time.Minute, func() ([]byte, error) {
			return []byte("fallback"), nil
		})
		if err != nil || string(got) != "fallback" {
			t.Fatalf("remember = %q, %v", got, err)
		}
		waits := sleeper.Waits()
		if len(waits) != 2 || waits[0] != 500*time.Millisecond || waits[1] != time.Second {
			t.Fatalf("waits = %v; want [500ms 1s]", waits)
		}
	})

	t.Run("concurrent_callers", func(t *testing.T) {
		if opts.NullSemantics {
			t.Skip("null store runs every resolver")
		}
		c := memocache.NewCache(store).WithWaitSchedule(100*time.Millisecond, 200*time.Millisecond)
		var calls atomic.Int32
		fn := func() ([]byte, error) {
			calls.Add(1)
			time.Sleep(20 * time.Millisecond)
			return []byte("shared"), nil
		}
		var wg sync.WaitGroup
		results := make([]string, 2)
		errs := make([]error, 2)
		for i := range results {
			wg.Add(1)
			go func() {
				defer wg.Done()
				body, err := c.Remember(key("contended"), time.Minute, fn)
				results[i], errs[i] = string(body), err
			}()
		}
		wg.Wait()
		for i := range results {
			if errs[i] != nil || results[i] != "shared" {
				t.Fatalf("caller %d = %q, %v", i, results[i], errs[i])
			}
		}
		if n := calls.Load(); n < 1 || n > 2 {
			t.Fatalf("resolver ran %d times, want 1 or 2", n)
		}
	})
}
