package memocache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryLockAndUnlock(t *testing.T) {
	store := newTestMemoryStore()
	c := NewCache(store)

	locked, err := c.TryLock("job", time.Minute)
	if err != nil || !locked {
		t.Fatalf("first try lock = %v, %v", locked, err)
	}
	if locked, _ := c.TryLock("job", time.Minute); locked {
		t.Fatalf("second try lock should fail while held")
	}
	if _, ok, _ := store.Get(context.Background(), "job:lock"); !ok {
		t.Fatalf("lock entry not written under job:lock")
	}
	if err := c.Unlock("job"); err != nil {
		t.Fatalf("unlock failed: %v", err)
	}
	if locked, _ := c.TryLock("job", time.Minute); !locked {
		t.Fatalf("lock not available after unlock")
	}
}

func TestTryLockDefaultsToLockTimeout(t *testing.T) {
	store := newTestMemoryStore()
	c := NewCache(store).WithLockTimeout(7 * time.Second)
	if _, err := c.TryLock("job", 0); err != nil {
		t.Fatalf("try lock failed: %v", err)
	}
	if left := expiryOf(t, store, "job:lock"); left < 6*time.Second || left > 7*time.Second {
		t.Fatalf("lock expires in %s, want ~7s", left)
	}
}

func TestLockRejectsEmptyKey(t *testing.T) {
	c := NewCache(newTestMemoryStore())
	if _, err := c.TryLock("", time.Second); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("try lock error = %v", err)
	}
	if err := c.Unlock(""); !errors.Is(err, ErrEmptyKey) {
		t.Fatalf("unlock error = %v", err)
	}
}

func TestLockTimesOutWhileHeld(t *testing.T) {
	c := NewCache(newTestMemoryStore())
	_, _ = c.TryLock("job", time.Minute)

	locked, err := c.Lock("job", time.Minute, 60*time.Millisecond)
	if err != nil || locked {
		t.Fatalf("lock = %v, %v; want false, nil after timeout", locked, err)
	}
}

func TestLockCtxRetriesUntilReleased(t *testing.T) {
	c := NewCache(newTestMemoryStore())
	_, _ = c.TryLock("job", time.Minute)

	sleeper := &fakeSleeper{hook: func(n int) {
		if n == 3 {
			_ = c.Unlock("job")
		}
	}}
	c.WithSleeper(sleeper.Sleep)

	locked, err := c.LockCtx(context.Background(), "job", time.Minute, 0)
	if err != nil || !locked {
		t.Fatalf("lock ctx = %v, %v", locked, err)
	}
	waits := sleeper.recorded()
	if len(waits) != 3 || waits[0] != defaultLockRetry {
		t.Fatalf("waits = %v", waits)
	}
}

func TestLockCtxReturnsContextError(t *testing.T) {
	c := NewCache(newTestMemoryStore())
	_, _ = c.TryLock("job", time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.LockCtx(ctx, "job", time.Minute, time.Millisecond); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestLockHandleAcquireRelease(t *testing.T) {
	c := NewCache(newTestMemoryStore())
	h := c.NewLockHandle("sync", time.Minute)

	if h.Key() != "sync" || h.Held() {
		t.Fatalf("fresh handle state wrong")
	}
	locked, err := h.Acquire()
	if err != nil || !locked || !h.Held() {
		t.Fatalf("acquire = %v, %v, held=%v", locked, err, h.Held())
	}
	other := c.NewLockHandle("sync", time.Minute)
	if locked, _ := other.Acquire(); locked {
		t.Fatalf("second handle acquired a held lock")
	}
	if err := other.Release(); err != nil {
		t.Fatalf("release of unheld handle: %v", err)
	}
	if locked, _ := c.TryLock("sync", time.Minute); locked {
		t.Fatalf("unheld handle released someone else's lock")
	}
	if err := h.Release(); err != nil || h.Held() {
		t.Fatalf("release = %v, held=%v", err, h.Held())
	}
	if err := h.Release(); err != nil {
		t.Fatalf("repeated release: %v", err)
	}
}

func TestLockHandleGetRunsOnlyWhenAcquired(t *testing.T) {
	c := NewCache(newTestMemoryStore())
	h := c.NewLockHandle("once", time.Minute)

	ran := false
	locked, err := h.Get(func() error { ran = true; return nil })
	if err != nil || !locked || !ran {
		t.Fatalf("get = %v, %v, ran=%v", locked, err, ran)
	}
	if h.Held() {
		t.Fatalf("lock not released after callback")
	}

	_, _ = c.TryLock("once", time.Minute)
	ran = false
	locked, err = h.Get(func() error { ran = true; return nil })
	if err != nil || locked || ran {
		t.Fatalf("contended get = %v, %v, ran=%v", locked, err, ran)
	}

	if _, err := h.Get(nil); !errors.Is(err, errLockCallback) {
		t.Fatalf("nil callback error = %v", err)
	}
}

func TestLockHandleBlockSerializesCallers(t *testing.T) {
	c := NewCache(newTestMemoryStore())

	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := c.NewLockHandle("critical", time.Second)
			locked, err := h.Block(2*time.Second, 2*time.Millisecond, func() error {
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			if err != nil || !locked {
				t.Errorf("block = %v, %v", locked, err)
			}
		}()
	}
	wg.Wait()
	if maxSeen.Load() != 1 {
		t.Fatalf("%d callers inside the critical section at once", maxSeen.Load())
	}
}

func TestLockHandleBlockReturnsCallbackError(t *testing.T) {
	c := NewCache(newTestMemoryStore())
	h := c.NewLockHandle("k", time.Minute)
	boom := errors.New("boom")

	locked, err := h.Block(time.Second, 0, func() error { return boom })
	if !locked || !errors.Is(err, boom) {
		t.Fatalf("block = %v, %v", locked, err)
	}
	if h.Held() {
		t.Fatalf("lock kept after failing callback")
	}
}
