package memocache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

var errLockCallback = errors.New("memocache: lock handle requires a callback")

// LockHandle wraps TryLock/Lock/Unlock for one key and ttl and adds
// callback-based helpers that release automatically.
//
// Release deletes the lock entry without owner validation. A holder that
// outlives ttl may release a lock someone else has since taken.
type LockHandle struct {
	cache *Cache
	key   string
	ttl   time.Duration
	held  atomic.Bool
}

// NewLockHandle creates a reusable lock handle for a key/ttl pair.
//
// Example: lock handle acquire/release
//
//	lock := c.NewLockHandle("job:sync", 10*time.Second)
//	locked, err := lock.Acquire()
//	fmt.Println(err == nil, locked) // true true
//	if locked {
//		_ = lock.Release()
//	}
func (c *Cache) NewLockHandle(key string, ttl time.Duration) *LockHandle {
	return &LockHandle{cache: c, key: key, ttl: ttl}
}

// Key reports the key this handle guards.
func (l *LockHandle) Key() string { return l.key }

// Held reports whether this handle currently believes it holds the lock.
func (l *LockHandle) Held() bool { return l.held.Load() }

// Acquire attempts to take the lock once.
func (l *LockHandle) Acquire() (bool, error) {
	return l.AcquireCtx(context.Background())
}

func (l *LockHandle) AcquireCtx(ctx context.Context) (bool, error) {
	locked, err := l.cache.TryLockCtx(ctx, l.key, l.ttl)
	if locked && err == nil {
		l.held.Store(true)
	}
	return locked, err
}

// Release unlocks the key if this handle acquired it. Repeated calls are no-ops.
func (l *LockHandle) Release() error {
	return l.ReleaseCtx(context.Background())
}

func (l *LockHandle) ReleaseCtx(ctx context.Context) error {
	if !l.held.Load() {
		return nil
	}
	if err := l.cache.UnlockCtx(ctx, l.key); err != nil {
		return err
	}
	l.held.Store(false)
	return nil
}

// Get takes the lock once, runs fn if it did, then releases.
func (l *LockHandle) Get(fn func() error) (bool, error) {
	return l.GetCtx(context.Background(), func(context.Context) error {
		if fn == nil {
			return errLockCallback
		}
		return fn()
	})
}

func (l *LockHandle) GetCtx(ctx context.Context, fn func(context.Context) error) (bool, error) {
	if fn == nil {
		return false, errLockCallback
	}
	locked, err := l.AcquireCtx(ctx)
	if err != nil || !locked {
		return locked, err
	}
	defer func() { _ = l.ReleaseCtx(context.WithoutCancel(ctx)) }()
	return true, fn(ctx)
}

// Block waits up to timeout for the lock, runs fn, then releases.
// retryInterval <= 0 uses the cache default.
func (l *LockHandle) Block(timeout, retryInterval time.Duration, fn func() error) (bool, error) {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return l.BlockCtx(ctx, retryInterval, func(context.Context) error {
		if fn == nil {
			return errLockCallback
		}
		return fn()
	})
}

func (l *LockHandle) BlockCtx(ctx context.Context, retryInterval time.Duration, fn func(context.Context) error) (bool, error) {
	if fn == nil {
		return false, errLockCallback
	}
	locked, err := l.cache.LockCtx(ctx, l.key, l.ttl, retryInterval)
	if err != nil || !locked {
		return locked, err
	}
	l.held.Store(true)
	defer func() { _ = l.ReleaseCtx(context.WithoutCancel(ctx)) }()
	return true, fn(ctx)
}
