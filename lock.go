package memocache

import (
	"context"
	"errors"
	"time"
)

// TryLock makes a single attempt to take the lock guarding key.
//
// The lock entry is LockKey(key), the same entry Remember uses, so holding it
// also holds back Remember winners for key until it is released or expires.
//
// Example: try lock
//
//	c := memocache.NewCache(memocache.NewMemoryStore(ctx))
//	locked, _ := c.TryLock("job:sync", 10*time.Second)
//	fmt.Println(locked) // true
func (c *Cache) TryLock(key string, ttl time.Duration) (bool, error) {
	return c.TryLockCtx(context.Background(), key, ttl)
}

func (c *Cache) TryLockCtx(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = c.lockTimeout
	}
	start := time.Now()
	lockKey := LockKey(key)
	locked, err := c.store.Add(ctx, lockKey, []byte(c.token()), ttl)
	err = c.backendErr("add", lockKey, err)
	c.observe(ctx, "try_lock", key, locked, err, start)
	return locked, err
}

// Lock retries TryLock until it succeeds or timeout elapses.
// timeout <= 0 makes a single attempt.
func (c *Cache) Lock(key string, ttl, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		return c.TryLock(key, ttl)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	locked, err := c.LockCtx(ctx, key, ttl, defaultLockRetry)
	if errors.Is(err, context.DeadlineExceeded) {
		return false, nil
	}
	return locked, err
}

// LockCtx retries TryLockCtx every retryInterval until it succeeds or ctx is done.
// retryInterval <= 0 uses 25ms.
func (c *Cache) LockCtx(ctx context.Context, key string, ttl, retryInterval time.Duration) (bool, error) {
	if retryInterval <= 0 {
		retryInterval = defaultLockRetry
	}
	for {
		locked, err := c.TryLockCtx(ctx, key, ttl)
		if err != nil || locked {
			return locked, err
		}
		if err := c.sleep(ctx, retryInterval); err != nil {
			return false, err
		}
	}
}

// Unlock deletes the lock entry for key. It does not check ownership.
func (c *Cache) Unlock(key string) error {
	return c.UnlockCtx(context.Background(), key)
}

func (c *Cache) UnlockCtx(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	start := time.Now()
	lockKey := LockKey(key)
	err := c.backendErr("delete", lockKey, c.store.Delete(ctx, lockKey))
	c.observe(ctx, "unlock", key, err == nil, err, start)
	return err
}
