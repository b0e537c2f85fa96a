package memocache

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	defaultLockTimeout = 30 * time.Second
	defaultLockRetry   = 25 * time.Millisecond
	defaultFirstWait   = 500 * time.Millisecond
	defaultSecondWait  = time.Second
	lockKeySuffix      = ":lock"
)

// Sleeper pauses for d or until ctx is done, whichever comes first.
type Sleeper func(ctx context.Context, d time.Duration) error

// Cache is the application-facing API on top of a Store. Remember adds
// stampede protection: concurrent callers for the same missing key elect one
// resolver through a lock entry held in the same store.
type Cache struct {
	store       Store
	defaultTTL  time.Duration
	lockTimeout time.Duration
	waits       []time.Duration
	sleep       Sleeper
	logger      Logger
	observer    Observer
	token       func() string
}

// NewCache creates a cache bound to a concrete store.
//
// Example: cache from store
//
//	ctx := context.Background()
//	c := memocache.NewCache(memocache.NewMemoryStore(ctx))
//	fmt.Println(c.Driver()) // memory
func NewCache(store Store) *Cache {
	return NewCacheWithTTL(store, defaultCacheTTL)
}

// NewCacheWithTTL lets callers override the default TTL applied when ttl <= 0.
func NewCacheWithTTL(store Store, defaultTTL time.Duration) *Cache {
	if defaultTTL <= 0 {
		defaultTTL = defaultCacheTTL
	}
	return &Cache{
		store:       store,
		defaultTTL:  defaultTTL,
		lockTimeout: defaultLockTimeout,
		waits:       []time.Duration{defaultFirstWait, defaultSecondWait},
		sleep:       sleepCtx,
		logger:      NopLogger{},
		token:       uuid.NewString,
	}
}

// WithObserver attaches an observer to receive operation events.
func (c *Cache) WithObserver(o Observer) *Cache {
	c.observer = o
	return c
}

// WithLogger attaches a structured logger. nil restores the no-op logger.
func (c *Cache) WithLogger(l Logger) *Cache {
	if l == nil {
		l = NopLogger{}
	}
	c.logger = l
	return c
}

// WithLockTimeout sets how long a Remember lock lives in the store before it
// expires on its own. It bounds how long a crashed holder can block winners.
func (c *Cache) WithLockTimeout(d time.Duration) *Cache {
	if d > 0 {
		c.lockTimeout = d
	}
	return c
}

// WithWaitSchedule replaces the waits a Remember caller performs while another
// caller holds the lock. After the last wait the caller computes on its own.
// The default is 500ms then 1s.
func (c *Cache) WithWaitSchedule(waits ...time.Duration) *Cache {
	c.waits = append([]time.Duration(nil), waits...)
	return c
}

// WithSleeper replaces the function used for Remember and Lock waits.
func (c *Cache) WithSleeper(s Sleeper) *Cache {
	if s == nil {
		s = sleepCtx
	}
	c.sleep = s
	return c
}

// Store returns the underlying store implementation.
func (c *Cache) Store() Store {
	return c.store
}

// Driver reports the underlying store driver.
func (c *Cache) Driver() Driver {
	return c.store.Driver()
}

// LockTimeout reports the TTL given to Remember lock entries.
func (c *Cache) LockTimeout() time.Duration {
	return c.lockTimeout
}

// LockKey derives the lock entry key that guards regeneration of key.
func LockKey(key string) string {
	return key + lockKeySuffix
}

// Get returns raw bytes for key when present. A miss is (nil, false, nil).
//
// Example: get bytes
//
//	c := memocache.NewCache(memocache.NewMemoryStore(ctx))
//	_ = c.Set("user:42", []byte("Ada"), time.Minute)
//	value, ok, _ := c.Get("user:42")
//	fmt.Println(ok, string(value)) // true Ada
func (c *Cache) Get(key string) ([]byte, bool, error) {
	return c.GetCtx(context.Background(), key)
}

func (c *Cache) GetCtx(ctx context.Context, key string) ([]byte, bool, error) {
	start := time.Now()
	body, ok, err := c.store.Get(ctx, key)
	err = c.backendErr("get", key, err)
	c.observe(ctx, "get", key, ok, err, start)
	return body, ok, err
}

// GetString returns a string value for key when present.
func (c *Cache) GetString(key string) (string, bool, error) {
	return c.GetStringCtx(context.Background(), key)
}

func (c *Cache) GetStringCtx(ctx context.Context, key string) (string, bool, error) {
	body, ok, err := c.GetCtx(ctx, key)
	if err != nil || !ok {
		return "", ok, err
	}
	return string(body), true, nil
}

// Set writes raw bytes to key. ttl <= 0 uses the cache default TTL.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) error {
	return c.SetCtx(context.Background(), key, value, ttl)
}

func (c *Cache) SetCtx(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	start := time.Now()
	err := c.backendErr("set", key, c.store.Set(ctx, key, value, c.resolveTTL(ttl)))
	c.observe(ctx, "set", key, false, err, start)
	return err
}

// SetString writes a string value to key.
func (c *Cache) SetString(key string, value string, ttl time.Duration) error {
	return c.SetCtx(context.Background(), key, []byte(value), ttl)
}

func (c *Cache) SetStringCtx(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.SetCtx(ctx, key, []byte(value), ttl)
}

// Add writes value only when key is not already present and reports whether it did.
func (c *Cache) Add(key string, value []byte, ttl time.Duration) (bool, error) {
	return c.AddCtx(context.Background(), key, value, ttl)
}

func (c *Cache) AddCtx(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	start := time.Now()
	created, err := c.store.Add(ctx, key, value, c.resolveTTL(ttl))
	err = c.backendErr("add", key, err)
	c.observe(ctx, "add", key, created, err, start)
	return created, err
}

// Increment adds delta to a numeric value and returns the result.
func (c *Cache) Increment(key string, delta int64, ttl time.Duration) (int64, error) {
	return c.IncrementCtx(context.Background(), key, delta, ttl)
}

func (c *Cache) IncrementCtx(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	start := time.Now()
	val, err := c.store.Increment(ctx, key, delta, c.resolveTTL(ttl))
	err = c.backendErr("increment", key, err)
	c.observe(ctx, "increment", key, err == nil, err, start)
	return val, err
}

// Decrement subtracts delta from a numeric value and returns the result.
func (c *Cache) Decrement(key string, delta int64, ttl time.Duration) (int64, error) {
	return c.DecrementCtx(context.Background(), key, delta, ttl)
}

func (c *Cache) DecrementCtx(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	start := time.Now()
	val, err := c.store.Decrement(ctx, key, delta, c.resolveTTL(ttl))
	err = c.backendErr("decrement", key, err)
	c.observe(ctx, "decrement", key, err == nil, err, start)
	return val, err
}

// Pull returns the value for key and removes it.
func (c *Cache) Pull(key string) ([]byte, bool, error) {
	return c.PullCtx(context.Background(), key)
}

func (c *Cache) PullCtx(ctx context.Context, key string) ([]byte, bool, error) {
	body, ok, err := c.GetCtx(ctx, key)
	if err != nil || !ok {
		return nil, ok, err
	}
	if err := c.DeleteCtx(ctx, key); err != nil {
		return nil, false, err
	}
	return body, true, nil
}

// Delete removes a single key. Deleting an absent key is not an error.
func (c *Cache) Delete(key string) error {
	return c.DeleteCtx(context.Background(), key)
}

func (c *Cache) DeleteCtx(ctx context.Context, key string) error {
	start := time.Now()
	err := c.backendErr("delete", key, c.store.Delete(ctx, key))
	c.observe(ctx, "delete", key, err == nil, err, start)
	return err
}

// DeleteMany removes several keys.
func (c *Cache) DeleteMany(keys ...string) error {
	return c.DeleteManyCtx(context.Background(), keys...)
}

func (c *Cache) DeleteManyCtx(ctx context.Context, keys ...string) error {
	start := time.Now()
	err := c.store.DeleteMany(ctx, keys...)
	for _, key := range keys {
		c.observe(ctx, "delete_many", key, err == nil, err, start)
	}
	return c.backendErr("delete_many", "", err)
}

// Flush clears every key in this store scope.
func (c *Cache) Flush() error {
	return c.FlushCtx(context.Background())
}

func (c *Cache) FlushCtx(ctx context.Context) error {
	start := time.Now()
	err := c.backendErr("flush", "", c.store.Flush(ctx))
	c.observe(ctx, "flush", "", err == nil, err, start)
	return err
}

func (c *Cache) resolveTTL(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return c.defaultTTL
}

func (c *Cache) backendErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return &BackendError{Op: op, Key: key, Driver: c.store.Driver(), Err: err}
}

func (c *Cache) observe(ctx context.Context, op, key string, hit bool, err error, start time.Time) {
	if c.observer == nil {
		return
	}
	c.observer.OnCacheOp(ctx, op, key, hit, err, time.Since(start), c.Driver())
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
