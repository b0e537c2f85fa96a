package memocache

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"github.com/goforj/memocache/codec"
)

// Remember returns the cached value for key, or runs fn, stores its result for
// ttl and returns it.
//
// On a miss the caller first tries to take the key's lock (LockKey(key)) with
// the store's atomic Add. The winner runs fn, stores the value and deletes the
// lock, also when fn fails. A caller that finds the lock held re-reads the key
// after each wait of the wait schedule (500ms, then 1s by default) and returns
// the winner's value once it appears. If it never does, the caller runs fn
// itself without the lock so that a slow or crashed holder cannot stall it.
//
// Resolver failures come back as *ResolverError and store failures as
// *BackendError; neither is retried.
//
// Example: remember bytes
//
//	c := memocache.NewCache(memocache.NewMemoryStore(ctx))
//	data, err := c.Remember("dashboard:summary", time.Minute, func() ([]byte, error) {
//		return []byte("payload"), nil
//	})
//	fmt.Println(err == nil, string(data)) // true payload
func (c *Cache) Remember(key string, ttl time.Duration, fn func() ([]byte, error)) ([]byte, error) {
	var resolve func(context.Context) ([]byte, error)
	if fn != nil {
		resolve = func(context.Context) ([]byte, error) { return fn() }
	}
	return c.RememberCtx(context.Background(), key, ttl, resolve)
}

// RememberCtx is the context-aware variant of Remember. ctx is passed to fn and
// cancels the waits; lock release is not cancelled by ctx.
func (c *Cache) RememberCtx(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	start := time.Now()
	body, hit, err := c.remember(ctx, key, ttl, fn)
	c.observe(ctx, "remember", key, hit, err, start)
	return body, err
}

func (c *Cache) remember(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) ([]byte, error)) ([]byte, bool, error) {
	if key == "" {
		return nil, false, ErrEmptyKey
	}
	if fn == nil {
		return nil, false, ErrNilResolver
	}

	body, ok, err := c.store.Get(ctx, key)
	if err != nil {
		return nil, false, c.backendErr("get", key, err)
	}
	if ok {
		return body, true, nil
	}

	lockKey := LockKey(key)
	locked, err := c.store.Add(ctx, lockKey, []byte(c.token()), c.lockTimeout)
	if err != nil {
		return nil, false, c.backendErr("add", lockKey, err)
	}
	if locked {
		body, err := c.resolveLocked(ctx, key, lockKey, ttl, fn)
		return body, false, err
	}

	c.logger.Debug("remember lock held by another caller, waiting", Fields{
		"key":    key,
		"driver": string(c.Driver()),
	})
	for _, wait := range c.waits {
		if err := c.sleep(ctx, wait); err != nil {
			return nil, false, err
		}
		body, ok, err := c.store.Get(ctx, key)
		if err != nil {
			return nil, false, c.backendErr("get", key, err)
		}
		if ok {
			return body, true, nil
		}
	}

	c.logger.Warn("remember lock holder did not store a value in time, computing without lock", Fields{
		"key":          key,
		"driver":       string(c.Driver()),
		"lock_timeout": c.lockTimeout.String(),
	})
	body, err = c.resolveAndStore(ctx, key, ttl, fn, true)
	return body, false, err
}

// resolveLocked runs fn while holding lockKey and always releases it.
func (c *Cache) resolveLocked(ctx context.Context, key, lockKey string, ttl time.Duration, fn func(context.Context) ([]byte, error)) (body []byte, err error) {
	defer func() {
		releaseErr := c.store.Delete(context.WithoutCancel(ctx), lockKey)
		if releaseErr == nil {
			return
		}
		c.logger.Error("remember lock release failed", Fields{
			"key":      key,
			"lock_key": lockKey,
			"error":    releaseErr.Error(),
		})
		body = nil
		err = multierr.Append(err, c.backendErr("delete", lockKey, releaseErr))
	}()
	return c.resolveAndStore(ctx, key, ttl, fn, false)
}

func (c *Cache) resolveAndStore(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) ([]byte, error), fallback bool) ([]byte, error) {
	body, err := fn(ctx)
	if err != nil {
		c.logger.Debug("remember resolver failed", Fields{
			"key":      key,
			"fallback": fallback,
			"error":    err.Error(),
		})
		return nil, &ResolverError{Key: key, Fallback: fallback, Err: err}
	}
	if err := c.store.Set(ctx, key, body, c.resolveTTL(ttl)); err != nil {
		return nil, c.backendErr("set", key, err)
	}
	return body, nil
}

// RememberString is Remember for string values.
//
// Example: remember string
//
//	val, err := c.RememberString("settings:mode", time.Minute, func() (string, error) {
//		return "on", nil
//	})
//	fmt.Println(err == nil, val) // true on
func (c *Cache) RememberString(key string, ttl time.Duration, fn func() (string, error)) (string, error) {
	var resolve func(context.Context) (string, error)
	if fn != nil {
		resolve = func(context.Context) (string, error) { return fn() }
	}
	return c.RememberStringCtx(context.Background(), key, ttl, resolve)
}

func (c *Cache) RememberStringCtx(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) (string, error)) (string, error) {
	var resolve func(context.Context) ([]byte, error)
	if fn != nil {
		resolve = func(ctx context.Context) ([]byte, error) {
			s, err := fn(ctx)
			if err != nil {
				return nil, err
			}
			return []byte(s), nil
		}
	}
	body, err := c.RememberCtx(ctx, key, ttl, resolve)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// RememberJSON is the typed remember helper using JSON encoding.
//
// Example: remember JSON
//
//	type Settings struct { Enabled bool `json:"enabled"` }
//	settings, err := memocache.RememberJSON[Settings](c, "settings:alerts", time.Minute, func() (Settings, error) {
//		return Settings{Enabled: true}, nil
//	})
//	fmt.Println(err == nil, settings.Enabled) // true true
func RememberJSON[T any](c *Cache, key string, ttl time.Duration, fn func() (T, error)) (T, error) {
	var resolve func(context.Context) (T, error)
	if fn != nil {
		resolve = func(context.Context) (T, error) { return fn() }
	}
	return RememberJSONCtx(context.Background(), c, key, ttl, resolve)
}

// RememberJSONCtx is the context-aware variant of RememberJSON.
func RememberJSONCtx[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(context.Context) (T, error)) (T, error) {
	return RememberValueWithCodec[T](ctx, c, key, ttl, fn, codec.JSON[T]{})
}

// RememberValue is RememberJSON under the name used for non-JSON-specific call sites.
func RememberValue[T any](c *Cache, key string, ttl time.Duration, fn func() (T, error)) (T, error) {
	return RememberJSON(c, key, ttl, fn)
}

// RememberValueWithCodec runs the stampede-protected Remember path with a custom codec.
// A freshly computed value is returned as-is; a cached one is decoded.
func RememberValueWithCodec[T any](ctx context.Context, c *Cache, key string, ttl time.Duration, fn func(context.Context) (T, error), vc codec.Codec[T]) (T, error) {
	var zero T
	var (
		computed T
		fresh    bool
		resolve  func(context.Context) ([]byte, error)
	)
	if fn != nil {
		resolve = func(ctx context.Context) ([]byte, error) {
			val, err := fn(ctx)
			if err != nil {
				return nil, err
			}
			body, err := vc.Encode(val)
			if err != nil {
				return nil, err
			}
			computed, fresh = val, true
			return body, nil
		}
	}
	body, err := c.RememberCtx(ctx, key, ttl, resolve)
	if err != nil {
		return zero, err
	}
	if fresh {
		return computed, nil
	}
	return vc.Decode(body)
}

// GetJSON decodes a JSON value into T when key exists.
func GetJSON[T any](c *Cache, key string) (T, bool, error) {
	return GetJSONCtx[T](context.Background(), c, key)
}

// GetJSONCtx is the context-aware variant of GetJSON.
func GetJSONCtx[T any](ctx context.Context, c *Cache, key string) (T, bool, error) {
	var zero T
	body, ok, err := c.GetCtx(ctx, key)
	if err != nil || !ok {
		return zero, ok, err
	}
	out, err := codec.JSON[T]{}.Decode(body)
	if err != nil {
		return zero, false, err
	}
	return out, true, nil
}

// SetJSON encodes value as JSON and writes it to key.
func SetJSON[T any](c *Cache, key string, value T, ttl time.Duration) error {
	return SetJSONCtx(context.Background(), c, key, value, ttl)
}

// SetJSONCtx is the context-aware variant of SetJSON.
func SetJSONCtx[T any](ctx context.Context, c *Cache, key string, value T, ttl time.Duration) error {
	body, err := codec.JSON[T]{}.Encode(value)
	if err != nil {
		return err
	}
	return c.SetCtx(ctx, key, body, ttl)
}
