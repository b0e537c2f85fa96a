// Package settings memoizes an application settings document loaded from a
// slow source, such as a database row or a remote config service.
package settings

import (
	"context"
	"errors"
	"time"

	"github.com/goforj/memocache"
)

const defaultTTL = 10 * time.Minute

var errNilSource = errors.New("settings: nil source")

// Source fetches the authoritative settings document.
type Source[T any] func(ctx context.Context) (T, error)

// Loader returns the settings document through Remember, so a cold cache
// triggers one source read across all processes sharing the backend.
type Loader[T any] struct {
	cache  *memocache.Cache
	key    string
	ttl    time.Duration
	source Source[T]
}

// NewLoader builds a loader for the document stored under key. ttl <= 0 uses ten minutes.
func NewLoader[T any](cache *memocache.Cache, key string, ttl time.Duration, source Source[T]) *Loader[T] {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Loader[T]{cache: cache, key: key, ttl: ttl, source: source}
}

// Load returns the cached document or reads it from the source.
func (l *Loader[T]) Load(ctx context.Context) (T, error) {
	if l.source == nil {
		var zero T
		return zero, errNilSource
	}
	return memocache.RememberJSONCtx(ctx, l.cache, l.key, l.ttl, func(ctx context.Context) (T, error) {
		return l.source(ctx)
	})
}

// Store writes doc to the cache, for callers that just persisted it.
func (l *Loader[T]) Store(ctx context.Context, doc T) error {
	return memocache.SetJSONCtx(ctx, l.cache, l.key, doc, l.ttl)
}

// Invalidate drops the cached document; the next Load reads the source.
func (l *Loader[T]) Invalidate(ctx context.Context) error {
	return l.cache.DeleteCtx(ctx, l.key)
}
