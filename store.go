package memocache

import (
	"context"
	"io"
	"time"
)

// Store is the backend contract Cache is built on.
//
// Add is the atomic set-if-absent primitive: it must create the key and report
// true in a single indivisible step, or report false when the key already holds
// a live (unexpired) value. Remember and the lock helpers rely on it for mutual
// exclusion, so a Store whose Add is a check-then-set is not safe to share
// between processes.
//
// Get reports a miss as (nil, false, nil). Delete of an absent key is not an error.
type Store interface {
	Driver() Driver
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Decrement(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys ...string) error
	Flush(ctx context.Context) error
}

func cloneBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

// closeInner closes a wrapped store that holds resources, such as the sql pool.
func closeInner(inner Store) error {
	if c, ok := inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
