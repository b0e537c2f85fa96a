package memocache

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// WarmJob describes one key to pre-populate with Warm.
type WarmJob struct {
	Key     string
	TTL     time.Duration
	Resolve func(context.Context) ([]byte, error)
}

// Warm runs Remember for every job, at most limit at a time (limit <= 0 means
// no limit). Keys that are already cached are left alone. The first error
// cancels the context seen by the remaining jobs and is returned.
func (c *Cache) Warm(ctx context.Context, limit int, jobs ...WarmJob) error {
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	for _, job := range jobs {
		g.Go(func() error {
			_, err := c.RememberCtx(gctx, job.Key, job.TTL, job.Resolve)
			return err
		})
	}
	return g.Wait()
}
