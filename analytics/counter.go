// Package analytics keeps per-item view and click counters in a memocache
// backend shared by every process.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goforj/memocache"
)

const (
	defaultStatsKey = "analytics:stats"
	// LockTTL is short because a counter update is a single read-modify-write.
	LockTTL           = 5 * time.Second
	defaultLockWait   = 2 * time.Second
	defaultStatsTTL   = 30 * 24 * time.Hour
	defaultSummaryTTL = 30 * time.Second
)

// ErrBusy is returned when the counter lock could not be taken in time.
var ErrBusy = errors.New("analytics: counter lock busy")

// Stats are the totals recorded for one item.
type Stats struct {
	Views  int64 `json:"views"`
	Clicks int64 `json:"clicks"`
}

// ClickThroughRate is Clicks/Views, or 0 without views.
func (s Stats) ClickThroughRate() float64 {
	if s.Views == 0 {
		return 0
	}
	return float64(s.Clicks) / float64(s.Views)
}

// Summary aggregates Stats across items.
type Summary struct {
	Items       int      `json:"items"`
	Views       int64    `json:"views"`
	Clicks      int64    `json:"clicks"`
	TopByClicks []string `json:"top_by_clicks"`
}

// Counter records events into a single JSON document under one key. Updates
// run under a 5s lock entry in the same backend so concurrent writers in
// different processes do not lose increments.
type Counter struct {
	cache      *memocache.Cache
	key        string
	lockWait   time.Duration
	statsTTL   time.Duration
	summaryTTL time.Duration
	topN       int
}

// Option configures a Counter.
type Option func(*Counter)

// WithKey stores the document under key instead of "analytics:stats".
func WithKey(key string) Option { return func(c *Counter) { c.key = key } }

// WithLockWait bounds how long a write waits for the counter lock.
func WithLockWait(d time.Duration) Option { return func(c *Counter) { c.lockWait = d } }

// WithSummaryTTL sets how long Summary results are memoized.
func WithSummaryTTL(d time.Duration) Option { return func(c *Counter) { c.summaryTTL = d } }

// WithTopN sets how many item ids Summary lists.
func WithTopN(n int) Option { return func(c *Counter) { c.topN = n } }

func NewCounter(cache *memocache.Cache, opts ...Option) *Counter {
	c := &Counter{
		cache:      cache,
		key:        defaultStatsKey,
		lockWait:   defaultLockWait,
		statsTTL:   defaultStatsTTL,
		summaryTTL: defaultSummaryTTL,
		topN:       5,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecordView adds one view for item.
func (c *Counter) RecordView(ctx context.Context, item string) error {
	return c.update(ctx, item, func(s *Stats) { s.Views++ })
}

// RecordClick adds one click for item.
func (c *Counter) RecordClick(ctx context.Context, item string) error {
	return c.update(ctx, item, func(s *Stats) { s.Clicks++ })
}

func (c *Counter) update(ctx context.Context, item string, apply func(*Stats)) error {
	if item == "" {
		return memocache.ErrEmptyKey
	}
	ctx, cancel := context.WithTimeout(ctx, c.lockWait)
	defer cancel()

	lock := c.cache.NewLockHandle(c.key, LockTTL)
	locked, err := lock.BlockCtx(ctx, 0, func(ctx context.Context) error {
		all, err := c.load(ctx)
		if err != nil {
			return err
		}
		s := all[item]
		apply(&s)
		all[item] = s
		if err := memocache.SetJSONCtx(ctx, c.cache, c.key, all, c.statsTTL); err != nil {
			return err
		}
		return c.bumpGeneration(ctx)
	})
	if !locked && (err == nil || errors.Is(err, context.DeadlineExceeded)) {
		return fmt.Errorf("%w after %s", ErrBusy, c.lockWait)
	}
	return err
}

// Stats returns the current counters for every item.
func (c *Counter) Stats(ctx context.Context) (map[string]Stats, error) {
	return c.load(ctx)
}

// Item returns the counters for one item; unknown items report zeros.
func (c *Counter) Item(ctx context.Context, item string) (Stats, error) {
	all, err := c.load(ctx)
	if err != nil {
		return Stats{}, err
	}
	return all[item], nil
}

// Summary returns totals, memoized for the summary TTL. Every write bumps a
// generation counter and summaries are keyed by generation, so a summary
// computed from stats read before a write is never served after it.
func (c *Counter) Summary(ctx context.Context) (Summary, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return Summary{}, err
	}
	return memocache.RememberJSONCtx(ctx, c.cache, c.summaryKey(gen), c.summaryTTL, func(ctx context.Context) (Summary, error) {
		all, err := c.load(ctx)
		if err != nil {
			return Summary{}, err
		}
		return summarize(all, c.topN), nil
	})
}

// Reset removes all counters.
func (c *Counter) Reset(ctx context.Context) error {
	if err := c.cache.DeleteCtx(ctx, c.key); err != nil {
		return err
	}
	return c.bumpGeneration(ctx)
}

func (c *Counter) load(ctx context.Context) (map[string]Stats, error) {
	all, ok, err := memocache.GetJSONCtx[map[string]Stats](ctx, c.cache, c.key)
	if err != nil {
		return nil, err
	}
	if !ok || all == nil {
		all = make(map[string]Stats)
	}
	return all, nil
}

func (c *Counter) generation(ctx context.Context) (int64, error) {
	body, ok, err := c.cache.GetCtx(ctx, c.generationKey())
	if err != nil || !ok {
		return 0, err
	}
	gen, err := strconv.ParseInt(string(body), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("analytics: generation %q: %w", body, err)
	}
	return gen, nil
}

func (c *Counter) bumpGeneration(ctx context.Context) error {
	_, err := c.cache.IncrementCtx(ctx, c.generationKey(), 1, c.statsTTL)
	return err
}

func (c *Counter) generationKey() string { return c.key + ":gen" }

func (c *Counter) summaryKey(gen int64) string {
	return c.key + ":summary:" + strconv.FormatInt(gen, 10)
}

func summarize(all map[string]Stats, topN int) Summary {
	out := Summary{Items: len(all)}
	ids := make([]string, 0, len(all))
	for id, s := range all {
		out.Views += s.Views
		out.Clicks += s.Clicks
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := all[ids[i]], all[ids[j]]
		if a.Clicks != b.Clicks {
			return a.Clicks > b.Clicks
		}
		return ids[i] < ids[j]
	})
	if len(ids) > topN {
		ids = ids[:topN]
	}
	out.TopByClicks = ids
	return out
}
