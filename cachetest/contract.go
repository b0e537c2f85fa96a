package cachetest

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/goforj/memocache"
)

// Options tunes the shared suites for a particular backend.
type Options struct {
	// CaseName namespaces keys. Defaults to t.Name().
	CaseName string
	// NullSemantics relaxes expectations for a store that retains nothing.
	NullSemantics bool
	// SkipCloneCheck disables the "Get returns a private copy" assertion.
	SkipCloneCheck bool
	// TTL is the short expiry used by the expiry checks.
	TTL time.Duration
	// TTLWait bounds how long the suite polls for an expired key to disappear.
	TTLWait time.Duration
	// SkipFlush disables the Flush check for shared backends.
	SkipFlush bool
}

func (o Options) withDefaults(t *testing.T) Options {
	if o.CaseName == "" {
		o.CaseName = t.Name()
	}
	if o.TTL <= 0 {
		o.TTL = 50 * time.Millisecond
	}
	if o.TTLWait <= 0 {
		o.TTLWait = 150 * time.Millisecond
	}
	return o
}

func (o Options) key(s string) string {
	return sanitize(o.CaseName) + ":" + s
}

// RunStoreContract checks the Store contract every driver must honour.
func RunStoreContract(t *testing.T, store memocache.Store, opts Options) {
	t.Helper()
	opts = opts.withDefaults(t)
	ctx := context.Background()
	key := opts.key

	t.Run("set_get", func(t *testing.T) {
		if err := store.Set(ctx, key("alpha"), []byte("value"), time.Second); err != nil {
			t.Fatalf("set: %v", err)
		}
		body, ok, err := store.Get(ctx, key("alpha"))
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if opts.NullSemantics {
			if ok {
				t.Fatalf("null store returned a hit")
			}
			return
		}
		if !ok || string(body) != "value" {
			t.Fatalf("get = %q, %v; want value, true", body, ok)
		}
		if opts.SkipCloneCheck {
			return
		}
		body[0] = 'X'
		again, _, _ := store.Get(ctx, key("alpha"))
		if string(again) != "value" {
			t.Fatalf("mutating a returned value changed the stored one: %q", again)
		}
	})

	t.Run("miss", func(t *testing.T) {
		body, ok, err := store.Get(ctx, key("never-set"))
		if err != nil || ok || body != nil {
			t.Fatalf("get of unset key = %q, %v, %v; want nil, false, nil", body, ok, err)
		}
	})

	t.Run("ttl_expiry", func(t *testing.T) {
		if err := store.Set(ctx, key("ttl"), []byte("v"), opts.TTL); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := waitForMiss(ctx, store, key("ttl"), opts.TTLWait); err != nil {
			t.Fatal(err)
		}
	})

	t.Run("add_if_absent", func(t *testing.T) {
		created, err := store.Add(ctx, key("once"), []byte("first"), time.Second)
		if err != nil || !created {
			t.Fatalf("first add = %v, %v; want true, nil", created, err)
		}
		created, err = store.Add(ctx, key("once"), []byte("second"), time.Second)
		if err != nil {
			t.Fatalf("second add: %v", err)
		}
		if opts.NullSemantics {
			return
		}
		if created {
			t.Fatalf("second add reported created on a live key")
		}
		body, _, _ := store.Get(ctx, key("once"))
		if string(body) != "first" {
			t.Fatalf("second add overwrote the value: %q", body)
		}
	})

	t.Run("add_after_expiry", func(t *testing.T) {
		if opts.NullSemantics {
			t.Skip("null store keeps nothing")
		}
		if _, err := store.Add(ctx, key("lease"), []byte("a"), opts.TTL); err != nil {
			t.Fatalf("add: %v", err)
		}
		if err := waitForMiss(ctx, store, key("lease"), opts.TTLWait); err != nil {
			t.Fatal(err)
		}
		created, err := store.Add(ctx, key("lease"), []byte("b"), time.Second)
		if err != nil || !created {
			t.Fatalf("add after expiry = %v, %v; want true, nil", created, err)
		}
	})

	t.Run("counters", func(t *testing.T) {
		want3, want2 := int64(3), int64(2)
		if opts.NullSemantics {
			want3, want2 = 0, 0
		}
		n, err := store.Increment(ctx, key("counter"), 3, time.Second)
		if err != nil || n != want3 {
			t.Fatalf("increment = %d, %v; want %d", n, err, want3)
		}
		n, err = store.Decrement(ctx, key("counter"), 1, time.Second)
		if err != nil || n != want2 {
			t.Fatalf("decrement = %d, %v; want %d", n, err, want2)
		}
	})

	t.Run("delete", func(t *testing.T) {
		for _, k := range []string{"a", "b", "c"} {
			if err := store.Set(ctx, key(k), []byte(k), time.Second); err != nil {
				t.Fatalf("set %s: %v", k, err)
			}
		}
		if err := store.Delete(ctx, key("a")); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := store.Delete(ctx, key("absent")); err != nil {
			t.Fatalf("delete of absent key: %v", err)
		}
		if err := store.DeleteMany(ctx, key("b"), key("c")); err != nil {
			t.Fatalf("delete many: %v", err)
		}
		for _, k := range []string{"a", "b", "c"} {
			if _, ok, err := store.Get(ctx, key(k)); err != nil || ok {
				t.Fatalf("key %s still present: ok=%v err=%v", k, ok, err)
			}
		}
	})

	t.Run("flush", func(t *testing.T) {
		if opts.SkipFlush {
			t.Skip("flush disabled for this driver")
		}
		if err := store.Set(ctx, key("flush"), []byte("x"), time.Second); err != nil {
			t.Fatalf("set: %v", err)
		}
		if err := store.Flush(ctx); err != nil {
			t.Fatalf("flush: %v", err)
		}
		if _, ok, err := store.Get(ctx, key("flush")); err != nil || ok {
			t.Fatalf("flush left the key: ok=%v err=%v", ok, err)
		}
	})
}

func waitForMiss(ctx context.Context, store memocache.Store, key string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for {
		_, ok, err := store.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("key %q still present after %s", key, wait)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func sanitize(s string) string {
	return strings.NewReplacer("/", "_", " ", "_").Replace(s)
}
