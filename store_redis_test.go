package memocache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRedisStoreNamespacesKeys(t *testing.T) {
	client := newStubRedis()
	store := newRedisStore(client, time.Minute, "shop")
	ctx := context.Background()

	if err := store.Set(ctx, "cart", []byte("3 items"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if got := client.Get(ctx, "shop:cart").Val(); got != "3 items" {
		t.Fatalf("raw value under shop:cart = %q", got)
	}
	if ok, _ := store.Add(ctx, "cart:lock", []byte("t"), time.Second); !ok {
		t.Fatalf("add failed")
	}
	if ok, _ := client.SetNX(ctx, "shop:cart:lock", "x", time.Second).Result(); ok {
		t.Fatalf("lock not written under the prefixed name")
	}
}

func TestRedisStoreCounterGetsTTL(t *testing.T) {
	client := newStubRedis()
	store := newRedisStore(client, time.Minute, "app")
	ctx := context.Background()

	if n, err := store.Increment(ctx, "hits", 4, 30*time.Millisecond); err != nil || n != 4 {
		t.Fatalf("increment = %d, %v", n, err)
	}
	time.Sleep(50 * time.Millisecond)
	if _, ok, _ := store.Get(ctx, "hits"); ok {
		t.Fatalf("counter ignored its ttl")
	}
}

func TestRedisStoreFlushKeepsOtherPrefixes(t *testing.T) {
	client := newStubRedis()
	ctx := context.Background()
	mine := newRedisStore(client, time.Minute, "mine")
	theirs := newRedisStore(client, time.Minute, "theirs")

	_ = mine.Set(ctx, "k", []byte("1"), time.Minute)
	_ = theirs.Set(ctx, "k", []byte("2"), time.Minute)
	if err := mine.Flush(ctx); err != nil {
		t.Fatalf("flush failed: %v", err)
	}
	if _, ok, _ := mine.Get(ctx, "k"); ok {
		t.Fatalf("flush left own key")
	}
	if _, ok, _ := theirs.Get(ctx, "k"); !ok {
		t.Fatalf("flush removed another prefix")
	}
}

func TestRedisStoreErrors(t *testing.T) {
	ctx := context.Background()

	nilStore := newRedisStore(nil, 0, "")
	if _, _, err := nilStore.Get(ctx, "k"); !errors.Is(err, errRedisUnavailable) {
		t.Fatalf("nil client get = %v", err)
	}
	if _, err := nilStore.Add(ctx, "k", nil, 0); !errors.Is(err, errRedisUnavailable) {
		t.Fatalf("nil client add = %v", err)
	}

	client := newStubRedis()
	store := newRedisStore(client, time.Minute, "app")
	down := errors.New("dial tcp: connection refused")
	client.setErr(down)
	if _, _, err := store.Get(ctx, "k"); !errors.Is(err, down) {
		t.Fatalf("get error = %v", err)
	}
	if _, err := store.Add(ctx, "k", nil, time.Second); !errors.Is(err, down) {
		t.Fatalf("add error = %v", err)
	}
	if err := store.Flush(ctx); !errors.Is(err, down) {
		t.Fatalf("flush error = %v", err)
	}

	c := NewCache(store)
	_, err := c.Remember("k", time.Minute, func() ([]byte, error) { return []byte("v"), nil })
	var backendErr *BackendError
	if !errors.As(err, &backendErr) || backendErr.Driver != DriverRedis {
		t.Fatalf("remember on a down redis = %v", err)
	}
}
