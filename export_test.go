package memocache

import (
	"context"
	"time"
)

// Constructors for the external contract suites. The stubs live in
// stubs_test.go and are only compiled for tests.

func NewStubRedisStore(prefix string) Store {
	return newRedisStore(newStubRedis(), time.Minute, prefix)
}

func NewStubNATSStore(prefix string) Store {
	return newNATSStore(newStubNATSKeyValue(), time.Minute, prefix, false)
}

func NewStubDynamoStore(ctx context.Context, prefix string) (Store, error) {
	return newDynamoStore(ctx, StoreConfig{
		DynamoClient: newStubDynamo(),
		DynamoTable:  "cache_entries",
		Prefix:       prefix,
		DefaultTTL:   time.Minute,
	})
}
