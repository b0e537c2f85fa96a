package memocache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// OpenStore builds the store selected by cfg.Driver and applies the shaping and
// encryption wrappers configured on cfg.
//
// Example: open an in-process store
//
//	ctx := context.Background()
//	store, err := memocache.OpenStore(ctx, memocache.StoreConfig{Driver: memocache.DriverMemory})
//	fmt.Println(err == nil, store.Driver()) // true memory
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	cfg = cfg.withDefaults()
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case DriverNull:
		store = newNullStore()
	case DriverMemory:
		store = newMemoryStore(cfg.DefaultTTL, cfg.MemoryCleanupInterval)
	case DriverFile:
		store, err = newFileStore(cfg.FileDir, cfg.DefaultTTL)
	case DriverRedis:
		client := cfg.RedisClient
		if client == nil && cfg.RedisAddr != "" {
			client = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		}
		store = newRedisStore(client, cfg.DefaultTTL, cfg.Prefix)
	case DriverSQL:
		store, err = newSQLStore(ctx, cfg)
	case DriverDynamo:
		store, err = newDynamoStore(ctx, cfg)
	case DriverNATS:
		store = newNATSStore(cfg.NATSKeyValue, cfg.DefaultTTL, cfg.Prefix, cfg.NATSBucketTTL)
	case DriverRistretto:
		store, err = newRistrettoStore(cfg.RistrettoNumCounters, cfg.RistrettoMaxCost, cfg.DefaultTTL)
	case DriverBigCache:
		store, err = newBigCacheStore(ctx, cfg)
	default:
		return nil, fmt.Errorf("memocache: unsupported driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("memocache: open %s store: %w", cfg.Driver, err)
	}
	store = newShapingStore(store, cfg.Compression, cfg.MaxValueBytes)
	if store, err = newEncryptingStore(store, cfg.EncryptionKey); err != nil {
		return nil, err
	}
	return store, nil
}

// NewStore is OpenStore for call sites that cannot handle a construction error
// up front. A failed construction yields a store that returns the error from
// every operation while still reporting the requested driver.
//
// Example: select driver explicitly
//
//	ctx := context.Background()
//	store := memocache.NewStore(ctx, memocache.StoreConfig{Driver: memocache.DriverMemory})
//	fmt.Println(store.Driver()) // memory
func NewStore(ctx context.Context, cfg StoreConfig) Store {
	store, err := OpenStore(ctx, cfg)
	if err != nil {
		driver := cfg.Driver
		if driver == "" {
			driver = DriverMemory
		}
		return &errorStore{driver: driver, err: err}
	}
	return store
}

// NewStoreWith builds a store using a driver and a set of functional options.
//
// Example: redis store (options)
//
//	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
//	store := memocache.NewStoreWith(ctx, memocache.DriverRedis,
//		memocache.WithRedisClient(rdb),
//		memocache.WithPrefix("shop"),
//	)
func NewStoreWith(ctx context.Context, driver Driver, opts ...StoreOption) Store {
	cfg := StoreConfig{Driver: driver}
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	return NewStore(ctx, cfg)
}

// NewMemoryStore is a convenience for an in-process store.
func NewMemoryStore(ctx context.Context, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverMemory, opts...)
}

// NewRedisStore is a convenience for a redis-backed store.
func NewRedisStore(ctx context.Context, client RedisClient, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverRedis, append([]StoreOption{WithRedisClient(client)}, opts...)...)
}

// NewFileStore is a convenience for a filesystem-backed store.
func NewFileStore(ctx context.Context, dir string, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverFile, append([]StoreOption{WithFileDir(dir)}, opts...)...)
}

// NewSQLStore is a convenience for a database/sql-backed store.
func NewSQLStore(ctx context.Context, driverName, dsn string, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverSQL, append([]StoreOption{WithSQL(driverName, dsn, "")}, opts...)...)
}

// NewNATSStore is a convenience for a JetStream key-value store.
func NewNATSStore(ctx context.Context, kv NATSKeyValue, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverNATS, append([]StoreOption{WithNATSKeyValue(kv)}, opts...)...)
}

// NewNullStore is a store that never retains anything.
func NewNullStore(ctx context.Context, opts ...StoreOption) Store {
	return NewStoreWith(ctx, DriverNull, opts...)
}
