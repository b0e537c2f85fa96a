package memocache

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenStoreSelectsDriver(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cases := []struct {
		name string
		cfg  StoreConfig
	}{
		{"default", StoreConfig{}},
		{"null", StoreConfig{Driver: DriverNull}},
		{"memory", StoreConfig{Driver: DriverMemory}},
		{"file", StoreConfig{Driver: DriverFile, FileDir: filepath.Join(dir, "files")}},
		{"sql", StoreConfig{Driver: DriverSQL, SQLDriverName: "sqlite", SQLDSN: sqliteDSN(dir)}},
		{"redis", StoreConfig{Driver: DriverRedis, RedisClient: newStubRedis()}},
		{"nats", StoreConfig{Driver: DriverNATS, NATSKeyValue: newStubNATSKeyValue()}},
		{"dynamodb", StoreConfig{Driver: DriverDynamo, DynamoClient: newStubDynamo()}},
		{"ristretto", StoreConfig{Driver: DriverRistretto}},
		{"bigcache", StoreConfig{Driver: DriverBigCache, BigCacheShards: 16}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store, err := OpenStore(ctx, tc.cfg)
			if err != nil {
				t.Fatalf("open: %v", err)
			}
			want := tc.cfg.Driver
			if want == "" {
				want = DriverMemory
			}
			if store.Driver() != want {
				t.Fatalf("driver = %s, want %s", store.Driver(), want)
			}
			if closer, ok := store.(interface{ Close() error }); ok {
				t.Cleanup(func() { _ = closer.Close() })
			}
		})
	}
}

func TestOpenStoreErrors(t *testing.T) {
	ctx := context.Background()

	if _, err := OpenStore(ctx, StoreConfig{Driver: "etcd"}); err == nil {
		t.Fatalf("expected unsupported driver error")
	}
	if _, err := OpenStore(ctx, StoreConfig{Driver: DriverSQL}); err == nil {
		t.Fatalf("expected sql error without dsn")
	}
	if _, err := OpenStore(ctx, StoreConfig{Driver: DriverSQL, SQLDriverName: "oracle", SQLDSN: "x"}); err == nil {
		t.Fatalf("expected unsupported sql driver error")
	}
	if _, err := OpenStore(ctx, StoreConfig{Driver: DriverMemory, EncryptionKey: []byte("bad")}); !errors.Is(err, ErrEncryptionKey) {
		t.Fatalf("encryption key error = %v", err)
	}
}

func TestOpenStoreAppliesWrappers(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(ctx, StoreConfig{
		Driver:        DriverMemory,
		Compression:   CompressionGzip,
		MaxValueBytes: 1024,
		EncryptionKey: testEncryptionKey,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	enc, ok := store.(*encryptingStore)
	if !ok {
		t.Fatalf("outer store = %T, want encryptingStore", store)
	}
	if _, ok := enc.inner.(*shapingStore); !ok {
		t.Fatalf("inner store = %T, want shapingStore", enc.inner)
	}
	if store.Driver() != DriverMemory {
		t.Fatalf("wrappers hid the driver: %s", store.Driver())
	}

	c := NewCache(store)
	got, err := c.RememberString("k", time.Minute, func() (string, error) { return "wrapped", nil })
	if err != nil || got != "wrapped" {
		t.Fatalf("remember through wrappers = %q, %v", got, err)
	}
	if got, _, _ := c.GetString("k"); got != "wrapped" {
		t.Fatalf("get through wrappers = %q", got)
	}
}

func TestWrappersCloseTheSQLPool(t *testing.T) {
	ctx := context.Background()
	store, err := OpenStore(ctx, StoreConfig{
		Driver:        DriverSQL,
		SQLDriverName: "sqlite",
		SQLDSN:        sqliteDSN(t.TempDir()),
		Compression:   CompressionZstd,
		EncryptionKey: testEncryptionKey,
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	closer, ok := store.(io.Closer)
	if !ok {
		t.Fatalf("%T does not expose Close", store)
	}
	if err := closer.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, _, err := store.Get(ctx, "k"); err == nil {
		t.Fatalf("get after close succeeded")
	}

	mem, _ := OpenStore(ctx, StoreConfig{Driver: DriverMemory, EncryptionKey: testEncryptionKey})
	if err := mem.(io.Closer).Close(); err != nil {
		t.Fatalf("closing a wrapped memory store: %v", err)
	}
}

func TestNewStoreReturnsErrorStoreOnFailure(t *testing.T) {
	store := NewStore(context.Background(), StoreConfig{Driver: DriverSQL, SQLDriverName: "oracle", SQLDSN: "x"})
	if store.Driver() != DriverSQL {
		t.Fatalf("driver = %s", store.Driver())
	}
	if _, ok, err := store.Get(context.Background(), "k"); err == nil || ok {
		t.Fatalf("error store get = %v, %v", ok, err)
	}
	c := NewCache(store)
	_, err := c.Remember("k", time.Minute, func() ([]byte, error) { return []byte("v"), nil })
	var backendErr *BackendError
	if !errors.As(err, &backendErr) {
		t.Fatalf("expected BackendError from a failed store, got %v", err)
	}
}

func TestStoreOptionsBuildConfig(t *testing.T) {
	kv := newStubNATSKeyValue()
	client := newStubRedis()
	dynamo := newStubDynamo()
	opts := []StoreOption{
		WithDefaultTTL(time.Hour),
		WithPrefix("shop"),
		WithMemoryCleanupInterval(time.Second),
		WithFileDir("/tmp/x"),
		WithRedisClient(client),
		WithRedisAddr("cache:6379"),
		WithSQL("pgx", "postgres://", "entries"),
		WithDynamoClient(dynamo),
		WithDynamoEndpoint("http://localhost:8000"),
		WithDynamoRegion("eu-west-1"),
		WithDynamoTable("items"),
		WithNATSKeyValue(kv),
		WithNATSBucketTTL(true),
		WithRistretto(10, 20),
		WithBigCache(8, 64),
		WithCompression(CompressionSnappy),
		WithMaxValueBytes(512),
		WithEncryptionKey(testEncryptionKey),
	}
	var cfg StoreConfig
	for _, opt := range opts {
		cfg = opt(cfg)
	}
	if cfg.DefaultTTL != time.Hour || cfg.Prefix != "shop" || cfg.MemoryCleanupInterval != time.Second {
		t.Fatalf("basic options not applied: %+v", cfg)
	}
	if cfg.FileDir != "/tmp/x" || cfg.RedisClient != client || cfg.RedisAddr != "cache:6379" {
		t.Fatalf("file/redis options not applied: %+v", cfg)
	}
	if cfg.SQLDriverName != "pgx" || cfg.SQLDSN != "postgres://" || cfg.SQLTable != "entries" {
		t.Fatalf("sql options not applied: %+v", cfg)
	}
	if cfg.DynamoClient != dynamo || cfg.DynamoEndpoint == "" || cfg.DynamoRegion != "eu-west-1" || cfg.DynamoTable != "items" {
		t.Fatalf("dynamo options not applied: %+v", cfg)
	}
	if cfg.NATSKeyValue != kv || !cfg.NATSBucketTTL {
		t.Fatalf("nats options not applied: %+v", cfg)
	}
	if cfg.RistrettoNumCounters != 10 || cfg.RistrettoMaxCost != 20 || cfg.BigCacheShards != 8 || cfg.BigCacheHardMaxMB != 64 {
		t.Fatalf("in-process sizing not applied: %+v", cfg)
	}
	if cfg.Compression != CompressionSnappy || cfg.MaxValueBytes != 512 || len(cfg.EncryptionKey) != 32 {
		t.Fatalf("shaping options not applied: %+v", cfg)
	}
}

func TestStoreConfigDefaults(t *testing.T) {
	cfg := StoreConfig{}.withDefaults()
	if cfg.Driver != DriverMemory || cfg.DefaultTTL != defaultCacheTTL || cfg.Prefix != defaultCachePrefix {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.SQLTable != defaultSQLTable || cfg.DynamoTable != defaultDynamoTable || cfg.Compression != CompressionNone {
		t.Fatalf("unexpected backend defaults: %+v", cfg)
	}
}

func TestConvenienceConstructors(t *testing.T) {
	ctx := context.Background()
	checks := map[Driver]Store{
		DriverMemory: NewMemoryStore(ctx),
		DriverNull:   NewNullStore(ctx),
		DriverFile:   NewFileStore(ctx, t.TempDir()),
		DriverRedis:  NewRedisStore(ctx, newStubRedis()),
		DriverNATS:   NewNATSStore(ctx, newStubNATSKeyValue()),
		DriverSQL:    NewSQLStore(ctx, "sqlite", sqliteDSN(t.TempDir())),
	}
	for want, store := range checks {
		if store.Driver() != want {
			t.Fatalf("driver = %s, want %s", store.Driver(), want)
		}
		if _, ok := store.(*errorStore); ok {
			_, _, err := store.Get(ctx, "k")
			t.Fatalf("%s constructor failed: %v", want, err)
		}
	}
}
