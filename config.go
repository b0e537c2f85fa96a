package memocache

import (
	"os"
	"path/filepath"
	"time"
)

const (
	defaultCachePrefix           = "app"
	defaultCacheTTL              = 5 * time.Minute
	defaultMemoryCleanupInterval = 10 * time.Minute
	defaultSQLTable              = "cache_entries"
	defaultDynamoTable           = "cache_entries"
	defaultDynamoRegion          = "us-east-1"
	defaultRistrettoNumCounters  = 1e5
	defaultRistrettoMaxCost      = 64 << 20
	defaultBigCacheShards        = 256
)

func defaultFileDir() string {
	return filepath.Join(os.TempDir(), "memocache-file")
}

// StoreConfig controls how a Store is constructed.
type StoreConfig struct {
	Driver Driver

	// DefaultTTL is used when a call provides ttl <= 0.
	DefaultTTL time.Duration

	// Prefix namespaces keys on shared backends (redis, sql, dynamodb, nats).
	Prefix string

	// MemoryCleanupInterval controls in-process eviction sweeps.
	MemoryCleanupInterval time.Duration

	// FileDir is where the file driver writes entries.
	FileDir string

	// RedisClient is used by DriverRedis. When nil and RedisAddr is set a client is built.
	RedisClient RedisClient
	RedisAddr   string

	// SQLDriverName is one of "sqlite", "pgx"/"postgres" or "mysql".
	SQLDriverName string
	SQLDSN        string
	SQLTable      string

	DynamoClient   DynamoAPI
	DynamoEndpoint string
	DynamoRegion   string
	DynamoTable    string

	NATSKeyValue NATSKeyValue
	// NATSBucketTTL stores raw values and relies on the bucket's own MaxAge.
	NATSBucketTTL bool

	RistrettoNumCounters int64
	RistrettoMaxCost     int64

	BigCacheShards       int
	BigCacheHardMaxMB    int
	BigCacheMaxEntrySize int

	// Compression and MaxValueBytes wrap the store with value shaping.
	Compression   CompressionCodec
	MaxValueBytes int

	// EncryptionKey enables AES-GCM at rest when set (16, 24 or 32 bytes).
	EncryptionKey []byte
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.Driver == "" {
		c.Driver = DriverMemory
	}
	if c.DefaultTTL <= 0 {
		c.DefaultTTL = defaultCacheTTL
	}
	if c.MemoryCleanupInterval <= 0 {
		c.MemoryCleanupInterval = defaultMemoryCleanupInterval
	}
	if c.Prefix == "" {
		c.Prefix = defaultCachePrefix
	}
	if c.FileDir == "" {
		c.FileDir = defaultFileDir()
	}
	if c.SQLTable == "" {
		c.SQLTable = defaultSQLTable
	}
	if c.DynamoTable == "" {
		c.DynamoTable = defaultDynamoTable
	}
	if c.DynamoRegion == "" {
		c.DynamoRegion = defaultDynamoRegion
	}
	if c.RistrettoNumCounters <= 0 {
		c.RistrettoNumCounters = defaultRistrettoNumCounters
	}
	if c.RistrettoMaxCost <= 0 {
		c.RistrettoMaxCost = defaultRistrettoMaxCost
	}
	if c.BigCacheShards <= 0 {
		c.BigCacheShards = defaultBigCacheShards
	}
	if c.Compression == "" {
		c.Compression = CompressionNone
	}
	return c
}
