// Package config loads memocache application settings from a YAML file and
// MEMOCACHE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/goforj/memocache"
)

// Config is the root application configuration.
type Config struct {
	Cache   CacheConfig   `mapstructure:"cache"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type CacheConfig struct {
	Driver        string          `mapstructure:"driver"`
	DefaultTTL    time.Duration   `mapstructure:"default_ttl"`
	Prefix        string          `mapstructure:"prefix"`
	LockTimeout   time.Duration   `mapstructure:"lock_timeout"`
	WaitSchedule  []time.Duration `mapstructure:"wait_schedule"`
	Compression   string          `mapstructure:"compression"`
	MaxValueBytes int             `mapstructure:"max_value_bytes"`
	EncryptionKey string          `mapstructure:"encryption_key"`

	Memory    MemoryConfig    `mapstructure:"memory"`
	File      FileConfig      `mapstructure:"file"`
	Redis     RedisConfig     `mapstructure:"redis"`
	SQL       SQLConfig       `mapstructure:"sql"`
	Dynamo    DynamoConfig    `mapstructure:"dynamo"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Ristretto RistrettoConfig `mapstructure:"ristretto"`
	BigCache  BigCacheConfig  `mapstructure:"bigcache"`
}

type MemoryConfig struct {
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

type FileConfig struct {
	Dir string `mapstructure:"dir"`
}

type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SQLConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
	Table  string `mapstructure:"table"`
}

type DynamoConfig struct {
	Endpoint string `mapstructure:"endpoint"`
	Region   string `mapstructure:"region"`
	Table    string `mapstructure:"table"`
}

type NATSConfig struct {
	URL       string `mapstructure:"url"`
	Bucket    string `mapstructure:"bucket"`
	BucketTTL bool   `mapstructure:"bucket_ttl"`
}

type RistrettoConfig struct {
	NumCounters int64 `mapstructure:"num_counters"`
	MaxCost     int64 `mapstructure:"max_cost"`
}

type BigCacheConfig struct {
	Shards    int `mapstructure:"shards"`
	HardMaxMB int `mapstructure:"hard_max_mb"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// Load reads memocache.yaml from ./config and any extra paths, then applies
// environment overrides such as MEMOCACHE_CACHE_DRIVER. A missing file is not
// an error. An explicit file path (ending in .yaml or .yml) is read directly.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if len(paths) == 1 && (strings.HasSuffix(paths[0], ".yaml") || strings.HasSuffix(paths[0], ".yml")) {
		v.SetConfigFile(paths[0])
	} else {
		v.SetConfigName("memocache")
		v.AddConfigPath("./config")
		for _, path := range paths {
			v.AddConfigPath(path)
		}
	}

	setDefaults(v)

	v.SetEnvPrefix("MEMOCACHE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.driver", "memory")
	v.SetDefault("cache.default_ttl", "5m")
	v.SetDefault("cache.prefix", "app")
	v.SetDefault("cache.lock_timeout", "30s")
	v.SetDefault("cache.wait_schedule", []string{"500ms", "1s"})
	v.SetDefault("cache.compression", "none")
	v.SetDefault("cache.max_value_bytes", 0)
	v.SetDefault("cache.encryption_key", "")

	v.SetDefault("cache.memory.cleanup_interval", "10m")
	v.SetDefault("cache.file.dir", "")
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.sql.driver", "sqlite")
	v.SetDefault("cache.sql.dsn", "file:memocache.sqlite?_pragma=busy_timeout(5000)")
	v.SetDefault("cache.sql.table", "cache_entries")
	v.SetDefault("cache.dynamo.endpoint", "")
	v.SetDefault("cache.dynamo.region", "us-east-1")
	v.SetDefault("cache.dynamo.table", "cache_entries")
	v.SetDefault("cache.nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("cache.nats.bucket", "memocache")
	v.SetDefault("cache.nats.bucket_ttl", false)
	v.SetDefault("cache.ristretto.num_counters", 100000)
	v.SetDefault("cache.ristretto.max_cost", 64<<20)
	v.SetDefault("cache.bigcache.shards", 256)
	v.SetDefault("cache.bigcache.hard_max_mb", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", ":9090")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var knownDrivers = map[memocache.Driver]bool{
	memocache.DriverNull:      true,
	memocache.DriverMemory:    true,
	memocache.DriverFile:      true,
	memocache.DriverRedis:     true,
	memocache.DriverSQL:       true,
	memocache.DriverDynamo:    true,
	memocache.DriverNATS:      true,
	memocache.DriverRistretto: true,
	memocache.DriverBigCache:  true,
}

// Validate reports settings that cannot produce a working cache.
func (c *Config) Validate() error {
	if !knownDrivers[memocache.Driver(c.Cache.Driver)] {
		return fmt.Errorf("config: unknown cache driver %q", c.Cache.Driver)
	}
	if c.Cache.LockTimeout <= 0 {
		return errors.New("config: cache.lock_timeout must be positive")
	}
	for _, d := range c.Cache.WaitSchedule {
		if d < 0 {
			return fmt.Errorf("config: negative wait in cache.wait_schedule: %s", d)
		}
	}
	switch n := len(c.Cache.EncryptionKey); n {
	case 0, 16, 24, 32:
	default:
		return fmt.Errorf("config: cache.encryption_key is %d bytes, want 16, 24 or 32", n)
	}
	return nil
}

// StoreConfig maps the file settings onto memocache.StoreConfig. Network
// clients (redis, nats) are left for the caller to dial.
func (c CacheConfig) StoreConfig() memocache.StoreConfig {
	cfg := memocache.StoreConfig{
		Driver:                memocache.Driver(c.Driver),
		DefaultTTL:            c.DefaultTTL,
		Prefix:                c.Prefix,
		MemoryCleanupInterval: c.Memory.CleanupInterval,
		FileDir:               c.File.Dir,
		SQLDriverName:         c.SQL.Driver,
		SQLDSN:                c.SQL.DSN,
		SQLTable:              c.SQL.Table,
		DynamoEndpoint:        c.Dynamo.Endpoint,
		DynamoRegion:          c.Dynamo.Region,
		DynamoTable:           c.Dynamo.Table,
		NATSBucketTTL:         c.NATS.BucketTTL,
		RistrettoNumCounters:  c.Ristretto.NumCounters,
		RistrettoMaxCost:      c.Ristretto.MaxCost,
		BigCacheShards:        c.BigCache.Shards,
		BigCacheHardMaxMB:     c.BigCache.HardMaxMB,
		Compression:           memocache.CompressionCodec(c.Compression),
		MaxValueBytes:         c.MaxValueBytes,
	}
	if c.EncryptionKey != "" {
		cfg.EncryptionKey = []byte(c.EncryptionKey)
	}
	return cfg
}

// Apply sets the Remember tuning on cache.
func (c CacheConfig) Apply(cache *memocache.Cache) *memocache.Cache {
	return cache.WithLockTimeout(c.LockTimeout).WithWaitSchedule(c.WaitSchedule...)
}
