package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/goforj/memocache"
	"github.com/goforj/memocache/internal/config"
	"github.com/goforj/memocache/log/zaplog"
	"github.com/goforj/memocache/metrics"
)

const metricsShutdownTimeout = 5 * time.Second

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if strings.EqualFold(cfg.Format, "console") {
		zc = zap.NewDevelopmentConfig()
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(cfg.Level))); err != nil {
		level = zapcore.InfoLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}

// runtime owns the cache and the connections and servers behind it.
type runtime struct {
	cache   *memocache.Cache
	closers []func() error
}

func openRuntime(ctx context.Context, cfg *config.Config, log *zap.Logger) (*runtime, error) {
	rt := &runtime{}
	sc := cfg.Cache.StoreConfig()

	switch sc.Driver {
	case memocache.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Redis.Address,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
		})
		rt.closers = append(rt.closers, client.Close)
		sc.RedisClient = client
	case memocache.DriverNATS:
		kv, closeConn, err := openNATSBucket(cfg.Cache.NATS, cfg.Cache.DefaultTTL)
		if err != nil {
			return nil, err
		}
		rt.closers = append(rt.closers, closeConn)
		sc.NATSKeyValue = kv
	}

	store, err := memocache.OpenStore(ctx, sc)
	if err != nil {
		closeRuntime(rt, log)
		return nil, err
	}
	if closer, ok := store.(io.Closer); ok {
		rt.closers = append(rt.closers, closer.Close)
	}
	rt.cache = cfg.Cache.Apply(memocache.NewCacheWithTTL(store, cfg.Cache.DefaultTTL)).
		WithLogger(zaplog.New(log))

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		rt.cache.WithObserver(metrics.NewObserver(reg))
		rt.closers = append(rt.closers, serveMetrics(cfg.Metrics.Address, reg, log))
	}
	log.Debug("cache ready", zap.String("driver", string(store.Driver())))
	return rt, nil
}

// Close releases everything openRuntime acquired, in reverse order.
func (rt *runtime) Close() error {
	var err error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, rt.closers[i]())
	}
	return err
}

// closeRuntime closes rt and logs what could not be released.
func closeRuntime(rt *runtime, log *zap.Logger) {
	if err := rt.Close(); err != nil {
		log.Warn("closing cache runtime", zap.Error(err))
	}
}

func openNATSBucket(cfg config.NATSConfig, ttl time.Duration) (nats.KeyValue, func() error, error) {
	nc, err := nats.Connect(cfg.URL, nats.Name("memocache"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect nats: %w", err)
	}
	closeConn := func() error { nc.Close(); return nil }
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.KeyValue(cfg.Bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		bucket := &nats.KeyValueConfig{Bucket: cfg.Bucket}
		if cfg.BucketTTL {
			bucket.TTL = ttl
		}
		kv, err = js.CreateKeyValue(bucket)
	}
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("open kv bucket %q: %w", cfg.Bucket, err)
	}
	return kv, closeConn, nil
}

func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) func() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		return srv.Shutdown(ctx)
	}
}
