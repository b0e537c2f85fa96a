// Package metrics exports memocache operation events to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/goforj/memocache"
)

// Observer implements memocache.Observer with Prometheus collectors. Keys are
// deliberately not a label.
type Observer struct {
	// Operations counts operations by op, driver and result (hit|miss|error).
	Operations *prometheus.CounterVec
	// Latency measures operation duration by op and driver.
	Latency *prometheus.HistogramVec
}

// NewObserver registers the collectors on reg. A nil reg uses the default registerer.
func NewObserver(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Observer{
		Operations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "memocache_operations_total",
				Help: "Total number of cache operations",
			},
			[]string{"op", "driver", "result"},
		),
		Latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "memocache_operation_duration_seconds",
				Help:    "Cache operation latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op", "driver"},
		),
	}
}

// OnCacheOp implements memocache.Observer.
func (o *Observer) OnCacheOp(_ context.Context, op string, _ string, hit bool, err error, dur time.Duration, driver memocache.Driver) {
	result := "miss"
	switch {
	case err != nil:
		result = "error"
	case hit:
		result = "hit"
	}
	o.Operations.WithLabelValues(op, string(driver), result).Inc()
	o.Latency.WithLabelValues(op, string(driver)).Observe(dur.Seconds())
}
