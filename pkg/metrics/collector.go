// Package metrics provides the Prometheus-backed implementation of
// types.MetricsCollector used by the daemon.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HDFGroup/hermes-sub002/pkg/types"
)

// Config controls the metrics HTTP endpoint.
type Config struct {
	Enabled   bool
	Port      int
	Path      string
	Namespace string
}

// Collector implements types.MetricsCollector on top of a Prometheus
// registry, with an HTTP server for scraping.
type Collector struct {
	config   *Config
	registry *prometheus.Registry
	server   *http.Server

	placementCounter   *prometheus.CounterVec
	placementBytes     *prometheus.CounterVec
	placementFailure   *prometheus.CounterVec
	bufferOccupancy    *prometheus.GaugeVec
	cacheHitCounter    *prometheus.CounterVec
	cacheMissCounter   *prometheus.CounterVec
	migrationCounter   *prometheus.CounterVec
	migrationBytes     *prometheus.CounterVec
	migrationDuration  *prometheus.HistogramVec
	flushCounter       *prometheus.CounterVec
	flushBytes         *prometheus.CounterVec
	flushDuration      *prometheus.HistogramVec
}

// NewCollector builds a Collector and registers its metrics. A nil or
// disabled Config yields a Collector whose recording methods are no-ops.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{Enabled: false}
	}
	c := &Collector{config: config}
	if !config.Enabled {
		return c, nil
	}

	c.registry = prometheus.NewRegistry()

	c.placementCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "placements_total",
		Help:      "Total blob placements by policy and destination device.",
	}, []string{"policy", "device"})

	c.placementBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "placement_bytes_total",
		Help:      "Total bytes placed by policy and destination device.",
	}, []string{"policy", "device"})

	c.placementFailure = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "placement_failures_total",
		Help:      "Total placement failures by policy.",
	}, []string{"policy"})

	c.bufferOccupancy = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: config.Namespace,
		Name:      "buffer_occupancy_ratio",
		Help:      "Current occupancy ratio (0-1) per device.",
	}, []string{"device"})

	c.cacheHitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "cache_hits_total",
		Help:      "Total page cache hits by bucket.",
	}, []string{"bucket"})

	c.cacheMissCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "cache_misses_total",
		Help:      "Total page cache misses by bucket.",
	}, []string{"bucket"})

	c.migrationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "borg_migrations_total",
		Help:      "Total buffer organizer migrations by source and destination device.",
	}, []string{"from_device", "to_device"})

	c.migrationBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "borg_migration_bytes_total",
		Help:      "Total bytes moved by buffer organizer migrations.",
	}, []string{"from_device", "to_device"})

	c.migrationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Name:      "borg_migration_duration_seconds",
		Help:      "Duration of buffer organizer migrations.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"from_device", "to_device"})

	c.flushCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "flushes_total",
		Help:      "Total page translator flushes by bucket.",
	}, []string{"bucket"})

	c.flushBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: config.Namespace,
		Name:      "flush_bytes_total",
		Help:      "Total bytes flushed to backing files by bucket.",
	}, []string{"bucket"})

	c.flushDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: config.Namespace,
		Name:      "flush_duration_seconds",
		Help:      "Duration of flushes to backing files.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15),
	}, []string{"bucket"})

	collectors := []prometheus.Collector{
		c.placementCounter, c.placementBytes, c.placementFailure,
		c.bufferOccupancy, c.cacheHitCounter, c.cacheMissCounter,
		c.migrationCounter, c.migrationBytes, c.migrationDuration,
		c.flushCounter, c.flushBytes, c.flushDuration,
	}
	for _, col := range collectors {
		if err := c.registry.Register(col); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}

	return c, nil
}

// Start serves the Prometheus endpoint in the background. A no-op on a
// disabled Collector.
func (c *Collector) Start(ctx context.Context) error {
	if !c.config.Enabled {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the metrics server.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordPlacement implements types.MetricsCollector.
func (c *Collector) RecordPlacement(policy types.PlacementPolicy, deviceID int, bytes int64) {
	if !c.config.Enabled {
		return
	}
	dev := strconv.Itoa(deviceID)
	c.placementCounter.WithLabelValues(string(policy), dev).Inc()
	c.placementBytes.WithLabelValues(string(policy), dev).Add(float64(bytes))
}

// RecordPlacementFailure implements types.MetricsCollector.
func (c *Collector) RecordPlacementFailure(policy types.PlacementPolicy) {
	if !c.config.Enabled {
		return
	}
	c.placementFailure.WithLabelValues(string(policy)).Inc()
}

// RecordBufferOccupancy implements types.MetricsCollector.
func (c *Collector) RecordBufferOccupancy(deviceID int, ratio float64) {
	if !c.config.Enabled {
		return
	}
	c.bufferOccupancy.WithLabelValues(strconv.Itoa(deviceID)).Set(ratio)
}

// RecordCacheHit implements types.MetricsCollector.
func (c *Collector) RecordCacheHit(bucketID int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheHitCounter.WithLabelValues(strconv.FormatInt(bucketID, 10)).Inc()
}

// RecordCacheMiss implements types.MetricsCollector.
func (c *Collector) RecordCacheMiss(bucketID int64) {
	if !c.config.Enabled {
		return
	}
	c.cacheMissCounter.WithLabelValues(strconv.FormatInt(bucketID, 10)).Inc()
}

// RecordMigration implements types.MetricsCollector.
func (c *Collector) RecordMigration(fromDevice, toDevice int, bytes int64, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	from, to := strconv.Itoa(fromDevice), strconv.Itoa(toDevice)
	c.migrationCounter.WithLabelValues(from, to).Inc()
	c.migrationBytes.WithLabelValues(from, to).Add(float64(bytes))
	c.migrationDuration.WithLabelValues(from, to).Observe(duration.Seconds())
}

// RecordFlush implements types.MetricsCollector.
func (c *Collector) RecordFlush(bucketID int64, bytes int64, duration time.Duration) {
	if !c.config.Enabled {
		return
	}
	bucket := strconv.FormatInt(bucketID, 10)
	c.flushCounter.WithLabelValues(bucket).Inc()
	c.flushBytes.WithLabelValues(bucket).Add(float64(bytes))
	c.flushDuration.WithLabelValues(bucket).Observe(duration.Seconds())
}

var _ types.MetricsCollector = (*Collector)(nil)
