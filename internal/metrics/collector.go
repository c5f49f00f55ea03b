// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector aggregates every Prometheus metric the service exposes. All
// record methods are safe on a nil receiver so components can be wired
// without a collector in tests.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Render metrics
	rendersTotal   *prometheus.CounterVec
	renderDuration prometheus.Histogram
	poolIdle       prometheus.Gauge
	poolInUse      prometheus.Gauge

	// Storage metrics
	storeOpsTotal  *prometheus.CounterVec
	dedupHitsTotal prometheus.Counter
	evictionsTotal *prometheus.CounterVec
	tierSizeMB     *prometheus.GaugeVec
	tierFileCount  *prometheus.GaugeVec

	// Cache metrics
	cacheHits   *prometheus.CounterVec
	cacheMisses *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates and registers all metrics under the given namespace.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.rendersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "renders_total",
			Help:      "Total number of render operations",
		},
		[]string{"status"},
	)

	c.renderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "render_duration_seconds",
			Help:      "HTML render duration in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	c.poolIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "renderer_pool_idle",
			Help:      "Idle renderer instances in the pool",
		},
	)

	c.poolInUse = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "renderer_pool_in_use",
			Help:      "Renderer instances currently leased",
		},
	)

	c.storeOpsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_operations_total",
			Help:      "Total number of artifact store operations",
		},
		[]string{"operation", "outcome"}, // operation: store, retrieve, delete
	)

	c.dedupHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_dedup_hits_total",
			Help:      "Stores resolved against an existing payload",
		},
	)

	c.evictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_evictions_total",
			Help:      "Files removed by the eviction loop",
		},
		[]string{"tier", "reason"}, // reason: expired, capacity
	)

	c.tierSizeMB = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tier_size_mb",
			Help:      "Current tier usage in megabytes",
		},
		[]string{"tier"},
	)

	c.tierFileCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tier_file_count",
			Help:      "Current number of files per tier",
		},
		[]string{"tier"},
	)

	c.cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Total number of cache hits",
		},
		[]string{"cache"}, // cache: path_lru, small_object, metadata
	)

	c.cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Total number of cache misses",
		},
		[]string{"cache"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(method, path, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordRender records one render attempt.
func (c *Collector) RecordRender(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.rendersTotal.WithLabelValues(status).Inc()
	c.renderDuration.Observe(duration.Seconds())
}

// SetPoolStats updates the renderer pool gauges.
func (c *Collector) SetPoolStats(idle, inUse int) {
	if c == nil {
		return
	}
	c.poolIdle.Set(float64(idle))
	c.poolInUse.Set(float64(inUse))
}

// RecordStoreOp records one artifact store operation.
func (c *Collector) RecordStoreOp(operation, outcome string) {
	if c == nil {
		return
	}
	c.storeOpsTotal.WithLabelValues(operation, outcome).Inc()
}

// RecordDedupHit records a store call resolved by deduplication.
func (c *Collector) RecordDedupHit() {
	if c == nil {
		return
	}
	c.dedupHitsTotal.Inc()
}

// RecordEviction records files removed from a tier.
func (c *Collector) RecordEviction(tier, reason string, files int) {
	if c == nil || files == 0 {
		return
	}
	c.evictionsTotal.WithLabelValues(tier, reason).Add(float64(files))
}

// SetTierStats updates usage gauges for one tier.
func (c *Collector) SetTierStats(tier string, sizeMB float64, files int) {
	if c == nil {
		return
	}
	c.tierSizeMB.WithLabelValues(tier).Set(sizeMB)
	c.tierFileCount.WithLabelValues(tier).Set(float64(files))
}

// RecordCacheHit records a hit against the named cache layer.
func (c *Collector) RecordCacheHit(cache string) {
	if c == nil {
		return
	}
	c.cacheHits.WithLabelValues(cache).Inc()
}

// RecordCacheMiss records a miss against the named cache layer.
func (c *Collector) RecordCacheMiss(cache string) {
	if c == nil {
		return
	}
	c.cacheMisses.WithLabelValues(cache).Inc()
}
