package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all Prometheus metrics for the service.
// A nil *Collector is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	// Upstream API metrics
	UpstreamRequests *prometheus.CounterVec
	UpstreamDuration *prometheus.HistogramVec
	UpstreamRetries  prometheus.Counter

	// Load metrics
	LoadBatches       *prometheus.CounterVec
	LoadBatchDuration *prometheus.HistogramVec
	LoadedItems       *prometheus.CounterVec
	LoadRuns          *prometheus.CounterVec

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Cache metrics
	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// NewCollector creates a collector with its own registry
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		UpstreamRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_requests_total",
				Help:      "Total number of upstream API requests",
			},
			[]string{"method", "status"},
		),
		UpstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_request_duration_seconds",
				Help:      "Upstream API request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		UpstreamRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_retries_total",
				Help:      "Total number of upstream API retries",
			},
		),
		LoadBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "load_batches_total",
				Help:      "Total number of committed load batches",
			},
			[]string{"phase"},
		),
		LoadBatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "load_batch_duration_seconds",
				Help:      "Load batch duration in seconds",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"phase"},
		),
		LoadedItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "loaded_items_total",
				Help:      "Total number of items written by the loader",
			},
			[]string{"phase"},
		),
		LoadRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "load_runs_total",
				Help:      "Total number of repository loads",
			},
			[]string{"outcome"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		CacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_hits_total",
				Help:      "Total number of query cache hits",
			},
		),
		CacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_misses_total",
				Help:      "Total number of query cache misses",
			},
		),
	}

	registry.MustRegister(
		c.UpstreamRequests,
		c.UpstreamDuration,
		c.UpstreamRetries,
		c.LoadBatches,
		c.LoadBatchDuration,
		c.LoadedItems,
		c.LoadRuns,
		c.HTTPRequests,
		c.HTTPDuration,
		c.CacheHits,
		c.CacheMisses,
	)

	return c
}

// Handler exposes the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry returns the underlying registry
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// ObserveUpstream records one upstream request
func (c *Collector) ObserveUpstream(method string, status int, d time.Duration) {
	if c == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	c.UpstreamRequests.WithLabelValues(method, label).Inc()
	c.UpstreamDuration.WithLabelValues(method).Observe(d.Seconds())
}

// IncRetry records one upstream retry
func (c *Collector) IncRetry() {
	if c == nil {
		return
	}
	c.UpstreamRetries.Inc()
}

// ObserveBatch records one committed load batch
func (c *Collector) ObserveBatch(phase string, items int, d time.Duration) {
	if c == nil {
		return
	}
	c.LoadBatches.WithLabelValues(phase).Inc()
	c.LoadBatchDuration.WithLabelValues(phase).Observe(d.Seconds())
	c.LoadedItems.WithLabelValues(phase).Add(float64(items))
}

// ObserveLoad records the outcome of a full load
func (c *Collector) ObserveLoad(err error) {
	if c == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.LoadRuns.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one served HTTP request
func (c *Collector) ObserveHTTP(method, route string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// CacheHit records a cache hit or miss
func (c *Collector) CacheHit(hit bool) {
	if c == nil {
		return
	}
	if hit {
		c.CacheHits.Inc()
	} else {
		c.CacheMisses.Inc()
	}
}
