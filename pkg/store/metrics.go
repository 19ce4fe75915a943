package store

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the cache counters exposed at /metrics, grounded in the
// same cache-hit/cache-miss counter shape bazel-remote's disk backend
// exposes. Unlike that package's global promauto vars, these are
// instance-scoped so multiple Stores (as in tests) don't collide on
// registration.
type Metrics struct {
	hits         prometheus.Counter
	misses       prometheus.Counter
	evictions    prometheus.Counter
	evictedBytes prometheus.Counter
	entries      prometheus.Gauge
	bytes        prometheus.Gauge
}

// NewMetrics constructs and, if reg is non-nil, registers the cache's
// Prometheus collectors. Passing nil is useful in tests that don't care
// about metrics output.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hathnode_cache_hits_total",
			Help: "Number of cache lookups that found a cached object.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hathnode_cache_misses_total",
			Help: "Number of cache lookups that found nothing cached.",
		}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hathnode_cache_evictions_total",
			Help: "Number of entries removed by the eviction loop.",
		}),
		evictedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hathnode_cache_evicted_bytes_total",
			Help: "Total bytes reclaimed by the eviction loop.",
		}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hathnode_cache_entries",
			Help: "Current number of cached objects.",
		}),
		bytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hathnode_cache_bytes",
			Help: "Current total size of cached objects, static entries included.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.hits, m.misses, m.evictions, m.evictedBytes, m.entries, m.bytes)
	}
	return m
}
