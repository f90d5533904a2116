// Package metrics exposes PgCrab's Prometheus metrics: per-shard pool
// gauges plus the router's process-wide injected/dedup-hit/conflict/retry
// counters.
//
// Each Collector owns a private prometheus.Registry rather than
// registering against the global default, so tests never collide.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds every PgCrab Prometheus metric.
type Collector struct {
	Registry *prometheus.Registry

	connectionsActive *prometheus.GaugeVec
	connectionsIdle   *prometheus.GaugeVec
	connectionsMax    *prometheus.GaugeVec
	shardHealth       *prometheus.GaugeVec
	poolExhausted     *prometheus.CounterVec
	acquireDuration   *prometheus.HistogramVec

	sessionPins *prometheus.CounterVec
	injected    prometheus.Counter
	dedupHit    prometheus.Counter
	conflict    prometheus.Counter
	retry       prometheus.Counter
}

// New creates and registers every metric against a fresh registry. Safe
// to call multiple times, e.g. in tests.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		Registry: reg,
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgcrab_connections_active",
			Help: "Number of backend connections currently borrowed, per shard.",
		}, []string{"shard"}),
		connectionsIdle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgcrab_connections_idle",
			Help: "Number of idle backend connections, per shard.",
		}, []string{"shard"}),
		connectionsMax: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgcrab_connections_max",
			Help: "Configured max_connections, per shard.",
		}, []string{"shard"}),
		shardHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pgcrab_shard_health",
			Help: "Health status of a shard (1=healthy, 0=unhealthy).",
		}, []string{"shard"}),
		poolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgcrab_pool_exhausted_total",
			Help: "Times a cycle failed because no backend connection could be acquired from a shard pool.",
		}, []string{"shard"}),
		acquireDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pgcrab_acquire_duration_seconds",
			Help:    "Time spent waiting for a shard pool permit.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}, []string{"shard"}),
		sessionPins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pgcrab_session_pins_total",
			Help: "Cycle-pinning events, per shard.",
		}, []string{"shard"}),
		injected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgcrab_router_injected_parses_total",
			Help: "Proxy-originated Parse messages sent to a backend.",
		}),
		dedupHit: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgcrab_router_dedup_hits_total",
			Help: "Client Parses satisfied without touching a backend.",
		}),
		conflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgcrab_router_conflicts_total",
			Help: "42P05 ErrorResponses emitted for a re-Parse of an existing statement name with different SQL under the strict conflict policy.",
		}),
		retry: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pgcrab_router_retries_total",
			Help: "Retry-once-on-missing-statement recoveries.",
		}),
	}
	reg.MustRegister(
		c.connectionsActive, c.connectionsIdle, c.connectionsMax,
		c.shardHealth, c.poolExhausted, c.acquireDuration,
		c.sessionPins, c.injected, c.dedupHit, c.conflict, c.retry,
	)
	return c
}

// UpdatePoolStats sets the per-shard gauges from a pool snapshot.
func (c *Collector) UpdatePoolStats(shard string, active, idle, max int) {
	c.connectionsActive.WithLabelValues(shard).Set(float64(active))
	c.connectionsIdle.WithLabelValues(shard).Set(float64(idle))
	c.connectionsMax.WithLabelValues(shard).Set(float64(max))
}

// SetShardHealth sets the health gauge for a shard.
func (c *Collector) SetShardHealth(shard string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	c.shardHealth.WithLabelValues(shard).Set(v)
}

// PoolExhausted increments the exhaustion counter for shard.
func (c *Collector) PoolExhausted(shard string) {
	c.poolExhausted.WithLabelValues(shard).Inc()
}

// AcquireDuration observes the time spent waiting for a permit.
func (c *Collector) AcquireDuration(shard string, d time.Duration) {
	c.acquireDuration.WithLabelValues(shard).Observe(d.Seconds())
}

// ObservePin counts a cycle-pinning event for shard.
func (c *Collector) ObservePin(shard string) {
	c.sessionPins.WithLabelValues(shard).Inc()
}

func (c *Collector) IncInjected() { c.injected.Inc() }
func (c *Collector) IncDedupHit() { c.dedupHit.Inc() }
func (c *Collector) IncConflict() { c.conflict.Inc() }
func (c *Collector) IncRetry()    { c.retry.Inc() }

// RemoveShard removes all per-shard metrics, e.g. after a config reload
// drops a shard.
func (c *Collector) RemoveShard(shard string) {
	c.connectionsActive.DeleteLabelValues(shard)
	c.connectionsIdle.DeleteLabelValues(shard)
	c.connectionsMax.DeleteLabelValues(shard)
	c.shardHealth.DeleteLabelValues(shard)
	c.poolExhausted.DeleteLabelValues(shard)
	c.acquireDuration.DeleteLabelValues(shard)
	c.sessionPins.DeleteLabelValues(shard)
}
