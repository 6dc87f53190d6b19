// Package metrics exports pool snapshots as Prometheus metrics.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/soyvural/dbpool"
)

// PoolCollector turns monitor snapshots into gauges and counters labelled by pool.
// It implements dbpool.Observer.
type PoolCollector struct {
	idle   *prometheus.GaugeVec
	leased *prometheus.GaugeVec
	open   *prometheus.GaugeVec
	max    *prometheus.GaugeVec

	requests  *prometheus.CounterVec
	acquired  *prometheus.CounterVec
	created   *prometheus.CounterVec
	discarded *prometheus.CounterVec
	waits     *prometheus.CounterVec

	logger *zap.Logger
	mu     sync.Mutex
	last   map[string]totals
}

// totals holds the cumulative counters of the previous snapshot of one pool.
type totals struct {
	requests, acquired, created, discarded, waits int
}

// NewPoolCollector registers the pool metrics on reg. A nil reg uses the default registerer.
func NewPoolCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *PoolCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	labels := []string{"pool"}

	gauge := func(name, help string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}
	counter := func(name, help string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &PoolCollector{
		idle:      gauge("pool_idle_sessions", "Sessions sitting idle in the pool"),
		leased:    gauge("pool_leased_sessions", "Sessions currently leased to callers"),
		open:      gauge("pool_open_sessions", "Sessions in existence, idle or leased"),
		max:       gauge("pool_max_sessions", "Configured upper bound of sessions"),
		requests:  counter("pool_requests_total", "Total number of acquire attempts"),
		acquired:  counter("pool_acquired_total", "Total number of successful acquisitions"),
		created:   counter("pool_created_total", "Total number of sessions opened"),
		discarded: counter("pool_discarded_total", "Total number of sessions closed by the pool"),
		waits:     counter("pool_waits_total", "Total number of acquisitions that had to block"),
		logger:    logger.With(zap.String("component", "metrics")),
		last:      make(map[string]totals),
	}
}

// Observe records one snapshot.
func (c *PoolCollector) Observe(pool string, s dbpool.Stats) {
	c.idle.WithLabelValues(pool).Set(float64(s.Available()))
	c.leased.WithLabelValues(pool).Set(float64(s.Active()))
	c.open.WithLabelValues(pool).Set(float64(s.Size()))
	c.max.WithLabelValues(pool).Set(float64(s.MaxSize()))

	cur := totals{
		requests:  s.Request(),
		acquired:  s.Success(),
		created:   s.Created(),
		discarded: s.Discarded(),
		waits:     s.Waits(),
	}

	c.mu.Lock()
	prev := c.last[pool]
	c.last[pool] = cur
	c.mu.Unlock()

	add(c.requests, pool, prev.requests, cur.requests)
	add(c.acquired, pool, prev.acquired, cur.acquired)
	add(c.created, pool, prev.created, cur.created)
	add(c.discarded, pool, prev.discarded, cur.discarded)
	add(c.waits, pool, prev.waits, cur.waits)
}

// add feeds the growth since the previous snapshot. Pool counters restart from zero when
// the pool is stopped, in which case the whole current value is new.
func add(vec *prometheus.CounterVec, pool string, prev, cur int) {
	delta := cur - prev
	if delta < 0 {
		delta = cur
	}
	if delta > 0 {
		vec.WithLabelValues(pool).Add(float64(delta))
	}
}

// Forget drops every series of a stopped pool.
func (c *PoolCollector) Forget(pool string) {
	c.mu.Lock()
	delete(c.last, pool)
	c.mu.Unlock()

	for _, g := range []*prometheus.GaugeVec{c.idle, c.leased, c.open, c.max} {
		g.DeleteLabelValues(pool)
	}
	for _, v := range []*prometheus.CounterVec{c.requests, c.acquired, c.created, c.discarded, c.waits} {
		v.DeleteLabelValues(pool)
	}
	c.logger.Debug("pool metrics removed", zap.String("pool", pool))
}
