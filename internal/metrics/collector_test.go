package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type snapshot struct {
	idle, leased, size, max                      int
	requests, success, created, discarded, waits int
}

func (s snapshot) Available() int { return s.idle }
func (s snapshot) Active() int    { return s.leased }
func (s snapshot) Size() int      { return s.size }
func (s snapshot) MaxSize() int   { return s.max }
func (s snapshot) Request() int   { return s.requests }
func (s snapshot) Success() int   { return s.success }
func (s snapshot) Created() int   { return s.created }
func (s snapshot) Discarded() int { return s.discarded }
func (s snapshot) Waits() int     { return s.waits }

func TestPoolCollector_Gauges(t *testing.T) {
	c := NewPoolCollector("loandesk", prometheus.NewRegistry(), zap.NewNop())

	c.Observe("main", snapshot{idle: 2, leased: 3, size: 5, max: 10})

	assert.Equal(t, 2.0, testutil.ToFloat64(c.idle.WithLabelValues("main")))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.leased.WithLabelValues("main")))
	assert.Equal(t, 5.0, testutil.ToFloat64(c.open.WithLabelValues("main")))
	assert.Equal(t, 10.0, testutil.ToFloat64(c.max.WithLabelValues("main")))
}

func TestPoolCollector_CountersFollowDeltas(t *testing.T) {
	c := NewPoolCollector("loandesk", prometheus.NewRegistry(), nil)

	c.Observe("main", snapshot{requests: 4, success: 3, created: 2, waits: 1})
	c.Observe("main", snapshot{requests: 10, success: 8, created: 2, discarded: 1, waits: 1})
	assert.Equal(t, 10.0, testutil.ToFloat64(c.requests.WithLabelValues("main")))
	assert.Equal(t, 8.0, testutil.ToFloat64(c.acquired.WithLabelValues("main")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.created.WithLabelValues("main")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.discarded.WithLabelValues("main")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.waits.WithLabelValues("main")))

	// counters restarted after a stop
	c.Observe("main", snapshot{requests: 2})
	assert.Equal(t, 12.0, testutil.ToFloat64(c.requests.WithLabelValues("main")))

	// pools are tracked independently
	c.Observe("reports", snapshot{requests: 1})
	assert.Equal(t, 1.0, testutil.ToFloat64(c.requests.WithLabelValues("reports")))
	assert.Equal(t, 12.0, testutil.ToFloat64(c.requests.WithLabelValues("main")))
}

func TestPoolCollector_RegistersOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPoolCollector("loandesk", reg, nil)
	c.Observe("main", snapshot{max: 10})

	n, err := testutil.GatherAndCount(reg, "loandesk_pool_max_sessions")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Panics(t, func() { NewPoolCollector("loandesk", reg, nil) })
}

func TestPoolCollector_Forget(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPoolCollector("loandesk", reg, nil)
	c.Observe("main", snapshot{idle: 1, requests: 3})
	c.Forget("main")

	n, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Zero(t, n)

	c.Observe("main", snapshot{requests: 3})
	assert.Equal(t, 3.0, testutil.ToFloat64(c.requests.WithLabelValues("main")))
}
