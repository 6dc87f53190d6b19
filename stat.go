package dbpool

import "sync/atomic"

type counter interface {
	inc() (newVal int)
	dec() (newVal int)
	reset() (newVal int)
	val() int
}

// gauger exposes the point-in-time figures owned by the pool's lock.
type gauger interface {
	gauges() (idle, leased, total int)
}

type count struct {
	v int64
}

func newCounter() counter {
	return &count{}
}

func (c *count) inc() (new int) {
	return int(atomic.AddInt64(&c.v, 1))
}

func (c *count) dec() (new int) {
	return int(atomic.AddInt64(&c.v, -1))
}

func (c *count) val() int {
	return int(atomic.LoadInt64(&c.v))
}

func (c *count) reset() (old int) {
	return int(atomic.SwapInt64(&c.v, 0))
}

type stats struct {
	g         gauger
	maxSize   int
	request   counter
	success   counter
	created   counter
	discarded counter
	waits     counter
}

func newStats(g gauger, maxSize int) *stats {
	return &stats{
		g:         g,
		maxSize:   maxSize,
		request:   newCounter(),
		success:   newCounter(),
		created:   newCounter(),
		discarded: newCounter(),
		waits:     newCounter(),
	}
}

func (s *stats) reset() {
	s.request.reset()
	s.success.reset()
	s.created.reset()
	s.discarded.reset()
	s.waits.reset()
}

func (s *stats) snapshot() Stats {
	idle, leased, total := s.g.gauges()
	return &statsSnapshot{
		available: idle,
		active:    leased,
		size:      total,
		maxSize:   s.maxSize,
		request:   s.request.val(),
		success:   s.success.val(),
		created:   s.created.val(),
		discarded: s.discarded.val(),
		waits:     s.waits.val(),
	}
}

type statsSnapshot struct {
	available int
	active    int
	size      int
	maxSize   int
	request   int
	success   int
	created   int
	discarded int
	waits     int
}

func (s *statsSnapshot) Available() int { return s.available }

func (s *statsSnapshot) Active() int { return s.active }

func (s *statsSnapshot) Size() int { return s.size }

func (s *statsSnapshot) MaxSize() int { return s.maxSize }

func (s *statsSnapshot) Request() int { return s.request }

func (s *statsSnapshot) Success() int { return s.success }

func (s *statsSnapshot) Created() int { return s.created }

func (s *statsSnapshot) Discarded() int { return s.discarded }

func (s *statsSnapshot) Waits() int { return s.waits }
