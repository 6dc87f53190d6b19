package dbpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

type statser interface {
	Name() string
	Stats() Stats
}

// monitor periodically reports pool status. It only reads snapshots.
type monitor struct {
	src       statser
	interval  time.Duration
	logger    *zap.Logger
	observers []Observer

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newMonitor(src statser, interval time.Duration, logger *zap.Logger, observers []Observer) *monitor {
	return &monitor{
		src:       src,
		interval:  interval,
		logger:    logger,
		observers: observers,
	}
}

func (m *monitor) start() {
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(ctx)
}

func (m *monitor) stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.wg.Wait()
}

func (m *monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.report()
		}
	}
}

func (m *monitor) report() {
	s := m.src.Stats()
	m.logger.Info("connection pool status",
		zap.Int("idle", s.Available()),
		zap.Int("leased", s.Active()),
		zap.Int("total", s.Size()),
		zap.Int("max", s.MaxSize()),
		zap.Int("requests", s.Request()),
		zap.Int("waits", s.Waits()),
	)
	for _, o := range m.observers {
		m.notify(o, s)
	}
}

func (m *monitor) notify(o Observer, s Stats) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("pool observer panicked", zap.Error(fmt.Errorf("%v", r)))
		}
	}()
	o.Observe(m.src.Name(), s)
}
