package dbpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultNamePrefix = "dbpool"
)

var (
	poolCounter = newCounter()
)

type Option func(p *pool) error

// WithName is an option and used for naming the pool.
func WithName(name string) Option {
	return func(p *pool) error {
		p.name = name
		return nil
	}
}

// WithLogger sets the logger used for lifecycle events and monitor reports.
func WithLogger(l *zap.Logger) Option {
	return func(p *pool) error {
		if l == nil {
			return fmt.Errorf("%w: nil logger", ErrInvalidConfig)
		}
		p.logger = l
		return nil
	}
}

// WithObserver registers an observer called on every monitor tick.
func WithObserver(o Observer) Option {
	return func(p *pool) error {
		if o == nil {
			return fmt.Errorf("%w: nil observer", ErrInvalidConfig)
		}
		p.observers = append(p.observers, o)
		return nil
	}
}

type pool struct {
	name      string
	cfg       Config
	factory   Factory
	logger    *zap.Logger
	observers []Observer
	running   int32
	stats     *stats
	monitor   *monitor

	idle  chan *pooled
	freed chan struct{}
	done  chan struct{}

	mu     sync.Mutex // guards leased, total, closed and sends on idle
	leased map[*pooled]struct{}
	total  int
	closed bool
}

// New returns a session Pool pre-warmed with cfg.InitialSize sessions.
// Sessions that cannot be opened at start are logged and created on demand later.
func New(cfg Config, factory Factory, options ...Option) (Pool, error) {
	if factory == nil {
		return nil, fmt.Errorf("%w: no session factory provided", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &pool{
		factory: factory,
		cfg:     cfg,
		logger:  zap.NewNop(),
		idle:    make(chan *pooled, cfg.MaxSize),
		freed:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		leased:  make(map[*pooled]struct{}),
	}
	p.stats = newStats(p, cfg.MaxSize)
	for _, opt := range options {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.name == "" {
		p.name = fmt.Sprintf("%s-%d", defaultNamePrefix, poolCounter.inc())
	}
	p.logger = p.logger.With(zap.String("component", "db_pool"), zap.String("pool", p.name))

	p.start()
	return p, nil
}

// Get returns a leased session.
// Make sure pool is not stopped before calling otherwise ErrClosed is returned.
// Close the session as soon as the work is done; Close is safe to call more than once.
func (p *pool) Get(ctx context.Context) (s Session, err error) {
	defer p.updateStat(&err)

	if atomic.LoadInt32(&p.running) == 0 {
		return nil, ErrClosed
	}
	pc, err := p.get(ctx)
	if err != nil {
		return nil, err
	}
	if err := p.lease(pc); err != nil {
		return nil, err
	}
	return newConn(pc, p), nil
}

// MarkUnusable flags a leased session as broken. It is closed instead of being reused
// once the holder closes it, so call it before Close when a statement hit a network error.
func (p *pool) MarkUnusable(s Session) {
	if c, ok := s.(*conn); ok {
		c.markUnusable()
	}
}

// Stop terminates the pool. Idle and still-leased sessions are closed.
// Once you called it you can not resume the pool.
func (p *pool) Stop() error {
	if !atomic.CompareAndSwapInt32(&p.running, 1, 0) {
		return nil
	}
	if p.monitor != nil {
		p.monitor.stop()
	}

	p.mu.Lock()
	p.closed = true
	close(p.done)

	var err error
	var idleClosed int
drain:
	for {
		select {
		case pc := <-p.idle:
			err = multierr.Append(err, pc.Close())
			idleClosed++
		default:
			break drain
		}
	}
	leasedClosed := len(p.leased)
	for pc := range p.leased {
		err = multierr.Append(err, pc.Close())
	}
	p.leased = make(map[*pooled]struct{})
	p.total = 0
	p.mu.Unlock()

	p.stats.reset()
	p.logger.Info("pool stopped",
		zap.Int("idle_closed", idleClosed),
		zap.Int("leased_closed", leasedClosed),
		zap.Error(err),
	)
	return err
}

// Name returns the pool name.
// If you do not provide name param while creating the pool then a name starts with "dbpool" is assigned.
func (p *pool) Name() string {
	return p.name
}

// Stats returns a snapshot of the pool counters.
func (p *pool) Stats() Stats {
	return p.stats.snapshot()
}

func (p *pool) start() {
	if !atomic.CompareAndSwapInt32(&p.running, 0, 1) {
		return
	}
	n, err := p.prewarm(p.cfg.InitialSize)
	if err != nil {
		p.logger.Warn("pool started with fewer sessions than configured",
			zap.Int("initial_size", p.cfg.InitialSize),
			zap.Int("opened", n),
			zap.Error(err),
		)
	} else {
		p.logger.Info("pool started",
			zap.Int("initial_size", p.cfg.InitialSize),
			zap.Int("max_size", p.cfg.MaxSize),
		)
	}
	if p.cfg.MonitorInterval > 0 {
		p.monitor = newMonitor(p, p.cfg.MonitorInterval, p.logger, p.observers)
		p.monitor.start()
	}
}

func (p *pool) prewarm(size int) (int, error) {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		opened int
	)
	for i := 0; i < size; i++ {
		if !p.reserve() {
			break
		}
		g.Go(func() error {
			pc, err := p.dial(context.Background())
			if err != nil {
				return err
			}
			if !p.offer(pc) {
				p.discard(pc, "idle set full during prewarm")
				return nil
			}
			mu.Lock()
			opened++
			mu.Unlock()
			return nil
		})
	}
	err := g.Wait()
	return opened, err
}

func (p *pool) get(ctx context.Context) (*pooled, error) {
	pc, err := p.pollIdle(ctx)
	if err != nil {
		return nil, err
	}
	if pc != nil {
		if p.usable(ctx, pc) {
			return pc, nil
		}
		p.discard(pc, "failed validation on checkout")
	}

	if p.reserve() {
		return p.dial(ctx)
	}

	p.stats.waits.inc()
	pc, reserved, err := p.wait(ctx)
	if err != nil {
		return nil, err
	}
	if reserved {
		return p.dial(ctx)
	}
	if p.usable(ctx, pc) {
		return pc, nil
	}
	p.discard(pc, "failed validation after wait")

	if p.reserve() {
		return p.dial(ctx)
	}
	return nil, ErrValidationFailed
}

// pollIdle waits up to AcquireWaitTimeout for an idle session. A nil session with a nil
// error means the wait ran out.
func (p *pool) pollIdle(ctx context.Context) (*pooled, error) {
	select {
	case pc := <-p.idle:
		return pc, nil
	default:
	}
	if p.cfg.AcquireWaitTimeout <= 0 {
		return nil, nil
	}

	t := time.NewTimer(p.cfg.AcquireWaitTimeout)
	defer t.Stop()
	select {
	case pc := <-p.idle:
		return pc, nil
	case <-t.C:
		return nil, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrAcquisitionFailed, ctx.Err())
	case <-p.done:
		return nil, ErrClosed
	}
}

// wait blocks until a session is returned to the idle set or a slot is freed by a discard.
// reserved is true when the caller now owns a slot and has to dial.
func (p *pool) wait(ctx context.Context) (pc *pooled, reserved bool, err error) {
	for {
		select {
		case pc := <-p.idle:
			return pc, false, nil
		case <-p.freed:
			if p.reserve() {
				return nil, true, nil
			}
		case <-ctx.Done():
			return nil, false, fmt.Errorf("%w: %w", ErrAcquisitionFailed, ctx.Err())
		case <-p.done:
			return nil, false, ErrClosed
		}
	}
}

// reserve claims a slot for a session about to be dialed.
func (p *pool) reserve() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed || p.total >= p.cfg.MaxSize {
		return false
	}
	p.total++
	if p.total < p.cfg.MaxSize {
		// pass a pending wake-up on to the next waiter
		p.signalFreed()
	}
	return true
}

// unreserve gives a slot back and wakes one waiter.
func (p *pool) unreserve() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	if p.total > 0 {
		p.total--
	}
	p.signalFreed()
}

func (p *pool) signalFreed() {
	select {
	case p.freed <- struct{}{}:
	default:
	}
}

// dial opens a session on a slot obtained from reserve.
func (p *pool) dial(ctx context.Context) (*pooled, error) {
	dctx := ctx
	if p.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		defer cancel()
	}

	s, err := p.factory(dctx)
	if err == nil && s == nil {
		err = errors.New("factory returned no session")
	}
	if err != nil {
		p.unreserve()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrAcquisitionFailed, ctx.Err())
		}
		p.logger.Warn("could not open session", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}

	pc := newPooled(s)
	p.stats.created.inc()
	p.logger.Debug("session opened", zap.String("session", pc.id))
	return pc, nil
}

// usable runs the checkout checks: not closed, not stale, answers a bounded ping.
// The ping ignores the caller's cancellation.
func (p *pool) usable(ctx context.Context, pc *pooled) bool {
	if pc.IsClosed() {
		return false
	}
	if p.cfg.IdleTimeout > 0 && pc.lastUsed < time.Now().Add(-p.cfg.IdleTimeout).UTC().UnixNano() {
		return false
	}
	return p.ping(context.WithoutCancel(ctx), pc) == nil
}

func (p *pool) ping(ctx context.Context, pc *pooled) error {
	if p.cfg.ValidationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ValidationTimeout)
		defer cancel()
	}
	return pc.PingContext(ctx)
}

func (p *pool) lease(pc *pooled) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeQuietly(pc)
		return ErrClosed
	}
	p.leased[pc] = struct{}{}
	p.mu.Unlock()
	return nil
}

// offer pushes a session into the idle set without blocking.
func (p *pool) offer(pc *pooled) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return false
	}
	pc.lastUsed = time.Now().UTC().UnixNano()
	select {
	case p.idle <- pc:
		return true
	default:
		return false
	}
}

// put is the check-in path behind a lease's Close. It never fails towards the holder.
func (p *pool) put(pc *pooled, unusable bool) {
	p.mu.Lock()
	delete(p.leased, pc)
	closed := p.closed
	p.mu.Unlock()

	if closed {
		p.closeQuietly(pc)
		return
	}
	if unusable {
		p.discard(pc, "marked unusable")
		return
	}
	if pc.IsClosed() {
		p.discard(pc, "closed by holder")
		return
	}

	if err := p.resetTx(pc); err != nil {
		p.logger.Warn("rollback on release failed",
			zap.String("session", pc.id),
			zap.Error(fmt.Errorf("%w: %w", ErrReleaseAnomaly, err)),
		)
		p.discard(pc, "dirty transaction")
		return
	}

	if len(p.idle) < p.cfg.MaxSize {
		if err := p.ping(context.Background(), pc); err != nil {
			p.logger.Warn("liveness check on release failed",
				zap.String("session", pc.id),
				zap.Error(fmt.Errorf("%w: %w", ErrReleaseAnomaly, err)),
			)
		} else if p.offer(pc) {
			return
		}
	}
	p.discard(pc, "not returned to idle set")
}

// resetTx rolls back pending work so the next borrower starts clean.
func (p *pool) resetTx(pc *pooled) error {
	if pc.AutoCommit() {
		return nil
	}
	ctx := context.Background()
	if p.cfg.ValidationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ValidationTimeout)
		defer cancel()
	}
	if err := pc.Rollback(); err != nil {
		return err
	}
	return pc.SetAutoCommit(ctx, true)
}

// discard closes a session and gives its slot back.
func (p *pool) discard(pc *pooled, reason string) {
	p.closeQuietly(pc)
	p.unreserve()
	p.stats.discarded.inc()
	p.logger.Debug("session discarded", zap.String("session", pc.id), zap.String("reason", reason))
}

func (p *pool) closeQuietly(pc *pooled) {
	if err := pc.Close(); err != nil {
		p.logger.Debug("error closing session", zap.String("session", pc.id), zap.Error(err))
	}
}

func (p *pool) gauges() (idle, leased, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle), len(p.leased), p.total
}

func (p *pool) updateStat(err *error) {
	p.stats.request.inc()
	if *err == nil {
		p.stats.success.inc()
	}
}

// Validate reports whether the pool can be built from c.
func (c *Config) Validate() error {
	if c.InitialSize < 0 || c.MaxSize <= 0 || c.InitialSize > c.MaxSize {
		return fmt.Errorf("%w: please check initial and max size values", ErrInvalidConfig)
	}
	if c.AcquireWaitTimeout < 0 || c.ValidationTimeout < 0 || c.ConnectTimeout < 0 ||
		c.IdleTimeout < 0 || c.MonitorInterval < 0 {
		return fmt.Errorf("%w: durations can not be negative", ErrInvalidConfig)
	}
	return nil
}
