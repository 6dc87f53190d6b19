// Package audit runs database work off the caller's goroutine and records employee
// activity in the audit log.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/soyvural/dbpool"
)

const defaultConcurrency = 4

// ErrRunnerClosed is reported for tasks submitted after Close.
var ErrRunnerClosed = errors.New("runner is closed")

// Task is a unit of background work on a leased session.
type Task func(ctx context.Context, s dbpool.Session) error

// Runner executes tasks on background goroutines. Each task gets its own lease which is
// returned to the pool when the task ends, whatever the outcome.
type Runner struct {
	pool   dbpool.Pool
	logger *zap.Logger
	group  errgroup.Group

	mu     sync.RWMutex
	closed bool
}

// NewRunner returns a Runner running at most limit tasks at once. A limit below one
// uses the default.
func NewRunner(p dbpool.Pool, limit int, logger *zap.Logger) *Runner {
	if limit < 1 {
		limit = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Runner{
		pool:   p,
		logger: logger.With(zap.String("component", "audit_runner"), zap.String("pool", p.Name())),
	}
	r.group.SetLimit(limit)
	return r
}

// Submit schedules task and returns once it has a worker slot. Failures go to onError
// when it is set and are logged otherwise. Cancellation of ctx is logged only.
func (r *Runner) Submit(ctx context.Context, task Task, onError func(error)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.report(ErrRunnerClosed, onError)
		return
	}
	r.group.Go(func() error {
		r.run(ctx, task, onError)
		return nil
	})
}

func (r *Runner) run(ctx context.Context, task Task, onError func(error)) {
	defer func() {
		if v := recover(); v != nil {
			r.report(fmt.Errorf("task panicked: %v", v), onError)
		}
	}()

	s, err := r.pool.Get(ctx)
	if err != nil {
		r.report(err, onError)
		return
	}
	defer s.Close()

	if err := task(ctx, s); err != nil {
		r.report(err, onError)
	}
}

func (r *Runner) report(err error, onError func(error)) {
	if errors.Is(err, context.Canceled) {
		r.logger.Info("background task cancelled", zap.Error(err))
		return
	}
	if onError != nil {
		onError(err)
		return
	}
	r.logger.Error("background task failed", zap.Error(err))
}

// Wait blocks until every submitted task has finished.
func (r *Runner) Wait() {
	_ = r.group.Wait()
}

// Close refuses new tasks and waits for the running ones.
func (r *Runner) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.Wait()
}
