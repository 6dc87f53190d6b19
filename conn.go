package dbpool

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type putter interface {
	put(pc *pooled, unusable bool)
}

// pooled is a raw session together with the bookkeeping the pool keeps for it.
type pooled struct {
	Session
	id        string
	createdAt time.Time
	// unix epoch Nanoseconds, written only while the session is not in the idle channel
	lastUsed int64
}

func newPooled(s Session) *pooled {
	now := time.Now().UTC()
	return &pooled{
		Session:   s,
		id:        uuid.NewString(),
		createdAt: now,
		lastUsed:  now.UnixNano(),
	}
}

// conn is the lease handed to callers. Close returns the session exactly once.
type conn struct {
	*pooled
	p        putter
	once     sync.Once
	released atomic.Bool
	unUsable atomic.Bool
}

func newConn(pc *pooled, p putter) *conn {
	return &conn{pooled: pc, p: p}
}

func (c *conn) Close() error {
	c.once.Do(func() {
		c.released.Store(true)
		c.p.put(c.pooled, c.unUsable.Load())
	})
	return nil
}

func (c *conn) IsClosed() bool {
	return c.released.Load() || c.pooled.IsClosed()
}

func (c *conn) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	if c.released.Load() {
		return nil, ErrReleased
	}
	return c.pooled.ExecContext(ctx, query, args...)
}

func (c *conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if c.released.Load() {
		return nil, ErrReleased
	}
	return c.pooled.QueryContext(ctx, query, args...)
}

func (c *conn) PingContext(ctx context.Context) error {
	if c.released.Load() {
		return ErrReleased
	}
	return c.pooled.PingContext(ctx)
}

// AutoCommit reports true once the lease is released; the session it wrapped may
// already belong to another holder.
func (c *conn) AutoCommit() bool {
	if c.released.Load() {
		return true
	}
	return c.pooled.AutoCommit()
}

func (c *conn) SetAutoCommit(ctx context.Context, on bool) error {
	if c.released.Load() {
		return ErrReleased
	}
	return c.pooled.SetAutoCommit(ctx, on)
}

func (c *conn) Commit() error {
	if c.released.Load() {
		return ErrReleased
	}
	return c.pooled.Commit()
}

func (c *conn) Rollback() error {
	if c.released.Load() {
		return ErrReleased
	}
	return c.pooled.Rollback()
}

func (c *conn) markUnusable() {
	c.unUsable.Store(true)
}
