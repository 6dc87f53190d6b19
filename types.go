package dbpool

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

var (
	ErrClosed        = errors.New("pool is closed")
	ErrInvalidConfig = errors.New("invalid pool configuration")

	// ErrConnectFailed is returned by Get when the factory could not open a new session.
	ErrConnectFailed = errors.New("could not open a new session")

	// ErrValidationFailed is returned by Get when every candidate session failed its liveness probe.
	ErrValidationFailed = errors.New("session failed validation")

	// ErrAcquisitionFailed is returned by Get when the caller's context ended while waiting.
	ErrAcquisitionFailed = errors.New("could not acquire a session")

	// ErrReleaseAnomaly is only logged; release never returns an error to the holder.
	ErrReleaseAnomaly = errors.New("session could not be returned to the pool")

	// ErrReleased is returned by a leased session used after Close.
	ErrReleased = errors.New("session was already returned to the pool")
)

// Session is a live connection to the backing store.
// A Session handed out by a Pool returns itself to the pool on Close.
type Session interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PingContext(ctx context.Context) error

	// AutoCommit reports whether statements commit individually.
	AutoCommit() bool
	SetAutoCommit(ctx context.Context, on bool) error
	Commit() error
	Rollback() error

	IsClosed() bool
	Close() error
}

// Factory opens a new Session. The context carries the connect timeout.
type Factory func(ctx context.Context) (Session, error)

type Pool interface {
	Name() string
	Get(ctx context.Context) (Session, error)
	Stop() error
	Stats() Stats
	MarkUnusable(s Session)
}

type Config struct {
	InitialSize        int
	MaxSize            int
	AcquireWaitTimeout time.Duration
	ValidationTimeout  time.Duration
	ConnectTimeout     time.Duration
	IdleTimeout        time.Duration
	MonitorInterval    time.Duration
}

// DefaultConfig returns the settings the loan desk has been running with.
func DefaultConfig() Config {
	return Config{
		InitialSize:        3,
		MaxSize:            10,
		AcquireWaitTimeout: 3 * time.Second,
		ValidationTimeout:  2 * time.Second,
		ConnectTimeout:     5 * time.Second,
		MonitorInterval:    time.Minute,
	}
}

type Stats interface {
	// Available sessions sitting idle in the pool.
	Available() int

	// Active sessions leased by consumers.
	Active() int

	// Size is the number of sessions in existence.
	Size() int

	MaxSize() int

	// Request total number of get session attempts.
	Request() int

	// Success total number of successfully completed get session.
	Success() int

	Created() int
	Discarded() int

	// Waits counts Get calls that had to block for a returned session.
	Waits() int
}

// Observer receives the pool status on every monitor tick.
type Observer interface {
	Observe(pool string, s Stats)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(pool string, s Stats)

func (f ObserverFunc) Observe(pool string, s Stats) { f(pool, s) }
