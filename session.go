package dbpool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"time"
)

const defaultQueryTimeout = 10 * time.Second

// SQLOption configures sessions produced by NewSQLFactory.
type SQLOption func(f *sqlFactory)

// WithQueryTimeout bounds ExecContext calls whose context carries no deadline.
// Zero disables the default.
func WithQueryTimeout(d time.Duration) SQLOption {
	return func(f *sqlFactory) {
		f.queryTimeout = d
	}
}

type sqlFactory struct {
	db           *sql.DB
	queryTimeout time.Duration
}

// NewSQLFactory returns a Factory pinning one *sql.Conn of db per session.
// db should not keep idle connections of its own (SetMaxIdleConns(0)) so that a
// closed session really closes its driver connection.
func NewSQLFactory(db *sql.DB, opts ...SQLOption) Factory {
	f := &sqlFactory{db: db, queryTimeout: defaultQueryTimeout}
	for _, opt := range opts {
		opt(f)
	}
	return f.open
}

func (f *sqlFactory) open(ctx context.Context) (Session, error) {
	c, err := f.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	// sql.DB.Conn may hand back a connection that was never used; make sure it answers.
	if err := c.PingContext(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return &sqlSession{conn: c, autoCommit: true, queryTimeout: f.queryTimeout}, nil
}

// sqlSession keeps an autocommit flag on top of a pinned *sql.Conn: with autocommit
// off, the first statement opens a transaction that lives until Commit or Rollback.
type sqlSession struct {
	conn         *sql.Conn
	queryTimeout time.Duration

	mu         sync.Mutex
	tx         *sql.Tx
	autoCommit bool
	closed     bool
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// target returns the transaction when autocommit is off, opening it if needed.
func (s *sqlSession) target() (execQuerier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, sql.ErrConnDone
	}
	if s.autoCommit {
		return s.conn, nil
	}
	if s.tx == nil {
		// The transaction outlives any single statement context.
		tx, err := s.conn.BeginTx(context.Background(), nil)
		if err != nil {
			return nil, fmt.Errorf("begin transaction: %w", err)
		}
		s.tx = tx
	}
	return s.tx, nil
}

func (s *sqlSession) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	t, err := s.target()
	if err != nil {
		return nil, err
	}
	if _, ok := ctx.Deadline(); !ok && s.queryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.queryTimeout)
		defer cancel()
	}
	return t.ExecContext(ctx, query, args...)
}

// QueryContext runs under the caller's context only; rows outlive this call.
func (s *sqlSession) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	t, err := s.target()
	if err != nil {
		return nil, err
	}
	return t.QueryContext(ctx, query, args...)
}

func (s *sqlSession) PingContext(ctx context.Context) error {
	if s.IsClosed() {
		return sql.ErrConnDone
	}
	return s.conn.PingContext(ctx)
}

func (s *sqlSession) AutoCommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoCommit
}

// SetAutoCommit switches the commit mode. Turning autocommit back on commits pending work.
func (s *sqlSession) SetAutoCommit(_ context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return sql.ErrConnDone
	}
	if on && s.tx != nil {
		err := s.tx.Commit()
		s.tx = nil
		if err != nil {
			return err
		}
	}
	s.autoCommit = on
	return nil
}

func (s *sqlSession) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.autoCommit {
		return errors.New("commit with autocommit enabled")
	}
	if s.tx == nil {
		return nil
	}
	err := s.tx.Commit()
	s.tx = nil
	return err
}

func (s *sqlSession) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.autoCommit {
		return errors.New("rollback with autocommit enabled")
	}
	if s.tx == nil {
		return nil
	}
	err := s.tx.Rollback()
	s.tx = nil
	return err
}

// IsClosed reports whether Close was called or the driver gave up on the connection.
func (s *sqlSession) IsClosed() bool {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return true
	}

	err := s.conn.Raw(func(dc any) error {
		if v, ok := dc.(driver.Validator); ok && !v.IsValid() {
			return driver.ErrBadConn
		}
		return nil
	})
	return err != nil
}

func (s *sqlSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	var txErr error
	if s.tx != nil {
		txErr = s.tx.Rollback()
		s.tx = nil
	}
	if err := s.conn.Close(); err != nil {
		return err
	}
	if errors.Is(txErr, sql.ErrTxDone) {
		return nil
	}
	return txErr
}
