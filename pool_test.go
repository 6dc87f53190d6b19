package dbpool

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var (
	cfg = Config{
		InitialSize:        1,
		MaxSize:            10,
		AcquireWaitTimeout: 5 * time.Millisecond,
		ValidationTimeout:  100 * time.Millisecond,
		ConnectTimeout:     time.Second,
	}

	errGone = errors.New("server closed the connection")
)

type fakeSession struct {
	mu          sync.Mutex
	closed      bool
	autoCommit  bool
	pending     []string
	committed   []string
	rollbacks   int
	pingErr     error
	rollbackErr error
}

func (s *fakeSession) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, sql.ErrConnDone
	}
	if s.autoCommit {
		s.committed = append(s.committed, query)
	} else {
		s.pending = append(s.pending, query)
	}
	return driver.RowsAffected(1), nil
}

func (s *fakeSession) QueryContext(context.Context, string, ...any) (*sql.Rows, error) {
	return nil, errors.New("fake session does not support queries")
}

func (s *fakeSession) PingContext(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sql.ErrConnDone
	}
	return s.pingErr
}

func (s *fakeSession) AutoCommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoCommit
}

func (s *fakeSession) SetAutoCommit(_ context.Context, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on && !s.autoCommit {
		s.committed = append(s.committed, s.pending...)
		s.pending = nil
	}
	s.autoCommit = on
	return nil
}

func (s *fakeSession) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, s.pending...)
	s.pending = nil
	return nil
}

func (s *fakeSession) Rollback() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rollbackErr != nil {
		return s.rollbackErr
	}
	s.pending = nil
	s.rollbacks++
	return nil
}

func (s *fakeSession) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) breakWith(err error) {
	s.mu.Lock()
	s.pingErr = err
	s.mu.Unlock()
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
}

func (f *fakeFactory) open(ctx context.Context) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{autoCommit: true}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeFactory) opened() []*fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSession(nil), f.sessions...)
}

func TestNew(t *testing.T) {
	f := &fakeFactory{}
	tests := []struct {
		desc    string
		cfg     Config
		factory Factory
		wantErr bool
	}{
		{
			desc:    "empty pool",
			cfg:     Config{},
			factory: f.open,
			wantErr: true,
		},
		{
			desc: "initial is greater than max",
			cfg: Config{
				InitialSize: 2,
				MaxSize:     1,
			},
			factory: f.open,
			wantErr: true,
		},
		{
			desc: "negative timeout",
			cfg: Config{
				InitialSize:        1,
				MaxSize:            2,
				AcquireWaitTimeout: -time.Second,
			},
			factory: f.open,
			wantErr: true,
		},
		{
			desc:    "no factory",
			cfg:     cfg,
			wantErr: true,
		},
		{
			desc: "with session factory",
			cfg: Config{
				InitialSize: 5,
				MaxSize:     30,
			},
			factory: f.open,
			wantErr: false,
		},
		{
			desc:    "defaults",
			cfg:     DefaultConfig(),
			factory: f.open,
			wantErr: false,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			p, err := New(tc.cfg, tc.factory)
			if (err != nil) != tc.wantErr {
				t.Fatalf("New error, -wantErr: %v, +gotErr: %v, err: %v", tc.wantErr, err != nil, err)
			}
			if err != nil && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("New error, want ErrInvalidConfig, got: %v", err)
			}
			if p != nil {
				_ = p.Stop()
			}
		})
	}
}

func TestPool_Start(t *testing.T) {
	tests := []struct {
		desc        string
		initialSize int
		factoryErr  error
		wantSize    int
	}{
		{
			desc:        "prewarm",
			initialSize: 3,
			wantSize:    3,
		},
		{
			desc:        "no prewarm",
			initialSize: 0,
			wantSize:    0,
		},
		{
			desc:        "store unreachable at start",
			initialSize: 3,
			factoryErr:  errGone,
			wantSize:    0,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			f := &fakeFactory{err: tc.factoryErr}
			c := cfg
			c.InitialSize = tc.initialSize
			p, err := New(c, f.open)
			if err != nil {
				t.Fatalf("new err, err: %v", err)
			}
			defer p.Stop()

			if atomic.LoadInt32(&p.(*pool).running) == 0 {
				t.Fatal("start err, it is not running.")
			}
			st := p.Stats()
			if st.Size() != tc.wantSize || st.Available() != tc.wantSize {
				t.Fatalf("prewarm err, -want: %d, +size: %d, +available: %d", tc.wantSize, st.Size(), st.Available())
			}
		})
	}
}

func TestPool_Get(t *testing.T) {
	tests := []struct {
		desc      string
		cfg       Config
		demanding int
	}{
		{
			desc:      "get",
			demanding: 10,
			cfg: Config{
				InitialSize: 1,
				MaxSize:     10,
			},
		},
		{
			desc:      "demanding less than max",
			demanding: 6,
			cfg: Config{
				InitialSize:        5,
				MaxSize:            10,
				AcquireWaitTimeout: time.Millisecond,
			},
		},
		{
			desc:      "demanding more than max",
			demanding: 15,
			cfg: Config{
				InitialSize:        5,
				MaxSize:            10,
				AcquireWaitTimeout: time.Millisecond,
			},
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			f := &fakeFactory{}
			p, err := New(tc.cfg, f.open)
			if err != nil {
				t.Fatalf("new error, err: %v", err)
			}
			defer p.Stop()

			wg := sync.WaitGroup{}
			for i := 0; i < tc.demanding; i++ {
				s, err := p.Get(context.Background())
				if err != nil {
					t.Fatalf("get error, err: %v", err)
				}

				wg.Add(1)
				go func() {
					defer wg.Done()
					time.Sleep(5 * time.Millisecond)
					s.Close()
				}()
			}
			wg.Wait()
			if p.Stats().Size() > tc.cfg.MaxSize {
				t.Fatalf("session management err, size: %d, maxSize: %d", p.Stats().Size(), tc.cfg.MaxSize)
			}
			if p.Stats().Active() != 0 {
				t.Fatalf("session leak, active: %d", p.Stats().Active())
			}
		})
	}
}

func TestPool_Stop(t *testing.T) {
	f := &fakeFactory{}
	c := cfg
	c.InitialSize = 2
	c.MaxSize = 3
	p, err := New(c, f.open)
	if err != nil {
		t.Fatalf("new err, err: %v", err)
	}
	held, err := p.Get(context.Background())
	if err != nil {
		t.Fatalf("get err, err: %v", err)
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("stop err, err: %v", err)
	}
	if atomic.LoadInt32(&p.(*pool).running) == 1 {
		t.Fatal("stop err, it is still running.")
	}
	for i, s := range f.opened() {
		if !s.IsClosed() {
			t.Fatalf("stop err, session %d is still open", i)
		}
	}
	if st := p.Stats(); st.Size() != 0 || st.Available() != 0 || st.Active() != 0 {
		t.Fatalf("stop err, size: %d, available: %d, active: %d", st.Size(), st.Available(), st.Active())
	}
	if _, err := p.Get(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("get after stop, -want: %v, +got: %v", ErrClosed, err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second stop err, err: %v", err)
	}
	// a holder releasing after shutdown must not panic or resurrect the session
	if err := held.Close(); err != nil {
		t.Fatalf("late close err, err: %v", err)
	}
	if st := p.Stats(); st.Available() != 0 {
		t.Fatalf("late close re-queued a session, available: %d", st.Available())
	}
}

func TestPool_Name(t *testing.T) {
	tests := []struct {
		desc string
		name string
	}{
		{
			desc: " name",
			name: "test_pool",
		},
		{
			desc: "default name",
		},
	}

	for _, tc := range tests {
		tc := tc
		var opts []Option
		if tc.name != "" {
			opts = append(opts, WithName(tc.name))
		}
		f := &fakeFactory{}
		p, err := New(cfg, f.open, opts...)
		if err != nil {
			t.Fatalf("new err, err: %v", err)
		}

		if tc.name == "" && !strings.HasPrefix(p.Name(), defaultNamePrefix) {
			t.Fatalf("Name error, -want:%s*, +got:%s", defaultNamePrefix, p.Name())
		}
		if tc.name != "" && tc.name != p.Name() {
			t.Fatalf("Name error, -name: %v, +name: %v", tc.name, p.Name())
		}
		_ = p.Stop()
	}
}

func TestConcurrency(t *testing.T) {
	tests := []struct {
		desc        string
		workersSize int
		reqCount    int
	}{
		{
			desc:        "with 10 consumers",
			workersSize: 10,
			reqCount:    10,
		},
		{
			desc:        "with 30 consumers",
			workersSize: 30,
			reqCount:    20,
		},
		{
			desc:        "with 100 consumers",
			workersSize: 100,
			reqCount:    10,
		},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			c := Config{
				InitialSize:        1,
				MaxSize:            5,
				AcquireWaitTimeout: time.Millisecond,
				ValidationTimeout:  100 * time.Millisecond,
			}
			f := &fakeFactory{}
			p, err := New(c, f.open)
			if err != nil {
				t.Fatalf("new error, err: %v.", err)
			}
			defer p.Stop()

			var successCount int64
			wg := sync.WaitGroup{}
			wg.Add(tc.workersSize)
			for i := 0; i < tc.workersSize; i++ {
				go func() {
					defer wg.Done()
					for i := 0; i < tc.reqCount; i++ {
						if size := p.Stats().Size(); size > c.MaxSize {
							t.Errorf("session management error, size: %d, maxSize: %d", size, c.MaxSize)
							return
						}

						s, err := p.Get(context.Background())
						if err != nil {
							t.Errorf("get error, err: %v", err)
							return
						}
						atomic.AddInt64(&successCount, 1)
						time.Sleep(time.Millisecond)
						_ = s.Close()
					}
				}()
			}
			wg.Wait()

			st := p.Stats()
			if st.Size() > c.MaxSize {
				t.Fatalf("size failure, size: %d should not be larger than maxSize: %d", st.Size(), c.MaxSize)
			}
			if len(f.opened()) > c.MaxSize {
				t.Fatalf("factory called too often, opened: %d, maxSize: %d", len(f.opened()), c.MaxSize)
			}

			wantReqCount := tc.workersSize * tc.reqCount
			if st.Request() != wantReqCount {
				t.Fatalf("request count failure, -wantedReqCount: %d, +gotReqCount: %d", wantReqCount, st.Request())
			}
			if st.Success() != int(successCount) {
				t.Fatalf("success count failure, -wantedSuccessCount: %d, +gotSuccessCount: %d", successCount, st.Success())
			}
			if st.Available() != st.Size() {
				t.Fatalf("available session count failure, -wantedAvailableCount: %d, +gotAvailableCount: %d", st.Size(), st.Available())
			}
		})
	}
}

func TestPool_MarkUnusable(t *testing.T) {
	f := &fakeFactory{}
	p, _ := New(cfg, f.open)
	defer p.Stop()

	s, _ := p.Get(context.Background())
	p.MarkUnusable(s)
	s.Close()

	if !f.opened()[0].IsClosed() {
		t.Fatal("unusable session was not closed")
	}
	if st := p.Stats(); st.Size() != 0 || st.Discarded() != 1 {
		t.Fatalf("unusable session still counted, size: %d, discarded: %d", st.Size(), st.Discarded())
	}
}
