package dbpool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMonitor_ReportsAndSurvivesObserverPanic(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	snapshots := make(chan Stats, 16)

	p, _ := newTestPool(t,
		Config{InitialSize: 2, MaxSize: 4, MonitorInterval: 10 * time.Millisecond},
		WithName("loans"),
		WithLogger(zap.New(core)),
		WithObserver(ObserverFunc(func(string, Stats) { panic("observer bug") })),
		WithObserver(ObserverFunc(func(name string, s Stats) {
			assert.Equal(t, "loans", name)
			select {
			case snapshots <- s:
			default:
			}
		})),
	)

	for i := 0; i < 2; i++ {
		select {
		case s := <-snapshots:
			assert.Equal(t, 2, s.Available())
			assert.Equal(t, 0, s.Active())
			assert.Equal(t, 2, s.Size())
			assert.Equal(t, 4, s.MaxSize())
		case <-time.After(2 * time.Second):
			t.Fatalf("monitor stopped reporting after %d ticks", i)
		}
	}

	require.NoError(t, p.Stop())
	assert.NotZero(t, logs.FilterMessage("connection pool status").Len())
	assert.NotZero(t, logs.FilterMessage("pool observer panicked").Len())

	entry := logs.FilterMessage("connection pool status").All()[0]
	fields := entry.ContextMap()
	assert.Equal(t, "db_pool", fields["component"])
	assert.Equal(t, "loans", fields["pool"])
	assert.EqualValues(t, 2, fields["idle"])
}

func TestMonitor_StopsWithPool(t *testing.T) {
	f := &fakeFactory{}
	p, err := New(Config{InitialSize: 1, MaxSize: 1, MonitorInterval: 5 * time.Millisecond}, f.open)
	require.NoError(t, err)

	m := p.(*pool).monitor
	require.NotNil(t, m)
	require.NoError(t, p.Stop())

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor goroutine still running after stop")
	}
}
