package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (r *errorRecorder) HandleError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *errorRecorder) Errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func stopScheduler(t *testing.T, s *TaskScheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestScheduleBeforeStartRunsOnStart(t *testing.T) {
	s := New(2, nil, nil)
	var runs atomic.Int32

	_, err := s.Schedule(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, PollingSchedule{Period: 5 * time.Millisecond})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), runs.Load(), "task must not run before Start")

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	stopScheduler(t, s)

	after := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, runs.Load(), "task must not run after Stop")
}

func TestStartIsIdempotent(t *testing.T) {
	s := New(1, nil, nil)
	var runs atomic.Int32
	_, err := s.Schedule(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, Once())
	require.NoError(t, err)

	s.Start()
	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	assert.True(t, s.IsRunning())
	stopScheduler(t, s)
	assert.False(t, s.IsRunning())
}

func TestStopForgetsTasks(t *testing.T) {
	s := New(1, nil, nil)
	var runs atomic.Int32
	st, err := s.Schedule(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, PollingSchedule{Period: time.Millisecond})
	require.NoError(t, err)

	s.Start()
	assert.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, time.Millisecond)
	stopScheduler(t, s)
	<-st.Done()

	before := runs.Load()
	s.Start()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, before, runs.Load(), "stopped scheduler must not resurrect tasks")
	stopScheduler(t, s)
}

func TestErrorsAndPanicsReachErrorHandler(t *testing.T) {
	rec := &errorRecorder{}
	s := New(2, rec, nil)
	s.Start()
	defer stopScheduler(t, s)

	boom := errors.New("boom")
	_, err := s.Execute(func(ctx context.Context) error { return boom })
	require.NoError(t, err)
	_, err = s.Execute(func(ctx context.Context) error { panic("kaboom") })
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(rec.Errors()) == 2 }, time.Second, time.Millisecond)
	errs := rec.Errors()
	var sawBoom, sawPanic bool
	for _, e := range errs {
		switch {
		case errors.Is(e, boom):
			sawBoom = true
		case strings.Contains(e.Error(), "panicked"):
			sawPanic = true
		}
	}
	assert.True(t, sawBoom)
	assert.True(t, sawPanic)
}

func TestExecuteRequiresRunningScheduler(t *testing.T) {
	s := New(1, nil, nil)
	_, err := s.Execute(func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, errspkg.ErrSchedulerNotRunning)

	_, err = s.Schedule(nil, nil)
	assert.ErrorIs(t, err, errspkg.ErrTaskRequired)
}

func TestPoolSizeBoundsConcurrentRuns(t *testing.T) {
	s := New(2, nil, nil)
	s.Start()
	defer stopScheduler(t, s)

	var current, peak atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		_, err := s.Execute(func(ctx context.Context) error {
			defer wg.Done()
			n := current.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			current.Add(-1)
			return nil
		})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return current.Load() == 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), peak.Load())
	close(release)
	wg.Wait()
}

func TestSetPoolSizeAffectsLaterRuns(t *testing.T) {
	s := New(1, nil, nil)
	assert.Equal(t, 1, s.PoolSize())
	s.SetPoolSize(3)
	s.SetPoolSize(0)
	assert.Equal(t, 3, s.PoolSize())

	s.Start()
	defer stopScheduler(t, s)

	var current atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		_, err := s.Execute(func(ctx context.Context) error {
			defer wg.Done()
			current.Add(1)
			<-release
			return nil
		})
		require.NoError(t, err)
	}
	assert.Eventually(t, func() bool { return current.Load() == 3 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()
}

func TestCancelTask(t *testing.T) {
	s := New(1, nil, nil)
	s.Start()
	defer stopScheduler(t, s)

	var runs atomic.Int32
	st, err := s.Schedule(func(ctx context.Context) error {
		runs.Add(1)
		return nil
	}, PollingSchedule{Period: time.Millisecond})
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return runs.Load() > 0 }, time.Second, time.Millisecond)

	st.Cancel()
	select {
	case <-st.Done():
	case <-time.After(time.Second):
		t.Fatal("cancelled task never finished")
	}
}

func TestStopTimesOutOnStuckTask(t *testing.T) {
	s := New(1, nil, nil)
	s.Start()
	release := make(chan struct{})
	_, err := s.Execute(func(ctx context.Context) error {
		<-release
		return nil
	})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Stop(ctx), context.DeadlineExceeded)
	close(release)
	require.NoError(t, s.Stop(context.Background()))
	s.wg.Wait()
}

func TestIsDue(t *testing.T) {
	now := time.Now()
	poll := PollingSchedule{Period: time.Second}

	assert.True(t, IsDue(nil, now, now))
	assert.True(t, IsDue(poll, time.Time{}, now))
	assert.False(t, IsDue(poll, now, now.Add(500*time.Millisecond)))
	assert.True(t, IsDue(poll, now, now.Add(time.Second)))
	assert.False(t, IsDue(Once(), now, now.Add(time.Hour)))
}

func TestCronSchedule(t *testing.T) {
	sched, err := ParseCron("@every 2s")
	require.NoError(t, err)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, base.Add(2*time.Second), sched.Next(base))
	assert.Equal(t, base.Add(2*time.Second), firstRun(sched, base))

	hourly := MustParseCron("0 * * * *")
	assert.Equal(t, base.Add(time.Hour), hourly.Next(base))

	_, err = ParseCron("not a cron")
	assert.Error(t, err)
	assert.Panics(t, func() { MustParseCron("nope") })
	assert.True(t, CronSchedule{}.Next(base).IsZero())
}

func TestPollingScheduleInitialDelay(t *testing.T) {
	now := time.Now()
	p := PollingSchedule{Period: time.Second, InitialDelay: 3 * time.Second}
	assert.Equal(t, now.Add(3*time.Second), firstRun(p, now))
	assert.Equal(t, now, firstRun(Once(), now))
}
