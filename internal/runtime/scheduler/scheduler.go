package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
)

// DefaultPoolSize is the number of task runs allowed to execute at once.
const DefaultPoolSize = 10

// Task is a unit of work executed by the scheduler. Errors are handed to the
// scheduler's ErrorHandler.
type Task func(ctx context.Context) error

// TaskScheduler is the shared worker pool executing dispatcher polling loops
// and adapter callbacks. The pool bound is enforced per task run, so resizing
// only affects runs that start afterwards.
type TaskScheduler struct {
	mu       sync.Mutex
	poolSize int
	sem      *semaphore.Weighted
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	tasks    map[*ScheduledTask]struct{}
	wg       sync.WaitGroup

	errorHandler ErrorHandler
	logger       loggingpkg.ServiceLogger
}

// ScheduledTask is a handle on a task registered with Schedule.
type ScheduledTask struct {
	ID       string
	task     Task
	schedule Schedule

	owner  *TaskScheduler
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a stopped scheduler. A nil errorHandler logs errors.
func New(poolSize int, errorHandler ErrorHandler, logger loggingpkg.ServiceLogger) *TaskScheduler {
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	s := &TaskScheduler{
		poolSize: poolSize,
		sem:      semaphore.NewWeighted(int64(poolSize)),
		tasks:    make(map[*ScheduledTask]struct{}),
		logger:   logger,
	}
	if errorHandler == nil {
		errorHandler = LoggingErrorHandler(logger)
	}
	s.errorHandler = errorHandler
	return s
}

// SetPoolSize resizes the pool for task runs starting after the call.
func (s *TaskScheduler) SetPoolSize(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == s.poolSize {
		return
	}
	s.poolSize = n
	s.sem = semaphore.NewWeighted(int64(n))
	s.logger.Info("Task scheduler pool resized", loggingpkg.LogFields{"pool_size": n})
}

// PoolSize returns the current pool bound.
func (s *TaskScheduler) PoolSize() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poolSize
}

// ErrorHandler returns the handler receiving task and delivery failures.
func (s *TaskScheduler) ErrorHandler() ErrorHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errorHandler
}

// SetErrorHandler replaces the failure handler.
func (s *TaskScheduler) SetErrorHandler(h ErrorHandler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	s.errorHandler = h
	s.mu.Unlock()
}

// HandleError forwards err to the configured ErrorHandler.
func (s *TaskScheduler) HandleError(err error) {
	if err == nil {
		return
	}
	s.ErrorHandler().HandleError(err)
}

// IsRunning reports whether Start has been called without a matching Stop.
func (s *TaskScheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start launches every task scheduled so far. It is a no-op when running.
func (s *TaskScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running = true
	for st := range s.tasks {
		s.launchLocked(st)
	}
	s.logger.Info("Task scheduler started", loggingpkg.LogFields{
		"pool_size": s.poolSize,
		"tasks":     len(s.tasks),
	})
}

// Stop cancels every scheduled task, forgets it, and waits for in-flight runs
// to return or for ctx to expire.
func (s *TaskScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.cancel()
	for st := range s.tasks {
		st.markDone()
	}
	s.tasks = make(map[*ScheduledTask]struct{})
	s.mu.Unlock()

	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		s.logger.Info("Task scheduler stopped", nil)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flowbus: waiting for scheduled tasks: %w", ctx.Err())
	}
}

// Schedule registers task to run on sched. Tasks scheduled while the
// scheduler is stopped start with the next Start.
func (s *TaskScheduler) Schedule(task Task, sched Schedule) (*ScheduledTask, error) {
	if task == nil {
		return nil, errspkg.ErrTaskRequired
	}
	st := &ScheduledTask{
		ID:       idspkg.CreateULID(),
		task:     task,
		schedule: sched,
		owner:    s,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[st] = struct{}{}
	if s.running {
		s.launchLocked(st)
	}
	return st, nil
}

// Execute runs task once on the pool. It requires a running scheduler.
func (s *TaskScheduler) Execute(task Task) (*ScheduledTask, error) {
	if !s.IsRunning() {
		return nil, errspkg.ErrSchedulerNotRunning
	}
	return s.Schedule(task, Once())
}

func (s *TaskScheduler) launchLocked(st *ScheduledTask) {
	ctx, cancel := context.WithCancel(s.ctx)
	st.mu.Lock()
	st.cancel = cancel
	st.mu.Unlock()

	s.wg.Add(1)
	go s.run(ctx, st)
}

func (s *TaskScheduler) run(ctx context.Context, st *ScheduledTask) {
	defer s.wg.Done()
	defer s.forget(st)

	next := firstRun(st.schedule, time.Now())
	for {
		if wait := time.Until(next); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}

		sem := s.semaphore()
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		s.runOnce(ctx, st)
		sem.Release(1)

		if st.schedule == nil {
			next = time.Now()
			continue
		}
		next = st.schedule.Next(time.Now())
		if next.IsZero() {
			return
		}
	}
}

func (s *TaskScheduler) runOnce(ctx context.Context, st *ScheduledTask) {
	defer func() {
		if r := recover(); r != nil {
			s.HandleError(fmt.Errorf("flowbus: scheduled task %s panicked: %v", st.ID, r))
		}
	}()
	if err := st.task(ctx); err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return
		}
		s.HandleError(err)
	}
}

func (s *TaskScheduler) semaphore() *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sem
}

func (s *TaskScheduler) forget(st *ScheduledTask) {
	s.mu.Lock()
	delete(s.tasks, st)
	s.mu.Unlock()
	st.markDone()
}

// Cancel stops future runs of the task. A run already in progress sees its
// context cancelled.
func (st *ScheduledTask) Cancel() {
	st.mu.Lock()
	cancel := st.cancel
	st.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	st.owner.forget(st)
}

// Done is closed once the task will not run again.
func (st *ScheduledTask) Done() <-chan struct{} {
	return st.done
}

func (st *ScheduledTask) markDone() {
	st.mu.Lock()
	defer st.mu.Unlock()
	select {
	case <-st.done:
	default:
		close(st.done)
	}
}
