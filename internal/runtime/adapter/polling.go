package adapter

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	schedulerpkg "github.com/drblury/flowbus/internal/runtime/scheduler"
)

// PollFunc fetches the next batch of messages. An empty batch is fine.
type PollFunc func(ctx context.Context) ([]*message.Message, error)

// PollingSource calls a PollFunc on a schedule of the bus task scheduler and
// sends the returned messages to a channel. Poll errors and refused sends go
// to the scheduler error handler and from there to the invalid-message channel.
type PollingSource struct {
	poll        PollFunc
	target      channelpkg.MessageChannel
	schedule    schedulerpkg.Schedule
	sendTimeout time.Duration
	logger      loggingpkg.ServiceLogger

	mu        sync.Mutex
	scheduler *schedulerpkg.TaskScheduler
	task      *schedulerpkg.ScheduledTask
}

// NewPollingSource polls into target on schedule. A nil schedule polls every
// DefaultPollPeriod.
func NewPollingSource(poll PollFunc, target channelpkg.MessageChannel, schedule schedulerpkg.Schedule, opts ...Option) (*PollingSource, error) {
	if poll == nil {
		return nil, errspkg.ErrPollFuncRequired
	}
	if target == nil {
		return nil, errspkg.ErrChannelRequired
	}
	if schedule == nil {
		schedule = schedulerpkg.PollingSchedule{Period: DefaultPollPeriod}
	}
	o := applyOptions(opts)
	return &PollingSource{
		poll:        poll,
		target:      target,
		schedule:    schedule,
		sendTimeout: o.sendTimeout,
		logger: o.logger.With(loggingpkg.LogFields{
			"adapter": "polling",
			"channel": target.Name(),
		}),
	}, nil
}

// SetTaskScheduler is called by the bus on registration.
func (p *PollingSource) SetTaskScheduler(s *schedulerpkg.TaskScheduler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduler = s
}

// Start schedules the poll task. Calling Start on a running source does nothing.
func (p *PollingSource) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.scheduler == nil {
		return errspkg.ErrSchedulerRequired
	}
	if p.task != nil {
		return nil
	}
	task, err := p.scheduler.Schedule(p.pollOnce, p.schedule)
	if err != nil {
		return err
	}
	p.task = task
	p.logger.Info("Polling source started", nil)
	return nil
}

// Stop cancels the poll task. A poll in progress sees its context cancelled.
func (p *PollingSource) Stop(ctx context.Context) error {
	p.mu.Lock()
	task := p.task
	p.task = nil
	p.mu.Unlock()
	if task == nil {
		return nil
	}

	task.Cancel()
	p.logger.Info("Polling source stopped", nil)
	return nil
}

// IsRunning reports whether the poll task is scheduled.
func (p *PollingSource) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.task != nil
}

func (p *PollingSource) pollOnce(ctx context.Context) error {
	messages, err := p.poll(ctx)
	if err != nil {
		return fmt.Errorf("poll %s: %w", p.target.Name(), err)
	}
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		if !deliver(ctx, p.target, msg, p.sendTimeout) {
			return &errspkg.MessagingError{Channel: p.target.Name(), Err: errspkg.ErrSendTimeout}
		}
	}
	if len(messages) > 0 {
		p.logger.Debug("Polled messages", loggingpkg.LogFields{"count": len(messages)})
	}
	return nil
}
