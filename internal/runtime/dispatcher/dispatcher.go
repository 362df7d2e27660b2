package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
	schedulerpkg "github.com/drblury/flowbus/internal/runtime/scheduler"
)

// Policy tunes batching and rejection handling of a dispatcher.
type Policy = configpkg.DispatcherPolicy

const (
	DefaultMaxMessagesPerTask = 1
	DefaultReceiveTimeout     = time.Second
	DefaultRejectionLimit     = 5
	DefaultRetryInterval      = time.Second
)

// PolicyWithDefaults fills zero fields of p with the dispatcher defaults.
func PolicyWithDefaults(p Policy) Policy {
	if p.MaxMessagesPerTask <= 0 {
		p.MaxMessagesPerTask = DefaultMaxMessagesPerTask
	}
	if p.ReceiveTimeout <= 0 {
		p.ReceiveTimeout = DefaultReceiveTimeout
	}
	if p.RejectionLimit <= 0 {
		p.RejectionLimit = DefaultRejectionLimit
	}
	if p.RetryInterval <= 0 {
		p.RetryInterval = DefaultRetryInterval
	}
	return p
}

// Handler consumes one message. Returning errors.ErrMessageRejected (or an
// error wrapping it) declines the message so the dispatcher may retry it.
type Handler interface {
	Handle(msg *message.Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(msg *message.Message) error

func (f HandlerFunc) Handle(msg *message.Message) error { return f(msg) }

type subscriber struct {
	name       string
	handler    Handler
	schedule   schedulerpkg.Schedule
	lastServed atomic.Int64
}

func (s *subscriber) due(now time.Time) bool {
	var last time.Time
	if ns := s.lastServed.Load(); ns != 0 {
		last = time.Unix(0, ns)
	}
	return schedulerpkg.IsDue(s.schedule, last, now)
}

// Dispatcher pulls messages off one channel and delivers them to the
// handlers subscribed to it. Its polling loop runs as a task on the shared
// scheduler.
type Dispatcher struct {
	mu          sync.RWMutex
	channel     channelpkg.MessageChannel
	policy      Policy
	subscribers []*subscriber
	nextIndex   int
	running     bool
	task        *schedulerpkg.ScheduledTask
	errorSink   atomic.Bool

	scheduler *schedulerpkg.TaskScheduler
	logger    loggingpkg.ServiceLogger
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithPolicy applies p on top of the defaults.
func WithPolicy(p Policy) Option {
	return func(d *Dispatcher) {
		d.policy = PolicyWithDefaults(p)
	}
}

// AsErrorSink marks the dispatcher as serving the invalid-message channel.
// It then leaves messages in place while nobody subscribes, and never routes
// its own failures back into the channel it drains.
func AsErrorSink() Option {
	return func(d *Dispatcher) {
		d.errorSink.Store(true)
	}
}

// SetErrorSink marks or unmarks d as the dispatcher of the invalid-message
// channel. A sink never routes its own failures back into its channel.
func (d *Dispatcher) SetErrorSink(on bool) {
	d.errorSink.Store(on)
}

func (d *Dispatcher) IsErrorSink() bool {
	return d.errorSink.Load()
}

// New creates a stopped dispatcher for ch.
func New(ch channelpkg.MessageChannel, sched *schedulerpkg.TaskScheduler, logger loggingpkg.ServiceLogger, opts ...Option) (*Dispatcher, error) {
	if ch == nil {
		return nil, errspkg.ErrChannelRequired
	}
	if sched == nil {
		return nil, errors.New("flowbus: dispatcher requires a task scheduler")
	}
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	d := &Dispatcher{
		channel:   ch,
		policy:    PolicyWithDefaults(Policy{}),
		scheduler: sched,
		logger:    logger,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d, nil
}

// Channel returns the channel the dispatcher drains.
func (d *Dispatcher) Channel() channelpkg.MessageChannel {
	return d.channel
}

// Policy returns the effective policy.
func (d *Dispatcher) Policy() Policy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.policy
}

// SetPolicy replaces the policy. Running poll cycles pick it up on their next
// iteration.
func (d *Dispatcher) SetPolicy(p Policy) {
	d.mu.Lock()
	d.policy = PolicyWithDefaults(p)
	d.mu.Unlock()
}

// AddHandler subscribes handler under name. A nil schedule makes the handler
// eligible for every message.
func (d *Dispatcher) AddHandler(name string, handler Handler, schedule schedulerpkg.Schedule) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers = append(d.subscribers, &subscriber{name: name, handler: handler, schedule: schedule})
	return nil
}

// RemoveHandler unsubscribes every handler registered under name.
func (d *Dispatcher) RemoveHandler(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	kept := d.subscribers[:0]
	removed := false
	for _, sub := range d.subscribers {
		if sub.name == name {
			removed = true
			continue
		}
		kept = append(kept, sub)
	}
	for i := len(kept); i < len(d.subscribers); i++ {
		d.subscribers[i] = nil
	}
	d.subscribers = kept
	return removed
}

// HandlerNames lists the subscribed handlers in registration order.
func (d *Dispatcher) HandlerNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, len(d.subscribers))
	for i, sub := range d.subscribers {
		names[i] = sub.name
	}
	return names
}

// Start schedules the polling loop. Calling Start on a running dispatcher
// does nothing.
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	task, err := d.scheduler.Schedule(d.poll, nil)
	if err != nil {
		return err
	}
	d.task = task
	d.running = true
	return nil
}

// Stop cancels the polling loop. The cycle in progress finishes its current
// delivery before the loop exits.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		return
	}
	d.running = false
	if d.task != nil {
		d.task.Cancel()
		d.task = nil
	}
}

// IsRunning reports whether the polling loop is scheduled.
func (d *Dispatcher) IsRunning() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.running
}

func (d *Dispatcher) poll(ctx context.Context) error {
	policy := d.Policy()

	if d.errorSink.Load() && len(d.HandlerNames()) == 0 {
		idle := time.NewTimer(policy.ReceiveTimeout)
		defer idle.Stop()
		select {
		case <-ctx.Done():
		case <-idle.C:
		}
		return nil
	}

	for i := 0; i < policy.MaxMessagesPerTask; i++ {
		msg := d.receive(ctx, policy.ReceiveTimeout)
		if msg == nil {
			return nil
		}
		d.dispatch(ctx, msg, policy)
		if ctx.Err() != nil {
			return nil
		}
	}
	return nil
}

func (d *Dispatcher) receive(ctx context.Context, timeout time.Duration) *message.Message {
	if cr, ok := d.channel.(channelpkg.ContextReceiver); ok {
		return cr.ReceiveContext(ctx, timeout)
	}
	return d.channel.Receive(timeout)
}

func (d *Dispatcher) dispatch(ctx context.Context, msg *message.Message, policy Policy) {
	if msg.Metadata == nil {
		msg.Metadata = make(message.Metadata)
	}
	msg.Metadata.Set(metadatapkg.KeyChannel, d.channel.Name())

	for attempt := 1; ; attempt++ {
		if d.deliver(msg, policy.PointToPoint) {
			return
		}
		if attempt >= policy.RejectionLimit {
			d.reject(msg, attempt)
			return
		}
		retry := time.NewTimer(policy.RetryInterval)
		select {
		case <-ctx.Done():
			retry.Stop()
			d.reject(msg, attempt)
			return
		case <-retry.C:
		}
	}
}

// deliver hands msg to the due subscribers and reports whether any accepted it.
func (d *Dispatcher) deliver(msg *message.Message, pointToPoint bool) bool {
	now := time.Now()
	subs, start := d.dueSubscribers(now)
	if len(subs) == 0 {
		return false
	}

	if pointToPoint {
		for i := range subs {
			sub := subs[(start+i)%len(subs)]
			if d.invoke(sub, msg) {
				d.advanceRoundRobin()
				return true
			}
		}
		return false
	}

	accepted := false
	for _, sub := range subs {
		target := msg
		if len(subs) > 1 {
			target = msg.Copy()
			target.SetContext(msg.Context())
		}
		if d.invoke(sub, target) {
			accepted = true
		}
	}
	return accepted
}

func (d *Dispatcher) dueSubscribers(now time.Time) ([]*subscriber, int) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	due := make([]*subscriber, 0, len(d.subscribers))
	for _, sub := range d.subscribers {
		if sub.due(now) {
			due = append(due, sub)
		}
	}
	start := 0
	if len(due) > 0 {
		start = d.nextIndex % len(due)
	}
	return due, start
}

func (d *Dispatcher) advanceRoundRobin() {
	d.mu.Lock()
	d.nextIndex++
	d.mu.Unlock()
}

// invoke runs one handler, converting panics and errors into delivery
// failures. It returns false only when the handler declined the message.
func (d *Dispatcher) invoke(sub *subscriber, msg *message.Message) (accepted bool) {
	defer func() {
		if r := recover(); r != nil {
			d.reportFailure(sub, msg, fmt.Errorf("handler panicked: %v", r))
			accepted = true
		}
	}()

	err := sub.handler.Handle(msg)
	if errors.Is(err, errspkg.ErrMessageRejected) {
		return false
	}
	sub.lastServed.Store(time.Now().UnixNano())
	if err != nil {
		d.reportFailure(sub, msg, err)
	}
	return true
}

func (d *Dispatcher) reportFailure(sub *subscriber, msg *message.Message, err error) {
	failure := &errspkg.DeliveryError{
		Message:  msg,
		Channel:  d.channel.Name(),
		Endpoint: sub.name,
		Err:      err,
	}
	if d.errorSink.Load() {
		d.logger.Error("Handler failed on invalid-message channel", failure, loggingpkg.LogFields{
			"endpoint":     sub.name,
			"message_uuid": msg.UUID,
		})
		return
	}
	d.scheduler.HandleError(failure)
}

func (d *Dispatcher) reject(msg *message.Message, attempts int) {
	rejected := &errspkg.RejectedError{
		Message:  msg,
		Channel:  d.channel.Name(),
		Attempts: attempts,
	}
	if d.errorSink.Load() {
		d.logger.Error("Dropping message rejected on invalid-message channel", rejected, loggingpkg.LogFields{
			"message_uuid": msg.UUID,
		})
		return
	}
	d.logger.Debug("Message rejected by all subscribers", loggingpkg.LogFields{
		"channel":      d.channel.Name(),
		"message_uuid": msg.UUID,
		"attempts":     attempts,
	})
	d.scheduler.HandleError(rejected)
}
