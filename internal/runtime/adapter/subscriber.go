// Package adapter bridges Watermill publishers and subscribers to bus channels.
// Every adapter implements the bus source adapter contract: Lifecycle, and
// SchedulerAware where it runs on the bus task scheduler.
package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
)

// SubscriberSource forwards messages of one Watermill topic into a bus
// channel. A message is acked once the channel accepted it and nacked when the
// send times out, so the subscriber can redeliver it.
type SubscriberSource struct {
	subscriber  message.Subscriber
	topic       string
	target      channelpkg.MessageChannel
	sendTimeout time.Duration
	nackDelay   time.Duration
	logger      loggingpkg.ServiceLogger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSubscriberSource bridges topic on subscriber into target.
func NewSubscriberSource(subscriber message.Subscriber, topic string, target channelpkg.MessageChannel, opts ...Option) (*SubscriberSource, error) {
	if subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if target == nil {
		return nil, errspkg.ErrChannelRequired
	}
	o := applyOptions(opts)
	s := &SubscriberSource{
		subscriber:  subscriber,
		topic:       topic,
		target:      target,
		sendTimeout: o.sendTimeout,
		nackDelay:   o.nackDelay,
	}
	s.logger = o.logger.With(loggingpkg.LogFields{
		"adapter": "subscriber",
		"topic":   topic,
		"channel": target.Name(),
	})
	return s, nil
}

// Start subscribes to the topic. Calling Start on a running source does nothing.
func (s *SubscriberSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}

	// The subscription outlives ctx, which only bounds the Start call.
	subCtx, cancel := context.WithCancel(context.Background())
	messages, err := s.subscriber.Subscribe(subCtx, s.topic)
	if err != nil {
		cancel()
		return err
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	go s.forward(subCtx, messages, s.done)

	s.logger.Info("Subscriber source started", nil)
	return nil
}

// Stop cancels the subscription and waits for the forwarding loop to exit or
// for ctx to expire.
func (s *SubscriberSource) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		s.logger.Info("Subscriber source stopped", nil)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the source is subscribed.
func (s *SubscriberSource) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancel != nil
}

func (s *SubscriberSource) forward(ctx context.Context, messages <-chan *message.Message, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			s.forwardOne(ctx, msg)
		}
	}
}

func (s *SubscriberSource) forwardOne(ctx context.Context, msg *message.Message) {
	// The subscriber owns msg; the bus mutates metadata of what it receives.
	out := msg.Copy()
	out.SetContext(msg.Context())

	if deliver(ctx, s.target, out, s.sendTimeout) {
		msg.Ack()
		return
	}

	msg.Nack()
	if ctx.Err() != nil {
		return
	}
	s.logger.Warn("Channel did not accept message, nacked", loggingpkg.LogFields{
		"message_uuid": msg.UUID,
	})
	timer := time.NewTimer(s.nackDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func deliver(ctx context.Context, target channelpkg.MessageChannel, msg *message.Message, timeout time.Duration) bool {
	if cs, ok := target.(channelpkg.ContextSender); ok {
		return cs.SendContext(ctx, msg, timeout)
	}
	return target.Send(msg, timeout)
}
