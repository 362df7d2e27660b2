package channel

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/eapache/queue"

	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

const (
	// NoWait makes Send and Receive return immediately when they cannot proceed.
	NoWait time.Duration = 0
	// WaitForever blocks Send and Receive until they can proceed.
	WaitForever time.Duration = -1
)

// MessageChannel is a named FIFO conduit holding messages awaiting delivery.
//
// A positive timeout bounds how long Send waits for free capacity and how long
// Receive waits for a message. NoWait tries once, WaitForever blocks.
type MessageChannel interface {
	Name() string
	Send(msg *message.Message, timeout time.Duration) bool
	Receive(timeout time.Duration) *message.Message
}

// ContextReceiver is implemented by channels whose receive can be interrupted
// by a context. Dispatchers prefer it so a stopping bus does not sit out a
// full receive timeout.
type ContextReceiver interface {
	ReceiveContext(ctx context.Context, timeout time.Duration) *message.Message
}

// ContextSender is the send-side counterpart of ContextReceiver.
type ContextSender interface {
	SendContext(ctx context.Context, msg *message.Message, timeout time.Duration) bool
}

// Measurable channels report their depth for metrics and introspection.
type Measurable interface {
	Len() int
	Capacity() int
}

type nameSetter interface {
	SetName(name string)
}

// Channel is the in-memory MessageChannel. It keeps messages in a ring buffer
// and wakes blocked senders and receivers through a broadcast signal that is
// replaced on every state change.
type Channel struct {
	mu       sync.Mutex
	name     string
	capacity int
	buf      *queue.Queue
	changed  chan struct{}
}

// NewChannel returns a channel holding at most capacity messages. A capacity
// of zero or less makes the channel unbounded.
func NewChannel(capacity int) *Channel {
	if capacity < 0 {
		capacity = 0
	}
	return &Channel{
		capacity: capacity,
		buf:      queue.New(),
		changed:  make(chan struct{}),
	}
}

// NewUnboundedChannel returns a channel without a capacity limit, the variant
// used for auto-created channels and the invalid-message channel.
func NewUnboundedChannel() *Channel {
	return NewChannel(0)
}

// NewNamedChannel is NewChannel followed by SetName.
func NewNamedChannel(name string, capacity int) *Channel {
	ch := NewChannel(capacity)
	ch.name = name
	return ch
}

func (c *Channel) Name() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.name
}

// SetName is called by the registry when the channel is registered.
func (c *Channel) SetName(name string) {
	c.mu.Lock()
	c.name = name
	c.mu.Unlock()
}

// Capacity returns the configured bound, zero meaning unbounded.
func (c *Channel) Capacity() int {
	return c.capacity
}

// Len returns the number of buffered messages.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Length()
}

func (c *Channel) Send(msg *message.Message, timeout time.Duration) bool {
	return c.SendContext(context.Background(), msg, timeout)
}

func (c *Channel) Receive(timeout time.Duration) *message.Message {
	return c.ReceiveContext(context.Background(), timeout)
}

// SendContext enqueues msg, waiting for capacity up to timeout or until ctx is
// done. It reports whether the message was accepted.
func (c *Channel) SendContext(ctx context.Context, msg *message.Message, timeout time.Duration) bool {
	if msg == nil {
		return false
	}

	deadline, stop := timerFor(timeout)
	defer stop()

	for {
		c.mu.Lock()
		if c.capacity == 0 || c.buf.Length() < c.capacity {
			if msg.Metadata == nil {
				msg.Metadata = make(message.Metadata)
			}
			msg.Metadata.Set(metadatapkg.KeyEnqueuedAt, time.Now().UTC().Format(time.RFC3339Nano))
			c.buf.Add(msg)
			c.broadcastLocked()
			c.mu.Unlock()
			return true
		}
		wait := c.changed
		c.mu.Unlock()

		if timeout == NoWait {
			return false
		}
		select {
		case <-wait:
		case <-deadline:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// ReceiveContext dequeues the oldest message, waiting up to timeout or until
// ctx is done. It returns nil when nothing arrived.
func (c *Channel) ReceiveContext(ctx context.Context, timeout time.Duration) *message.Message {
	deadline, stop := timerFor(timeout)
	defer stop()

	for {
		c.mu.Lock()
		if c.buf.Length() > 0 {
			msg := c.buf.Remove().(*message.Message)
			c.broadcastLocked()
			c.mu.Unlock()
			return msg
		}
		wait := c.changed
		c.mu.Unlock()

		if timeout == NoWait {
			return nil
		}
		select {
		case <-wait:
		case <-deadline:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

// Purge drops every buffered message and returns how many were removed.
func (c *Channel) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.buf.Length()
	if n == 0 {
		return 0
	}
	c.buf = queue.New()
	c.broadcastLocked()
	return n
}

func (c *Channel) broadcastLocked() {
	close(c.changed)
	c.changed = make(chan struct{})
}

// timerFor returns a channel firing after a positive timeout. For NoWait and
// WaitForever the returned channel is nil and never fires.
func timerFor(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		return nil, func() {}
	}
	t := time.NewTimer(timeout)
	return t.C, func() { t.Stop() }
}
