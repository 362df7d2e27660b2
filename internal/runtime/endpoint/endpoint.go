package endpoint

import (
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

// DefaultSendTimeout bounds how long an endpoint waits on a full output channel.
const DefaultSendTimeout = 30 * time.Second

// Endpoint is a named consumer bound to one channel by its subscription.
type Endpoint interface {
	Name() string
	Handle(msg *message.Message) error
	Subscription() Subscription
	// BindChannel fixes the channel resolved for the subscription on activation.
	BindChannel(ch channelpkg.MessageChannel)
	// ConcurrencyPolicy returns nil when the handler runs on the dispatcher's task.
	ConcurrencyPolicy() *ConcurrencyPolicy
}

// ChannelRegistryAware endpoints receive the bus registry before activation
// so they can resolve output channels by name.
type ChannelRegistryAware interface {
	SetChannelResolver(resolver channelpkg.Resolver)
}

// MiddlewareAware endpoints accept the bus middleware chain.
type MiddlewareAware interface {
	UseMiddleware(mws ...message.HandlerMiddleware)
}

// DefaultEndpoint wraps a Watermill handler function. Messages the handler
// returns are sent to the reply channel named in their metadata, the reply
// channel of the incoming message, or the endpoint's default output channel.
type DefaultEndpoint struct {
	name    string
	handler message.HandlerFunc

	mu            sync.RWMutex
	subscription  Subscription
	concurrency   *ConcurrencyPolicy
	defaultOutput string
	sendTimeout   time.Duration
	resolver      channelpkg.Resolver
	middlewares   []message.HandlerMiddleware
	chain         message.HandlerFunc
}

// Option customises a DefaultEndpoint.
type Option func(*DefaultEndpoint)

// WithConcurrency runs the endpoint on a PooledHandler with policy.
func WithConcurrency(policy ConcurrencyPolicy) Option {
	return func(e *DefaultEndpoint) {
		p := policy
		e.concurrency = &p
	}
}

// WithDefaultOutput names the channel used when no reply channel is set.
func WithDefaultOutput(channelName string) Option {
	return func(e *DefaultEndpoint) {
		e.defaultOutput = channelName
	}
}

// WithSendTimeout overrides DefaultSendTimeout.
func WithSendTimeout(d time.Duration) Option {
	return func(e *DefaultEndpoint) {
		e.sendTimeout = d
	}
}

// WithMiddleware wraps the handler with mws, outermost first.
func WithMiddleware(mws ...message.HandlerMiddleware) Option {
	return func(e *DefaultEndpoint) {
		e.middlewares = append(e.middlewares, mws...)
	}
}

// New validates its arguments and builds a DefaultEndpoint.
func New(name string, handler message.HandlerFunc, sub Subscription, opts ...Option) (*DefaultEndpoint, error) {
	if name == "" {
		return nil, errspkg.ErrEndpointNameRequired
	}
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if err := sub.Validate(); err != nil {
		return nil, &errspkg.ConfigurationError{Endpoint: name, Err: err}
	}
	e := &DefaultEndpoint{
		name:         name,
		handler:      handler,
		subscription: sub,
		sendTimeout:  DefaultSendTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.concurrency != nil {
		if err := e.concurrency.Validate(); err != nil {
			return nil, &errspkg.ConfigurationError{Endpoint: name, Channel: sub.Target(), Err: err}
		}
	}
	e.rebuildLocked()
	return e, nil
}

func (e *DefaultEndpoint) Name() string { return e.name }

func (e *DefaultEndpoint) Subscription() Subscription {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.subscription
}

func (e *DefaultEndpoint) BindChannel(ch channelpkg.MessageChannel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscription.Channel = ch
}

func (e *DefaultEndpoint) ConcurrencyPolicy() *ConcurrencyPolicy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.concurrency == nil {
		return nil
	}
	p := e.concurrency.withDefaults()
	return &p
}

// DefaultOutputChannelName returns the fallback output channel, if any.
func (e *DefaultEndpoint) DefaultOutputChannelName() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.defaultOutput
}

func (e *DefaultEndpoint) SetChannelResolver(resolver channelpkg.Resolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolver = resolver
}

func (e *DefaultEndpoint) UseMiddleware(mws ...message.HandlerMiddleware) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.middlewares = append(e.middlewares, mws...)
	e.rebuildLocked()
}

// rebuildLocked applies middlewares so the first registered runs outermost.
func (e *DefaultEndpoint) rebuildLocked() {
	h := e.handler
	for i := len(e.middlewares) - 1; i >= 0; i-- {
		if mw := e.middlewares[i]; mw != nil {
			h = mw(h)
		}
	}
	e.chain = h
}

func (e *DefaultEndpoint) Handle(msg *message.Message) error {
	if msg == nil {
		return errspkg.ErrNilMessage
	}
	e.mu.RLock()
	chain := e.chain
	e.mu.RUnlock()

	msg.Metadata.Set(metadatapkg.KeyEndpoint, e.name)
	outputs, err := chain(msg)
	if err != nil {
		return err
	}
	for _, out := range outputs {
		if err := e.route(msg, out); err != nil {
			return err
		}
	}
	return nil
}

func (e *DefaultEndpoint) route(in, out *message.Message) error {
	if out == nil {
		return nil
	}
	target := out.Metadata.Get(metadatapkg.KeyReplyChannel)
	if target == "" {
		target = in.Metadata.Get(metadatapkg.KeyReplyChannel)
	}

	e.mu.RLock()
	if target == "" {
		target = e.defaultOutput
	}
	resolver := e.resolver
	timeout := e.sendTimeout
	e.mu.RUnlock()

	if target == "" {
		return &errspkg.MessagingError{Err: fmt.Errorf("endpoint %q: %w", e.name, errspkg.ErrNoOutputChannel)}
	}
	if resolver == nil {
		return &errspkg.MessagingError{Channel: target, Err: errspkg.ErrUnknownChannel}
	}
	ch, ok := resolver.LookupChannel(target)
	if !ok {
		return &errspkg.MessagingError{Channel: target, Err: errspkg.ErrUnknownChannel}
	}

	delete(out.Metadata, metadatapkg.KeyReplyChannel)
	delete(out.Metadata, metadatapkg.KeyEndpoint)
	if out.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
		if cid := in.Metadata.Get(metadatapkg.KeyCorrelationID); cid != "" {
			out.Metadata.Set(metadatapkg.KeyCorrelationID, cid)
		}
	}
	out.SetContext(in.Context())

	if !ch.Send(out, timeout) {
		return &errspkg.MessagingError{Channel: target, Err: errspkg.ErrSendTimeout}
	}
	return nil
}
