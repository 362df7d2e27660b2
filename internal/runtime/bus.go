package runtime

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/protobuf/proto"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	dispatcherpkg "github.com/drblury/flowbus/internal/runtime/dispatcher"
	endpointpkg "github.com/drblury/flowbus/internal/runtime/endpoint"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
	schedulerpkg "github.com/drblury/flowbus/internal/runtime/scheduler"
)

// ProtoValidator validates unmarshalled payloads. Implementations typically
// forward to protovalidate or a custom struct validator.
type ProtoValidator interface {
	Validate(value any) error
}

// OutboxStore persists emitted messages so they can be forwarded reliably.
type OutboxStore interface {
	StoreOutgoingMessage(ctx context.Context, eventType, uuid, payload string) error
}

// Lifecycle is implemented by source adapters the bus starts and stops with itself.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// SchedulerAware adapters receive the bus task scheduler on registration.
type SchedulerAware interface {
	SetTaskScheduler(s *schedulerpkg.TaskScheduler)
}

// BusDependencies holds the optional collaborators of a Bus. Leave fields nil
// to skip the related middleware.
type BusDependencies struct {
	Validator                 ProtoValidator
	Outbox                    OutboxStore
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool
	ErrorClassifier           ErrorClassifier
	MetricsRegisterer         prometheus.Registerer
}

type endpointRegistration struct {
	name      string
	endpoint  endpointpkg.Endpoint
	info      *EndpointInfo
	activated bool
}

type namedAdapter struct {
	name      string
	lifecycle Lifecycle
}

// Bus connects channels, their dispatchers and the endpoints subscribed to
// them, and drives all of it from one task scheduler.
type Bus struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	initOnce     sync.Once
	registry     *channelpkg.Registry
	scheduler    *schedulerpkg.TaskScheduler
	errorHandler *schedulerpkg.MessagePublishingErrorHandler

	mu            sync.RWMutex
	dispatchers   map[channelpkg.MessageChannel]*dispatcherpkg.Dispatcher
	endpoints     map[string]*endpointRegistration
	endpointOrder []string
	pools         []*endpointpkg.PooledHandler
	adapters      []namedAdapter
	dispatching   bool
	createMu      sync.Mutex

	lifecycleMu sync.Mutex
	running     atomic.Bool
	starting    atomic.Bool
	autoCreate  atomic.Bool

	middlewares     []message.HandlerMiddleware
	validator       ProtoValidator
	outbox          OutboxStore
	errorClassifier ErrorClassifier
	metrics         *Metrics
	resourceTracker *resourceTracker

	protoRegistry   map[string]func() proto.Message
	protoRegistryMu sync.RWMutex

	httpMu      sync.Mutex
	httpMuxes   map[int]*httpRoutes
	httpServers []*httpServer
}

// NewBus constructs a bus for conf. Register channels and endpoints on the
// returned bus before calling Start.
func NewBus(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps BusDependencies) (*Bus, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	b := &Bus{
		Conf:            conf,
		Logger:          log,
		dispatchers:     make(map[channelpkg.MessageChannel]*dispatcherpkg.Dispatcher),
		endpoints:       make(map[string]*endpointRegistration),
		validator:       deps.Validator,
		outbox:          deps.Outbox,
		errorClassifier: deps.ErrorClassifier,
		resourceTracker: newResourceTracker(),
		protoRegistry:   make(map[string]func() proto.Message),
	}
	if b.errorClassifier == nil {
		b.errorClassifier = defaultErrorClassifier
	}
	b.autoCreate.Store(conf.AutoCreateChannels)
	b.metrics = NewMetrics(deps.MetricsRegisterer, b.channelSnapshot)

	var regs []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		regs = append(regs, DefaultMiddlewares()...)
	}
	regs = append(regs, deps.Middlewares...)
	chain, err := b.buildMiddlewares(regs)
	if err != nil {
		return nil, err
	}
	b.middlewares = chain

	b.registerWebUI()

	log.Info("Created message bus", loggingpkg.LogFields{"config": conf})
	return b, nil
}

// MustNewBus is NewBus that panics on error.
func MustNewBus(conf *configpkg.Config, log loggingpkg.ServiceLogger, deps BusDependencies) *Bus {
	b, err := NewBus(conf, log, deps)
	if err != nil {
		panic(err)
	}
	return b
}

// Initialize creates the registry, the task scheduler and the
// invalid-message channel. It runs once; every registration calls it.
func (b *Bus) Initialize() {
	b.initOnce.Do(func() {
		b.registry = channelpkg.NewRegistry()

		b.errorHandler = schedulerpkg.NewMessagePublishingErrorHandler(b.registry, b.Logger.With(loggingpkg.LogFields{
			"component": "error_handler",
		}))
		b.errorHandler.OnRouted = b.recordRouted

		b.scheduler = schedulerpkg.New(b.Conf.PoolSize(), b.errorHandler, b.Logger.With(loggingpkg.LogFields{
			"component": "scheduler",
		}))

		invalid, _ := b.registry.EnsureInvalidMessageChannel()
		if err := b.registerChannel(channelpkg.InvalidMessageChannelName, invalid, b.Conf.Dispatcher, dispatcherpkg.AsErrorSink()); err != nil {
			b.Logger.Error("Failed to register invalid-message channel", err, nil)
		}
	})
}

func (b *Bus) recordRouted(kind string, errMsg *message.Message) {
	b.metrics.RecordRouted(kind, errMsg.Metadata.Get(metadatapkg.KeyOriginChannel))
}

// RegisterChannel stores ch under name and creates its dispatcher. The first
// policy, if given, replaces the configured default. A name registered twice
// points at the last channel. Registering under InvalidMessageChannelName
// installs ch as the error sink, as SetInvalidMessageChannel does.
func (b *Bus) RegisterChannel(name string, ch channelpkg.MessageChannel, policy ...dispatcherpkg.Policy) error {
	b.Initialize()
	p := b.Conf.Dispatcher
	if len(policy) > 0 {
		p = policy[0]
	}
	if name == channelpkg.InvalidMessageChannelName {
		if ch == nil {
			return &errspkg.ConfigurationError{Channel: name, Err: errspkg.ErrChannelRequired}
		}
		return b.setInvalidMessageChannel(ch, p)
	}
	return b.registerChannel(name, ch, p)
}

func (b *Bus) registerChannel(name string, ch channelpkg.MessageChannel, policy dispatcherpkg.Policy, opts ...dispatcherpkg.Option) error {
	previous, err := b.registry.RegisterChannel(name, ch)
	if err != nil {
		return &errspkg.ConfigurationError{Channel: name, Err: err}
	}
	if previous != nil {
		b.Logger.Debug("Channel name re-registered", loggingpkg.LogFields{"channel": name})
	}

	b.mu.Lock()
	d, ok := b.dispatchers[ch]
	if ok {
		d.SetPolicy(policy)
	} else {
		opts = append([]dispatcherpkg.Option{dispatcherpkg.WithPolicy(policy)}, opts...)
		d, err = dispatcherpkg.New(ch, b.scheduler, b.Logger.With(loggingpkg.LogFields{"channel": name}), opts...)
		if err != nil {
			b.mu.Unlock()
			return &errspkg.ConfigurationError{Channel: name, Err: err}
		}
		b.dispatchers[ch] = d
	}
	startNow := b.dispatching
	b.mu.Unlock()

	if startNow {
		if err := d.Start(); err != nil {
			return &errspkg.ConfigurationError{Channel: name, Err: err}
		}
	}
	b.Logger.Info("Registered channel", loggingpkg.LogFields{"channel": name})
	return nil
}

// RegisterHandler wraps handler in a default endpoint and registers it.
func (b *Bus) RegisterHandler(name string, handler message.HandlerFunc, sub endpointpkg.Subscription, opts ...endpointpkg.Option) error {
	ep, err := endpointpkg.New(name, handler, sub, opts...)
	if err != nil {
		return err
	}
	return b.RegisterEndpoint(name, ep)
}

// RegisterEndpoint stores ep under name. Endpoints are activated on Start, or
// immediately when the bus is already running.
func (b *Bus) RegisterEndpoint(name string, ep endpointpkg.Endpoint) error {
	if name == "" {
		return errspkg.ErrEndpointNameRequired
	}
	if ep == nil {
		return errspkg.ErrEndpointRequired
	}
	b.Initialize()

	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	sub := ep.Subscription()
	info := &EndpointInfo{
		Name:         name,
		InputChannel: sub.Target(),
		Stats:        newEndpointStats(b.resourceTracker),
	}
	if out, ok := ep.(outputChannelNamer); ok {
		info.OutputChannel = out.DefaultOutputChannelName()
	}
	if p := ep.ConcurrencyPolicy(); p != nil {
		info.Concurrency = describeConcurrency(p.CoreConcurrency, p.MaxConcurrency)
	}

	b.mu.Lock()
	if _, exists := b.endpoints[name]; exists {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", errspkg.ErrDuplicateEndpoint, name)
	}
	b.endpoints[name] = &endpointRegistration{name: name, endpoint: ep, info: info}
	b.endpointOrder = append(b.endpointOrder, name)
	b.mu.Unlock()

	b.Logger.Info("Registered endpoint", loggingpkg.LogFields{
		"endpoint": name,
		"channel":  info.InputChannel,
	})

	if b.running.Load() {
		return b.activate(name)
	}
	return nil
}

// RegisterSourceAdapter hands the scheduler to SchedulerAware adapters and
// ties Lifecycle adapters to the bus lifecycle.
func (b *Bus) RegisterSourceAdapter(name string, adapter any) error {
	if adapter == nil {
		return errspkg.ErrAdapterRequired
	}
	b.Initialize()

	if aware, ok := adapter.(SchedulerAware); ok {
		aware.SetTaskScheduler(b.scheduler)
	}
	lc, ok := adapter.(Lifecycle)
	if !ok {
		return nil
	}

	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	b.mu.Lock()
	b.adapters = append(b.adapters, namedAdapter{name: name, lifecycle: lc})
	b.mu.Unlock()

	if b.running.Load() {
		if err := lc.Start(context.Background()); err != nil {
			return fmt.Errorf("start adapter %s: %w", name, err)
		}
	}
	return nil
}

// LookupChannel returns the channel registered under name.
func (b *Bus) LookupChannel(name string) (channelpkg.MessageChannel, bool) {
	b.Initialize()
	return b.registry.LookupChannel(name)
}

// ResolveChannel looks name up, creating an unbounded channel when
// auto-creation is enabled.
func (b *Bus) ResolveChannel(name string) (channelpkg.MessageChannel, error) {
	if name == "" {
		return nil, &errspkg.MessagingError{Err: errspkg.ErrChannelNameRequired}
	}
	ch, err := b.lookupOrCreate(name)
	if err != nil {
		return nil, &errspkg.MessagingError{Channel: name, Err: err}
	}
	return ch, nil
}

func (b *Bus) lookupOrCreate(name string) (channelpkg.MessageChannel, error) {
	b.Initialize()
	if ch, ok := b.registry.LookupChannel(name); ok {
		return ch, nil
	}
	if !b.autoCreate.Load() {
		return nil, errspkg.ErrUnknownChannel
	}

	b.createMu.Lock()
	defer b.createMu.Unlock()
	if ch, ok := b.registry.LookupChannel(name); ok {
		return ch, nil
	}
	ch := channelpkg.NewUnboundedChannel()
	if err := b.registerChannel(name, ch, b.Conf.Dispatcher); err != nil {
		return nil, err
	}
	b.Logger.Info("Auto-created channel", loggingpkg.LogFields{"channel": name})
	return ch, nil
}

// InvalidMessageChannel returns the channel failures are routed to.
func (b *Bus) InvalidMessageChannel() channelpkg.MessageChannel {
	b.Initialize()
	return b.registry.InvalidMessageChannel()
}

// SetInvalidMessageChannel replaces the error sink and registers it under the
// invalid-message channel name.
func (b *Bus) SetInvalidMessageChannel(ch channelpkg.MessageChannel) error {
	if ch == nil {
		return errspkg.ErrChannelRequired
	}
	b.Initialize()
	return b.setInvalidMessageChannel(ch, b.Conf.Dispatcher)
}

func (b *Bus) setInvalidMessageChannel(ch channelpkg.MessageChannel, policy dispatcherpkg.Policy) error {
	previous := b.registry.InvalidMessageChannel()
	if err := b.registerChannel(channelpkg.InvalidMessageChannelName, ch, policy, dispatcherpkg.AsErrorSink()); err != nil {
		return err
	}
	// A dispatcher that existed before ch became the sink was built without
	// the sink flag.
	if d, ok := b.dispatcherFor(ch); ok {
		d.SetErrorSink(true)
	}
	b.registry.SetInvalidMessageChannel(ch)
	if previous != nil && previous != ch {
		b.retireErrorSink(previous)
	}
	return nil
}

// retireErrorSink demotes the dispatcher of a replaced sink. It is stopped and
// dropped unless the channel still has a name or a subscriber.
func (b *Bus) retireErrorSink(ch channelpkg.MessageChannel) {
	b.mu.Lock()
	d, ok := b.dispatchers[ch]
	if !ok {
		b.mu.Unlock()
		return
	}
	_, named := b.registry.NameOf(ch)
	drop := !named && len(d.HandlerNames()) == 0
	if drop {
		delete(b.dispatchers, ch)
	}
	b.mu.Unlock()

	if drop {
		d.Stop()
		b.Logger.Debug("Dropped dispatcher of replaced invalid-message channel", nil)
	}
	d.SetErrorSink(false)
}

// SetDispatcherPoolSize resizes the scheduler worker bound. Values below one
// select the default.
func (b *Bus) SetDispatcherPoolSize(n int) {
	b.Initialize()
	if n < 1 {
		n = configpkg.DefaultDispatcherPoolSize
	}
	b.scheduler.SetPoolSize(n)
}

// SetAutoCreateChannels toggles creation of unknown channels on resolution.
func (b *Bus) SetAutoCreateChannels(enabled bool) {
	b.autoCreate.Store(enabled)
}

// AutoCreateChannels reports whether unknown channels are created on resolution.
func (b *Bus) AutoCreateChannels() bool {
	return b.autoCreate.Load()
}

// Registry exposes the channel registry.
func (b *Bus) Registry() *channelpkg.Registry {
	b.Initialize()
	return b.registry
}

// Scheduler exposes the shared task scheduler.
func (b *Bus) Scheduler() *schedulerpkg.TaskScheduler {
	b.Initialize()
	return b.scheduler
}

// Metrics exposes the bus metrics.
func (b *Bus) Metrics() *Metrics {
	return b.metrics
}

// Dispatcher returns the dispatcher of the channel registered under name.
func (b *Bus) Dispatcher(name string) (*dispatcherpkg.Dispatcher, bool) {
	ch, ok := b.LookupChannel(name)
	if !ok {
		return nil, false
	}
	return b.dispatcherFor(ch)
}

// Endpoints describes the registered endpoints in registration order.
func (b *Bus) Endpoints() []EndpointInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	infos := make([]EndpointInfo, 0, len(b.endpointOrder))
	for _, name := range b.endpointOrder {
		infos = append(infos, *b.endpoints[name].info)
	}
	return infos
}

// RegisterProtoMessage exposes a proto message type to the validation
// middleware without registering a handler.
func (b *Bus) RegisterProtoMessage(msg proto.Message) {
	b.registerProtoType(msg)
}

func (b *Bus) registerProtoType(msg proto.Message) {
	if msg == nil {
		return
	}
	typeName := fmt.Sprintf("%T", msg)

	b.protoRegistryMu.Lock()
	b.protoRegistry[typeName] = func() proto.Message {
		return msg.ProtoReflect().New().Interface()
	}
	b.protoRegistryMu.Unlock()
}

func (b *Bus) lookupProtoType(typeName string) (func() proto.Message, bool) {
	b.protoRegistryMu.RLock()
	defer b.protoRegistryMu.RUnlock()
	fn, ok := b.protoRegistry[typeName]
	return fn, ok
}

func (b *Bus) dispatcherFor(ch channelpkg.MessageChannel) (*dispatcherpkg.Dispatcher, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	d, ok := b.dispatchers[ch]
	return d, ok
}

func (b *Bus) channelSnapshot() map[string]channelpkg.MessageChannel {
	b.Initialize()
	return b.registry.Snapshot()
}

type outputChannelNamer interface {
	DefaultOutputChannelName() string
}
