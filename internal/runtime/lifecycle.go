package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	dispatcherpkg "github.com/drblury/flowbus/internal/runtime/dispatcher"
	endpointpkg "github.com/drblury/flowbus/internal/runtime/endpoint"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	schedulerpkg "github.com/drblury/flowbus/internal/runtime/scheduler"
)

// Start activates pending endpoints, then starts the scheduler, every
// dispatcher and every source adapter. Calling Start on a running or starting
// bus does nothing. Activation failures are returned joined; the endpoints
// that could be activated run regardless.
func (b *Bus) Start(ctx context.Context) error {
	b.Initialize()
	if b.running.Load() || b.starting.Load() {
		return nil
	}

	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if b.running.Load() {
		return nil
	}
	b.starting.Store(true)
	defer b.starting.Store(false)

	b.Logger.Info("Starting message bus", loggingpkg.LogFields{
		"pool_size": b.scheduler.PoolSize(),
	})

	var errs []error
	errs = append(errs, b.activatePending()...)

	b.scheduler.Start()

	b.mu.Lock()
	b.dispatching = true
	dispatchers := make([]*dispatcherpkg.Dispatcher, 0, len(b.dispatchers))
	for _, d := range b.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	pools := append([]*endpointpkg.PooledHandler(nil), b.pools...)
	adapters := append([]namedAdapter(nil), b.adapters...)
	b.mu.Unlock()

	for _, p := range pools {
		p.Open()
	}
	for _, d := range dispatchers {
		if err := d.Start(); err != nil {
			errs = append(errs, fmt.Errorf("start dispatcher %s: %w", d.Channel().Name(), err))
		}
	}
	for _, a := range adapters {
		if err := a.lifecycle.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("start adapter %s: %w", a.name, err))
		}
	}

	b.startHTTPServers()
	b.running.Store(true)

	b.Logger.Info("Message bus started", loggingpkg.LogFields{
		"channels":  len(dispatchers),
		"endpoints": len(b.Endpoints()),
	})
	return errors.Join(errs...)
}

// Stop halts the scheduler, the source adapters and the dispatchers, in that
// order, then closes endpoint worker pools. Buffered messages stay in their
// channels for the next Start.
func (b *Bus) Stop(ctx context.Context) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()
	if !b.running.Load() {
		return nil
	}
	b.running.Store(false)

	if _, ok := ctx.Deadline(); !ok {
		timeout := b.Conf.ShutdownTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	b.Logger.Info("Stopping message bus", nil)

	var errs []error
	if err := b.scheduler.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	b.mu.Lock()
	b.dispatching = false
	adapters := append([]namedAdapter(nil), b.adapters...)
	dispatchers := make([]*dispatcherpkg.Dispatcher, 0, len(b.dispatchers))
	for _, d := range b.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	pools := append([]*endpointpkg.PooledHandler(nil), b.pools...)
	b.mu.Unlock()

	for i := len(adapters) - 1; i >= 0; i-- {
		if err := adapters[i].lifecycle.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop adapter %s: %w", adapters[i].name, err))
		}
	}
	for _, d := range dispatchers {
		d.Stop()
	}
	for _, p := range pools {
		p.Close()
	}
	if err := b.stopHTTPServers(ctx); err != nil {
		errs = append(errs, err)
	}

	b.Logger.Info("Message bus stopped", nil)
	return errors.Join(errs...)
}

// IsRunning reports whether Start completed and Stop has not been called since.
// It reads an atomic so callers never wait on the lifecycle mutex.
func (b *Bus) IsRunning() bool {
	return b.running.Load()
}

func (b *Bus) activatePending() []error {
	b.mu.RLock()
	var pending []string
	for _, name := range b.endpointOrder {
		if !b.endpoints[name].activated {
			pending = append(pending, name)
		}
	}
	b.mu.RUnlock()

	var errs []error
	for _, name := range pending {
		if err := b.activate(name); err != nil {
			b.Logger.Error("Failed to activate endpoint", err, loggingpkg.LogFields{"endpoint": name})
			errs = append(errs, err)
		}
	}
	return errs
}

// activate binds one endpoint to its dispatcher. It must run under the
// lifecycle mutex. An endpoint whose channel has no dispatcher stays pending.
func (b *Bus) activate(name string) error {
	b.mu.RLock()
	reg, ok := b.endpoints[name]
	activated := ok && reg.activated
	b.mu.RUnlock()
	if !ok || activated {
		return nil
	}

	ep := reg.endpoint
	sub := ep.Subscription()
	ch := sub.Channel
	bind := ch == nil
	if bind {
		resolved, err := b.resolveForEndpoint(name, sub.ChannelName)
		if err != nil {
			return err
		}
		ch = resolved
	}

	// The input stays unbound until the output resolves, so a failed
	// activation leaves the endpoint as it was.
	if out, ok := ep.(outputChannelNamer); ok {
		if outName := out.DefaultOutputChannelName(); outName != "" {
			if _, err := b.resolveForEndpoint(name, outName); err != nil {
				return err
			}
		}
	}
	if bind {
		ep.BindChannel(ch)
	}
	if aware, ok := ep.(endpointpkg.ChannelRegistryAware); ok {
		aware.SetChannelResolver(b.registry)
	}

	d, ok := b.dispatcherFor(ch)
	if !ok {
		b.Logger.Warn("No dispatcher for subscribed channel, endpoint stays pending", loggingpkg.LogFields{
			"endpoint": name,
			"channel":  sub.Target(),
		})
		return nil
	}

	if aware, ok := ep.(endpointpkg.MiddlewareAware); ok && len(b.middlewares) > 0 {
		aware.UseMiddleware(b.middlewares...)
	}

	handler := b.instrument(ep, reg.info.Stats, ch)
	if policy := ep.ConcurrencyPolicy(); policy != nil {
		var errHandler schedulerpkg.ErrorHandler = b.scheduler
		if ch == b.registry.InvalidMessageChannel() {
			errHandler = schedulerpkg.LoggingErrorHandler(b.Logger)
		}
		pool, err := endpointpkg.NewPooledHandler(name, handler, *policy, errHandler)
		if err != nil {
			return &errspkg.ConfigurationError{Endpoint: name, Channel: sub.Target(), Err: err}
		}
		b.mu.Lock()
		b.pools = append(b.pools, pool)
		b.mu.Unlock()
		handler = pool
	}

	if err := d.AddHandler(name, handler, sub.Schedule); err != nil {
		return &errspkg.ConfigurationError{Endpoint: name, Channel: sub.Target(), Err: err}
	}

	b.mu.Lock()
	reg.activated = true
	reg.info.Active = true
	startNow := b.dispatching
	b.mu.Unlock()

	if startNow {
		if err := d.Start(); err != nil {
			return &errspkg.ConfigurationError{Endpoint: name, Channel: sub.Target(), Err: err}
		}
	}

	b.Logger.Info("Activated endpoint", loggingpkg.LogFields{
		"endpoint": name,
		"channel":  d.Channel().Name(),
	})
	return nil
}

func (b *Bus) resolveForEndpoint(endpoint, channelName string) (channelpkg.MessageChannel, error) {
	if channelName == "" {
		return nil, &errspkg.ConfigurationError{Endpoint: endpoint, Err: errspkg.ErrSubscriptionChannelRequired}
	}
	ch, err := b.lookupOrCreate(channelName)
	if err != nil {
		return nil, &errspkg.ConfigurationError{Endpoint: endpoint, Channel: channelName, Err: err}
	}
	return ch, nil
}

// instrument records endpoint stats around ep.
func (b *Bus) instrument(ep endpointpkg.Endpoint, stats *EndpointStats, ch channelpkg.MessageChannel) dispatcherpkg.Handler {
	measurable, _ := ch.(channelpkg.Measurable)
	return dispatcherpkg.HandlerFunc(func(msg *message.Message) (err error) {
		depth := int64(-1)
		if measurable != nil {
			depth = int64(measurable.Len())
		}
		mark := stats.begin(msg, depth)
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				stats.finish(mark, time.Since(start), fmt.Errorf("handler panicked: %v", r), b.errorClassifier)
				panic(r)
			}
			stats.finish(mark, time.Since(start), err, b.errorClassifier)
		}()
		return ep.Handle(msg)
	})
}
