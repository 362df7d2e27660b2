/*
Package runtime implements the in-process message bus behind flowbus.

# Architecture Overview

A Bus owns a channel registry, one dispatcher per registered channel and the
endpoints subscribed to those channels. Every dispatcher poll loop runs as a
task on the bus TaskScheduler, and every failure ends up on the
invalid-message channel as an error message. Messages are Watermill messages,
so Watermill middleware and publishers plug in unchanged.

# Package Structure

## Bus (bus.go, lifecycle.go)

The Bus struct wires together:
  - the channel registry and auto-creation of unknown channels
  - dispatchers, one per registered channel
  - endpoints and their optional PooledHandler concurrency bound
  - source adapters started and stopped with the bus
  - HTTP servers for metrics and the web API

Start activates pending endpoints, starts the scheduler, the dispatchers and
the adapters. Stop reverses that order and keeps buffered messages in their
channels, so a bus can be started again.

## Handler Registration (registration*.go)

  - registration.go: raw Watermill handlers
  - registration_json.go: typed JSON handlers
  - registration_proto.go: typed protobuf handlers

## Middleware (middleware.go, hooks.go)

The default chain wraps every endpoint:
  - CorrelationID: ensures message traceability
  - LogMessages: debug logging of payloads
  - ProtoValidate: validation of registered protobuf payloads
  - Outbox: stores emitted messages
  - Tracer: OpenTelemetry consumer spans
  - Metrics: Prometheus delivery metrics
  - Recoverer: panics become delivery failures

Retry, PoisonQueue and DeliveryHooks are opt-in.

## Stats & Monitoring (metrics.go, stats.go, classify.go, resources.go, webui.go)

Per-endpoint latency percentiles, throughput, error categories and backlog,
plus per-channel counters exposed through Prometheus and /api/channels.

# Sub-packages

  - adapter/: Watermill subscribers, publishers and pollers as bus sources and sinks
  - channel/: message channels and the registry
  - config/: bus configuration with validation
  - dispatcher/: per-channel polling and subscriber selection
  - endpoint/: endpoints, subscriptions and PooledHandler
  - errors/: sentinel errors and error types
  - handlers/: typed handler contexts
  - ids/: ULID message ids
  - jsoncodec/: JSON marshaling
  - logging/: logger interface and adapters
  - metadata/: metadata keys and helpers
  - scheduler/: the task scheduler and error routing

# Usage Example

	bus, err := runtime.NewBus(&config.Config{AutoCreateChannels: true}, logger, runtime.BusDependencies{})
	if err != nil {
		return err
	}

	runtime.RegisterProtoHandler(bus, handlers.ProtoHandlerRegistration[*pb.OrderCreated]{
		Name:          "order-processor",
		InputChannel:  "orders.created",
		OutputChannel: "orders.processed",
		Handler:       processOrder,
	})

	if err := bus.Start(ctx); err != nil {
		return err
	}
	defer bus.Stop(ctx)
*/
package runtime
