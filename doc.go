// Package flowbus is an in-process message bus built on Watermill messages.
// Producers send messages into named channels; one dispatcher per channel
// polls it on a shared task scheduler and hands each message to the endpoints
// subscribed to that channel. Endpoints wrap a handler, route its output to a
// default or per-message reply channel, and can be bounded by a concurrency
// policy backed by a worker pool.
//
// A minimal setup fills Config, creates a Bus, registers handlers with
// RegisterJSONHandler, RegisterProtoHandler or RegisterMessageHandler, and
// calls Start. Stop halts dispatching and keeps undelivered messages in their
// channels.
//
// # Channels
//
// Channels are registered by name. Endpoints may subscribe to names that do
// not exist yet: with AutoCreateChannels the bus creates them when the
// endpoint activates, otherwise activation fails with ErrUnknownChannel.
//
// # Failures
//
// Handler errors, panics, messages no subscriber accepted and failing
// scheduled tasks all become error messages on the invalid-message channel.
// Their metadata names the failure kind, the origin channel and the original
// message id.
//
// # Middleware
//
// The default middleware chain includes correlation ID injection, structured
// logging, protobuf validation, outbox persistence, OpenTelemetry tracing,
// Prometheus metrics and panic recovery. Retry, poison queue forwarding and
// delivery hooks are available as opt-in registrations through
// BusDependencies.Middlewares.
//
// # Source adapters
//
// NewSubscriberSource feeds a Watermill subscriber topic into a channel,
// NewPollingSource polls a function on the bus scheduler, and
// PublisherHandler turns any Watermill publisher into an endpoint handler.
// Adapters registered with Bus.RegisterSourceAdapter start and stop with the bus.
package flowbus
