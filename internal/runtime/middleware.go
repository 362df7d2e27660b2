package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/protobuf/encoding/protojson"

	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

const tracerName = "github.com/drblury/flowbus"

// MiddlewareBuilder constructs a handler middleware for the given bus.
type MiddlewareBuilder func(*Bus) (message.HandlerMiddleware, error)

// MiddlewareRegistration describes one entry of the bus middleware chain.
// The chain wraps every endpoint that accepts middleware when it is activated.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	return cfg
}

// DefaultMiddlewares returns the chain applied unless disabled.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		ProtoValidateMiddleware(),
		OutboxMiddleware(),
		TracerMiddleware(),
		MetricsMiddleware(),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware records delivery metrics and exposes /metrics when a
// metrics port is configured.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(b *Bus) (message.HandlerMiddleware, error) {
			if !b.Conf.MetricsEnabled {
				return nil, nil
			}
			if err := b.metrics.Register(); err != nil {
				return nil, fmt.Errorf("register bus metrics: %w", err)
			}
			if b.Conf.MetricsPort > 0 {
				b.RegisterHTTPHandler(b.Conf.MetricsPort, "/metrics", promhttp.Handler())
			}
			return b.metricsMiddleware(), nil
		},
	}
}

// CorrelationIDMiddleware ensures each handled message carries a correlation id.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs payload and metadata of handled messages at
// debug level. A nil logger selects the bus logger.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(b *Bus) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = b.Logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// ProtoValidateMiddleware unmarshals and validates protobuf payloads whose
// message type is registered on the bus. It does nothing without a validator.
func ProtoValidateMiddleware() MiddlewareRegistration {
	return whenConfigured("proto_validate", func(b *Bus) bool { return b.validator != nil }, (*Bus).protoValidateMiddleware)
}

// OutboxMiddleware stores the messages a handler emits when an OutboxStore is configured.
func OutboxMiddleware() MiddlewareRegistration {
	return whenConfigured("outbox", func(b *Bus) bool { return b.outbox != nil }, (*Bus).outboxMiddleware)
}

// whenConfigured builds the middleware only for buses where ready holds.
func whenConfigured(name string, ready func(*Bus) bool, build func(*Bus) message.HandlerMiddleware) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: name,
		Builder: func(b *Bus) (message.HandlerMiddleware, error) {
			if !ready(b) {
				return nil, nil
			}
			return build(b), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry consumer span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// RetryMiddleware retries failed handler calls in place with exponential backoff.
func RetryMiddleware(cfg RetryMiddlewareConfig) MiddlewareRegistration {
	normalized := cfg.withDefaults()
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(b *Bus) (message.HandlerMiddleware, error) {
			return middleware.Retry{
				MaxRetries:      normalized.MaxRetries,
				InitialInterval: normalized.InitialInterval,
				MaxInterval:     normalized.MaxInterval,
				Multiplier:      2,
				Logger:          loggingpkg.NewWatermillAdapter(b.Logger),
				ShouldRetry: func(params middleware.RetryParams) bool {
					if normalized.RetryIf != nil {
						return normalized.RetryIf(params.Err)
					}
					return true
				},
			}.Middleware, nil
		},
	}
}

// PoisonQueueMiddleware publishes messages failing with an error matched by
// filter into the named bus channel and acknowledges them. The default filter
// matches UnprocessableEventError and payloads typed handlers could not decode.
func PoisonQueueMiddleware(channelName string, filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(b *Bus) (message.HandlerMiddleware, error) {
			if channelName == "" {
				return nil, errors.New("poison queue middleware requires a channel name")
			}
			f := filter
			if f == nil {
				f = isUnprocessable
			}
			return middleware.PoisonQueueWithFilter(b, channelName, f)
		},
	}
}

// RecovererMiddleware converts handler panics into errors.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

func (b *Bus) buildMiddlewares(regs []MiddlewareRegistration) ([]message.HandlerMiddleware, error) {
	chain := make([]message.HandlerMiddleware, 0, len(regs))
	for _, reg := range regs {
		name := reg.Name
		if name == "" {
			name = "anonymous_middleware"
		}

		var mw message.HandlerMiddleware
		switch {
		case reg.Middleware != nil:
			mw = reg.Middleware
		case reg.Builder != nil:
			built, err := reg.Builder(b)
			if err != nil {
				return nil, fmt.Errorf("middleware %s: %w", name, err)
			}
			mw = built
		default:
			return nil, fmt.Errorf("middleware %s: registration requires Middleware or Builder", name)
		}

		if mw != nil {
			chain = append(chain, mw)
		}
	}
	return chain, nil
}

func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
			msg.Metadata.Set(metadatapkg.KeyCorrelationID, idspkg.CreateULID())
		}
		return h(msg)
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Handling message", loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"channel":      msg.Metadata.Get(metadatapkg.KeyChannel),
				"endpoint":     msg.Metadata.Get(metadatapkg.KeyEndpoint),
				"payload":      string(msg.Payload),
				"metadata":     msg.Metadata,
			})
			return h(msg)
		}
	}
}

func (b *Bus) protoValidateMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			typeName := msg.Metadata.Get(metadatapkg.KeyMessageType)
			if typeName == "" {
				return h(msg)
			}
			newProto, ok := b.lookupProtoType(typeName)
			if !ok {
				return h(msg)
			}

			protoMsg := newProto()
			if err := protojson.Unmarshal(msg.Payload, protoMsg); err != nil {
				return nil, NewUnprocessableEventError(msg.Payload, err)
			}
			if err := b.validator.Validate(protoMsg); err != nil {
				return nil, NewUnprocessableEventError(msg.Payload, err)
			}
			return h(msg)
		}
	}
}

func (b *Bus) outboxMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			outgoing, err := h(msg)
			if err != nil || len(outgoing) == 0 {
				return outgoing, err
			}
			for _, out := range outgoing {
				eventType := out.Metadata.Get(metadatapkg.KeyMessageType)
				if eventType == "" {
					eventType = "unknown_event"
				}
				if err := b.outbox.StoreOutgoingMessage(msg.Context(), eventType, out.UUID, string(out.Payload)); err != nil {
					return nil, err
				}
			}
			return outgoing, nil
		}
	}
}

func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		channel := msg.Metadata.Get(metadatapkg.KeyChannel)
		ctx, span := otel.Tracer(tracerName).Start(
			msg.Context(),
			"flowbus.deliver "+channel,
			trace.WithSpanKind(trace.SpanKindConsumer),
			trace.WithAttributes(
				attribute.String("messaging.system", "flowbus"),
				attribute.String("messaging.destination.name", channel),
				attribute.String("messaging.message.id", msg.UUID),
				attribute.String("flowbus.endpoint", msg.Metadata.Get(metadatapkg.KeyEndpoint)),
			),
		)
		defer span.End()

		if sc := span.SpanContext(); sc.IsValid() {
			msg.Metadata.Set(metadatapkg.KeyTraceID, sc.TraceID().String())
			msg.Metadata.Set(metadatapkg.KeySpanID, sc.SpanID().String())
		}
		msg.SetContext(ctx)

		msgs, err := h(msg)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return msgs, err
	}
}

func (b *Bus) metricsMiddleware() message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			start := time.Now()
			msgs, err := h(msg)
			b.metrics.RecordDelivery(
				msg.Metadata.Get(metadatapkg.KeyChannel),
				msg.Metadata.Get(metadatapkg.KeyEndpoint),
				time.Since(start),
				err,
			)
			return msgs, err
		}
	}
}
