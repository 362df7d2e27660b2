package runtime

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

// DeliveryContext describes one handler invocation to hooks. Duration is only
// set for OnDeliveryDone and OnDeliveryError.
type DeliveryContext struct {
	Endpoint      string
	Channel       string
	MessageUUID   string
	CorrelationID string
	Metadata      message.Metadata
	Context       context.Context
	StartedAt     time.Time
	Duration      time.Duration
}

// DeliveryHooks are optional callbacks around handler execution. Nil hooks
// are skipped.
type DeliveryHooks struct {
	OnDeliveryStart func(ctx DeliveryContext)
	OnDeliveryDone  func(ctx DeliveryContext)
	OnDeliveryError func(ctx DeliveryContext, err error)
}

// Merge returns hooks calling h first and other second.
func (h DeliveryHooks) Merge(other DeliveryHooks) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart: chainHooks(h.OnDeliveryStart, other.OnDeliveryStart),
		OnDeliveryDone:  chainHooks(h.OnDeliveryDone, other.OnDeliveryDone),
		OnDeliveryError: chainErrorHooks(h.OnDeliveryError, other.OnDeliveryError),
	}
}

func chainHooks(a, b func(DeliveryContext)) func(DeliveryContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(DeliveryContext, error)) func(DeliveryContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx DeliveryContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

// DeliveryHooksMiddleware invokes hooks around every handler call.
func DeliveryHooksMiddleware(hooks DeliveryHooks) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "delivery_hooks",
		Middleware: deliveryHooksMiddleware(hooks),
	}
}

func deliveryHooksMiddleware(hooks DeliveryHooks) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			dc := DeliveryContext{
				Endpoint:      msg.Metadata.Get(metadatapkg.KeyEndpoint),
				Channel:       msg.Metadata.Get(metadatapkg.KeyChannel),
				MessageUUID:   msg.UUID,
				CorrelationID: msg.Metadata.Get(metadatapkg.KeyCorrelationID),
				Metadata:      msg.Metadata,
				Context:       msg.Context(),
				StartedAt:     time.Now(),
			}
			if hooks.OnDeliveryStart != nil {
				hooks.OnDeliveryStart(dc)
			}

			msgs, err := h(msg)
			dc.Duration = time.Since(dc.StartedAt)

			if err != nil {
				if hooks.OnDeliveryError != nil {
					hooks.OnDeliveryError(dc, err)
				}
			} else if hooks.OnDeliveryDone != nil {
				hooks.OnDeliveryDone(dc)
			}
			return msgs, err
		}
	}
}

// LoggingHooks logs each delivery through logger.
func LoggingHooks(logger loggingpkg.ServiceLogger) DeliveryHooks {
	return DeliveryHooks{
		OnDeliveryStart: func(ctx DeliveryContext) {
			logger.Debug("Delivery started", loggingpkg.LogFields{
				"endpoint":     ctx.Endpoint,
				"channel":      ctx.Channel,
				"message_uuid": ctx.MessageUUID,
			})
		},
		OnDeliveryDone: func(ctx DeliveryContext) {
			logger.Info("Delivery completed", loggingpkg.LogFields{
				"endpoint":     ctx.Endpoint,
				"channel":      ctx.Channel,
				"message_uuid": ctx.MessageUUID,
				"duration_ms":  ctx.Duration.Milliseconds(),
			})
		},
		OnDeliveryError: func(ctx DeliveryContext, err error) {
			logger.Error("Delivery failed", err, loggingpkg.LogFields{
				"endpoint":       ctx.Endpoint,
				"channel":        ctx.Channel,
				"message_uuid":   ctx.MessageUUID,
				"correlation_id": ctx.CorrelationID,
				"duration_ms":    ctx.Duration.Milliseconds(),
			})
		},
	}
}

// MetricsHooks forwards delivery events to counter callbacks.
func MetricsHooks(onStart, onDone, onError func(endpoint, channel string)) DeliveryHooks {
	call := func(fn func(string, string)) func(DeliveryContext) {
		if fn == nil {
			return nil
		}
		return func(ctx DeliveryContext) { fn(ctx.Endpoint, ctx.Channel) }
	}
	hooks := DeliveryHooks{
		OnDeliveryStart: call(onStart),
		OnDeliveryDone:  call(onDone),
	}
	if onError != nil {
		hooks.OnDeliveryError = func(ctx DeliveryContext, _ error) { onError(ctx.Endpoint, ctx.Channel) }
	}
	return hooks
}

// AlertingHooks calls alert for every failed delivery.
func AlertingHooks(alert func(ctx DeliveryContext, err error)) DeliveryHooks {
	return DeliveryHooks{OnDeliveryError: alert}
}
