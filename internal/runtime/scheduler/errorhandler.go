package scheduler

import (
	"errors"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

// Failure kinds recorded under metadata.KeyFailureKind.
const (
	FailureKindDelivery = "delivery"
	FailureKindRejected = "rejected"
	FailureKindTask     = "task"
)

// ErrorHandler receives failures that escaped a scheduled task or a handler.
type ErrorHandler interface {
	HandleError(err error)
}

// ErrorHandlerFunc adapts a function to ErrorHandler.
type ErrorHandlerFunc func(err error)

func (f ErrorHandlerFunc) HandleError(err error) { f(err) }

// LoggingErrorHandler logs failures and does nothing else.
func LoggingErrorHandler(logger loggingpkg.ServiceLogger) ErrorHandler {
	return ErrorHandlerFunc(func(err error) {
		logger.Error("Unhandled task error", err, nil)
	})
}

// InvalidChannelSource supplies the current invalid-message channel.
type InvalidChannelSource interface {
	InvalidMessageChannel() channelpkg.MessageChannel
}

// MessagePublishingErrorHandler turns failures into error messages on the
// invalid-message channel. Failures carrying the original message keep its
// payload and metadata; the rest carry the error text as payload.
type MessagePublishingErrorHandler struct {
	source      InvalidChannelSource
	logger      loggingpkg.ServiceLogger
	sendTimeout time.Duration

	// OnRouted is called after an error message reached the channel.
	OnRouted func(kind string, errMsg *message.Message)
}

// NewMessagePublishingErrorHandler builds a handler resolving the sink through
// source on every failure, so replacing the invalid channel takes effect at once.
func NewMessagePublishingErrorHandler(source InvalidChannelSource, logger loggingpkg.ServiceLogger) *MessagePublishingErrorHandler {
	if logger == nil {
		logger = loggingpkg.NopLogger()
	}
	return &MessagePublishingErrorHandler{
		source:      source,
		logger:      logger,
		sendTimeout: time.Second,
	}
}

// SetSendTimeout bounds how long a full invalid-message channel is waited on.
func (h *MessagePublishingErrorHandler) SetSendTimeout(d time.Duration) {
	h.sendTimeout = d
}

func (h *MessagePublishingErrorHandler) HandleError(err error) {
	if err == nil {
		return
	}
	errMsg, kind := BuildErrorMessage(err, time.Now())

	sink := h.source.InvalidMessageChannel()
	if sink == nil {
		h.logger.Error("No invalid-message channel, dropping failure", err, loggingpkg.LogFields{
			"failure_kind": kind,
		})
		return
	}
	if !sink.Send(errMsg, h.sendTimeout) {
		h.logger.Error("Failed to route failure to invalid-message channel", err, loggingpkg.LogFields{
			"failure_kind": kind,
			"channel":      sink.Name(),
		})
		return
	}
	h.logger.Debug("Failure routed to invalid-message channel", loggingpkg.LogFields{
		"failure_kind": kind,
		"message_uuid": errMsg.UUID,
	})
	if h.OnRouted != nil {
		h.OnRouted(kind, errMsg)
	}
}

// BuildErrorMessage wraps err into a fresh message for the invalid-message
// channel and reports the failure kind.
func BuildErrorMessage(err error, failedAt time.Time) (*message.Message, string) {
	kind := FailureKindTask
	md := metadatapkg.Metadata{}
	payload := []byte(err.Error())

	var deliveryErr *errspkg.DeliveryError
	var rejectedErr *errspkg.RejectedError
	switch {
	case errors.As(err, &deliveryErr):
		kind = FailureKindDelivery
		md[metadatapkg.KeyOriginChannel] = deliveryErr.Channel
		md[metadatapkg.KeyEndpoint] = deliveryErr.Endpoint
	case errors.As(err, &rejectedErr):
		kind = FailureKindRejected
		md[metadatapkg.KeyOriginChannel] = rejectedErr.Channel
		md[metadatapkg.KeyAttempts] = strconv.Itoa(rejectedErr.Attempts)
	}

	if original, ok := errspkg.FailedMessage(err); ok {
		md = metadatapkg.FromWatermill(original.Metadata).WithAll(md)
		md[metadatapkg.KeyOriginalUUID] = original.UUID
		payload = append([]byte(nil), original.Payload...)
	}
	md[metadatapkg.KeyError] = err.Error()
	md[metadatapkg.KeyFailureKind] = kind
	md[metadatapkg.KeyFailedAt] = failedAt.UTC().Format(time.RFC3339Nano)

	msg := idspkg.NewMessage(payload)
	msg.Metadata = metadatapkg.ToWatermill(md)
	return msg, kind
}
