package errors

import (
	sterrors "errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
)

var (
	ErrBusRequired                 = sterrors.New("flowbus: message bus is required")
	ErrHandlerRequired             = sterrors.New("flowbus: handler function is required")
	ErrEndpointRequired            = sterrors.New("flowbus: endpoint is required")
	ErrEndpointNameRequired        = sterrors.New("flowbus: endpoint name is required")
	ErrDuplicateEndpoint           = sterrors.New("flowbus: endpoint already registered")
	ErrChannelRequired             = sterrors.New("flowbus: channel is required")
	ErrChannelNameRequired         = sterrors.New("flowbus: channel name is required")
	ErrSubscriptionChannelRequired = sterrors.New("flowbus: subscription requires a channel or channel name")
	ErrUnknownChannel              = sterrors.New("flowbus: unknown channel")
	ErrAdapterRequired             = sterrors.New("flowbus: source adapter is required")
	ErrMessageRejected             = sterrors.New("flowbus: message rejected")
	ErrNoOutputChannel             = sterrors.New("flowbus: no output channel available")
	ErrSendTimeout                 = sterrors.New("flowbus: send timed out")
	ErrNilMessage                  = sterrors.New("flowbus: message is nil")
	ErrSchedulerNotRunning         = sterrors.New("flowbus: task scheduler is not running")
	ErrTaskRequired                = sterrors.New("flowbus: task is required")
	ErrInvalidConcurrencyPolicy    = sterrors.New("flowbus: invalid concurrency policy")
	ErrConsumeMessageTypeRequired  = sterrors.New("flowbus: consume message type is required")
	ErrConsumeMessagePointerNeeded = sterrors.New("flowbus: consume message type must be a pointer")
	ErrConfigRequired              = sterrors.New("flowbus: configuration is required")
	ErrLoggerRequired              = sterrors.New("flowbus: logger is required")
	ErrEventPayloadRequired        = sterrors.New("flowbus: event payload is required")
	ErrSubscriberRequired          = sterrors.New("flowbus: subscriber is required")
	ErrPublisherRequired           = sterrors.New("flowbus: publisher is required")
	ErrTopicRequired               = sterrors.New("flowbus: topic is required")
	ErrSchedulerRequired           = sterrors.New("flowbus: task scheduler is required")
	ErrPollFuncRequired            = sterrors.New("flowbus: poll function is required")
	ErrMessageFactoryRequired      = sterrors.New("flowbus: message factory is required")
	ErrUndecodablePayload          = sterrors.New("flowbus: payload cannot be decoded")
	ErrEmptyOutput                 = sterrors.New("flowbus: handler emitted an empty message")
)

// ConfigValidationError reports an invalid bus configuration.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "flowbus: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// ConfigurationError is raised while wiring an endpoint: a missing channel
// reference, or a channel name that cannot be resolved with auto-create off.
type ConfigurationError struct {
	Endpoint string
	Channel  string
	Err      error
}

func (e *ConfigurationError) Error() string {
	msg := "flowbus: configuration error"
	if e.Endpoint != "" {
		msg += fmt.Sprintf(" for endpoint %q", e.Endpoint)
	}
	if e.Channel != "" {
		msg += fmt.Sprintf(" (channel %q)", e.Channel)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// MessagingError is returned when a caller explicitly asks for a channel that
// cannot be resolved.
type MessagingError struct {
	Channel string
	Err     error
}

func (e *MessagingError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("flowbus: messaging error on channel %q", e.Channel)
	}
	return fmt.Sprintf("flowbus: messaging error on channel %q: %v", e.Channel, e.Err)
}

func (e *MessagingError) Unwrap() error {
	return e.Err
}

// DeliveryError wraps a failure raised by a handler while a dispatcher was
// delivering Message.
type DeliveryError struct {
	Message  *message.Message
	Channel  string
	Endpoint string
	Err      error
}

func (e *DeliveryError) Error() string {
	uuid := ""
	if e.Message != nil {
		uuid = e.Message.UUID
	}
	return fmt.Sprintf("flowbus: delivery of message %s from channel %q to %q failed: %v", uuid, e.Channel, e.Endpoint, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// RejectedError is reported once a message has been declined by every
// subscriber for the configured number of attempts.
type RejectedError struct {
	Message  *message.Message
	Channel  string
	Attempts int
	Err      error
}

func (e *RejectedError) Error() string {
	uuid := ""
	if e.Message != nil {
		uuid = e.Message.UUID
	}
	return fmt.Sprintf("flowbus: message %s on channel %q rejected after %d attempts", uuid, e.Channel, e.Attempts)
}

func (e *RejectedError) Unwrap() error {
	if e.Err == nil {
		return ErrMessageRejected
	}
	return e.Err
}

// FailedMessage extracts the message carried by a delivery or rejection error.
func FailedMessage(err error) (*message.Message, bool) {
	var deliveryErr *DeliveryError
	if sterrors.As(err, &deliveryErr) && deliveryErr.Message != nil {
		return deliveryErr.Message, true
	}
	var rejectedErr *RejectedError
	if sterrors.As(err, &rejectedErr) && rejectedErr.Message != nil {
		return rejectedErr.Message, true
	}
	return nil, false
}
