package runtime

import (
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/proto"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	endpointpkg "github.com/drblury/flowbus/internal/runtime/endpoint"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	schedulerpkg "github.com/drblury/flowbus/internal/runtime/scheduler"
)

type handlerRegistration struct {
	Name               string
	InputChannel       string
	Channel            channelpkg.MessageChannel
	OutputChannel      string
	Schedule           schedulerpkg.Schedule
	Concurrency        *endpointpkg.ConcurrencyPolicy
	Handler            message.HandlerFunc
	consumeMessageType proto.Message
}

// MessageHandlerRegistration wires a raw Watermill handler without typed helpers.
// Channel takes precedence over InputChannel when both are set.
type MessageHandlerRegistration struct {
	Name          string
	InputChannel  string
	Channel       channelpkg.MessageChannel
	OutputChannel string
	Schedule      schedulerpkg.Schedule
	Concurrency   *endpointpkg.ConcurrencyPolicy
	Handler       message.HandlerFunc
}

// RegisterMessageHandler subscribes the handler to its input channel.
func RegisterMessageHandler(bus *Bus, cfg MessageHandlerRegistration) error {
	if bus == nil {
		return errspkg.ErrBusRequired
	}

	return bus.registerHandler(handlerRegistration{
		Name:          cfg.Name,
		InputChannel:  cfg.InputChannel,
		Channel:       cfg.Channel,
		OutputChannel: cfg.OutputChannel,
		Schedule:      cfg.Schedule,
		Concurrency:   cfg.Concurrency,
		Handler:       cfg.Handler,
	})
}

func (b *Bus) registerHandler(cfg handlerRegistration) error {
	if cfg.Handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if cfg.consumeMessageType != nil {
		b.registerProtoType(cfg.consumeMessageType)
		if cfg.Name == "" {
			cfg.Name = fmt.Sprintf("%T-Handler", cfg.consumeMessageType)
		}
	}
	if cfg.Name == "" {
		return errspkg.ErrEndpointNameRequired
	}

	var opts []endpointpkg.Option
	if cfg.OutputChannel != "" {
		opts = append(opts, endpointpkg.WithDefaultOutput(cfg.OutputChannel))
	}
	if cfg.Concurrency != nil {
		opts = append(opts, endpointpkg.WithConcurrency(*cfg.Concurrency))
	}

	sub := endpointpkg.Subscription{
		Channel:     cfg.Channel,
		ChannelName: cfg.InputChannel,
		Schedule:    cfg.Schedule,
	}
	return b.RegisterHandler(cfg.Name, cfg.Handler, sub, opts...)
}
