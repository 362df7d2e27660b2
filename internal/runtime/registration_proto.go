package runtime

import (
	"google.golang.org/protobuf/proto"

	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	handlerpkg "github.com/drblury/flowbus/internal/runtime/handlers"
)

// RegisterProtoHandler converts the typed handler into an endpoint and registers
// it together with the proto types it consumes and emits.
func RegisterProtoHandler[T proto.Message](bus *Bus, cfg handlerpkg.ProtoHandlerRegistration[T]) error {
	if bus == nil {
		return errspkg.ErrBusRequired
	}

	var zero T
	prototype, err := handlerpkg.EnsureProtoPrototype(zero)
	if err != nil {
		return err
	}

	resolvedOpts := handlerpkg.ApplyProtoHandlerOptions(cfg.Options)

	var validate func(proto.Message) error
	if cfg.ValidateOutgoing && bus.validator != nil {
		validate = func(msg proto.Message) error {
			return bus.validator.Validate(msg)
		}
	}

	wrapped, err := handlerpkg.BuildProtoHandler(prototype, cfg.Handler, validate, NewMessageFromProto, bus.Logger)
	if err != nil {
		return err
	}

	if err := bus.registerHandler(handlerRegistration{
		Name:               cfg.Name,
		InputChannel:       cfg.InputChannel,
		OutputChannel:      cfg.OutputChannel,
		Concurrency:        cfg.Concurrency,
		Handler:            wrapped,
		consumeMessageType: prototype,
	}); err != nil {
		return err
	}

	for _, emitted := range resolvedOpts.AdditionalPublishTypes {
		bus.registerProtoType(emitted)
	}

	return nil
}
