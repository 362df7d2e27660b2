package handlers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	endpointpkg "github.com/drblury/flowbus/internal/runtime/endpoint"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

// ProtoHandlerRegistration subscribes a typed protobuf handler to InputChannel.
// Payloads travel as protojson.
type ProtoHandlerRegistration[T proto.Message] struct {
	Name          string
	InputChannel  string
	OutputChannel string
	Concurrency   *endpointpkg.ConcurrencyPolicy
	Handler       ProtoMessageHandler[T]
	Options       []ProtoHandlerOption

	// ValidateOutgoing runs the bus validator on every emitted message.
	ValidateOutgoing bool
}

// ProtoHandlerOptions is the resolved form of a ProtoHandlerOption list.
type ProtoHandlerOptions struct {
	AdditionalPublishTypes []proto.Message
}

// ProtoHandlerOption customises a proto handler registration.
type ProtoHandlerOption func(*ProtoHandlerOptions)

// ApplyProtoHandlerOptions folds opts into a ProtoHandlerOptions, skipping nils.
func ApplyProtoHandlerOptions(opts []ProtoHandlerOption) ProtoHandlerOptions {
	var resolved ProtoHandlerOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&resolved)
		}
	}
	return resolved
}

// WithPublishMessageTypes declares proto types the handler emits besides its
// own output, so the bus can list them.
func WithPublishMessageTypes(msgs ...proto.Message) ProtoHandlerOption {
	return func(o *ProtoHandlerOptions) {
		o.AdditionalPublishTypes = append(o.AdditionalPublishTypes, msgs...)
	}
}

// ProtoMessageContext is what a proto handler receives for each delivery.
type ProtoMessageContext[T proto.Message] struct {
	MessageContextBase
	Payload T
}

// ProtoMessageOutput is one message emitted by a proto handler. A non-empty
// Channel overrides the endpoint's output channel.
type ProtoMessageOutput struct {
	Message  proto.Message
	Metadata metadatapkg.Metadata
	Channel  string
}

// ProtoMessageHandler handles one decoded protobuf payload.
type ProtoMessageHandler[T proto.Message] func(ctx context.Context, event ProtoMessageContext[T]) ([]ProtoMessageOutput, error)

// ProtoMessageFactory encodes a proto message and its metadata as a bus message.
type ProtoMessageFactory func(proto.Message, metadatapkg.Metadata) (*message.Message, error)

// BuildProtoHandler adapts handler to a Watermill handler. Every delivery is
// decoded into a fresh instance of prototype's type. validate may be nil.
func BuildProtoHandler[T proto.Message](prototype T, handler ProtoMessageHandler[T], validate func(proto.Message) error, factory ProtoMessageFactory, logger loggingpkg.ServiceLogger) (message.HandlerFunc, error) {
	switch {
	case handler == nil:
		return nil, errspkg.ErrHandlerRequired
	case isNilProto(prototype):
		return nil, errspkg.ErrConsumeMessageTypeRequired
	case factory == nil:
		return nil, errspkg.ErrMessageFactoryRequired
	}

	return typedPipeline[T, ProtoMessageOutput]{
		decode: func(payload []byte) (T, error) {
			in, err := clonePrototype(prototype)
			if err != nil {
				return in, err
			}
			if err := protojson.Unmarshal(payload, in); err != nil {
				return in, fmt.Errorf("%w: %T: %w", errspkg.ErrUndecodablePayload, prototype, err)
			}
			return in, nil
		},
		handle: func(ctx context.Context, base MessageContextBase, in T) ([]ProtoMessageOutput, error) {
			outputs, err := handler(ctx, ProtoMessageContext[T]{MessageContextBase: base, Payload: in})
			if err != nil {
				return nil, err
			}
			return outputs, checkProtoOutputs(outputs, validate, base.Channel())
		},
		encode: func(outputs []ProtoMessageOutput, incoming metadatapkg.Metadata) ([]*message.Message, error) {
			return convertProtoOutputs(outputs, incoming, factory)
		},
		logger: logger,
	}.handlerFunc(), nil
}

func checkProtoOutputs(outputs []ProtoMessageOutput, validate func(proto.Message) error, channel string) error {
	for i, out := range outputs {
		if isNilProto(out.Message) {
			return fmt.Errorf("output %d: %w", i, errspkg.ErrEmptyOutput)
		}
		if validate == nil {
			continue
		}
		if err := validate(out.Message); err != nil {
			return fmt.Errorf("output %d of %s: %w", i, channel, err)
		}
	}
	return nil
}

// clonePrototype returns an empty message of prototype's concrete type.
func clonePrototype[T proto.Message](prototype T) (T, error) {
	var zero T
	if isNilProto(prototype) {
		return zero, errspkg.ErrConsumeMessageTypeRequired
	}
	fresh, ok := prototype.ProtoReflect().New().Interface().(T)
	if !ok {
		return zero, fmt.Errorf("flowbus: %T does not instantiate as itself", prototype)
	}
	return fresh, nil
}

// EnsureProtoPrototype returns candidate, or a fresh instance of its type when
// candidate is a typed nil pointer.
func EnsureProtoPrototype[T proto.Message](candidate T) (T, error) {
	var zero T
	if !isNilProto(candidate) {
		return candidate, nil
	}

	typ := reflect.TypeOf(candidate)
	switch {
	case typ == nil:
		return zero, errspkg.ErrConsumeMessageTypeRequired
	case typ.Kind() != reflect.Pointer:
		return zero, errspkg.ErrConsumeMessagePointerNeeded
	}

	fresh, ok := reflect.New(typ.Elem()).Interface().(T)
	if !ok {
		return zero, fmt.Errorf("flowbus: %s does not instantiate as itself", typ)
	}
	return fresh, nil
}

func convertProtoOutputs(outputs []ProtoMessageOutput, incoming metadatapkg.Metadata, factory ProtoMessageFactory) ([]*message.Message, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	msgs := make([]*message.Message, 0, len(outputs))
	for i, out := range outputs {
		msg, err := factory(out.Message, outputMetadata(out.Metadata, incoming, out.Channel))
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// isNilProto reports whether msg carries no message: a nil interface or a nil
// pointer, map or slice behind the interface.
func isNilProto[T proto.Message](msg T) bool {
	v := reflect.ValueOf(msg)
	if !v.IsValid() {
		return true
	}
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Func, reflect.Interface, reflect.Chan:
		return v.IsNil()
	}
	return false
}
