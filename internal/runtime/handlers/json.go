package handlers

import (
	"context"
	"fmt"
	"reflect"

	"github.com/ThreeDotsLabs/watermill/message"

	endpointpkg "github.com/drblury/flowbus/internal/runtime/endpoint"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
	jsoncodec "github.com/drblury/flowbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

// JSONHandlerRegistration subscribes a typed JSON handler to InputChannel.
// T must be a pointer type; each delivery decodes into a new value.
type JSONHandlerRegistration[T any, O any] struct {
	Name          string
	InputChannel  string
	OutputChannel string
	Concurrency   *endpointpkg.ConcurrencyPolicy
	Handler       JSONMessageHandler[T, O]
}

type JSONMessageContext[T any] struct {
	MessageContextBase
	Payload T
}

// JSONMessageOutput is one message emitted by a JSON handler. A non-empty
// Channel overrides the endpoint's output channel for this message.
type JSONMessageOutput[T any] struct {
	Message  T
	Metadata metadatapkg.Metadata
	Channel  string
}

type JSONMessageHandler[T any, O any] func(ctx context.Context, event JSONMessageContext[T]) ([]JSONMessageOutput[O], error)

// BuildJSONHandler adapts handler to a Watermill handler that decodes
// payloads with the sonic codec.
func BuildJSONHandler[T any, O any](handler JSONMessageHandler[T, O], logger loggingpkg.ServiceLogger) (message.HandlerFunc, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	newInput, err := jsonPrototypeFactory[T]()
	if err != nil {
		return nil, err
	}

	return typedPipeline[T, JSONMessageOutput[O]]{
		decode: func(payload []byte) (T, error) {
			in := newInput()
			if err := jsoncodec.Unmarshal(payload, in); err != nil {
				return in, fmt.Errorf("%w: %T: %w", errspkg.ErrUndecodablePayload, in, err)
			}
			return in, nil
		},
		handle: func(ctx context.Context, base MessageContextBase, in T) ([]JSONMessageOutput[O], error) {
			return handler(ctx, JSONMessageContext[T]{MessageContextBase: base, Payload: in})
		},
		encode: convertJSONOutputs[O],
		logger: logger,
	}.handlerFunc(), nil
}

// jsonPrototypeFactory returns a constructor for fresh T values. T has to be
// a pointer so the codec can decode into it.
func jsonPrototypeFactory[T any]() (func() T, error) {
	typ := reflect.TypeFor[T]()
	switch typ.Kind() {
	case reflect.Interface:
		return nil, errspkg.ErrConsumeMessageTypeRequired
	case reflect.Pointer:
	default:
		return nil, errspkg.ErrConsumeMessagePointerNeeded
	}

	elem := typ.Elem()
	return func() T {
		return reflect.New(elem).Interface().(T)
	}, nil
}

func convertJSONOutputs[T any](outputs []JSONMessageOutput[T], incoming metadatapkg.Metadata) ([]*message.Message, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	msgs := make([]*message.Message, 0, len(outputs))
	for i, out := range outputs {
		if v := reflect.ValueOf(out.Message); !v.IsValid() || v.IsZero() {
			return nil, fmt.Errorf("output %d: %w", i, errspkg.ErrEmptyOutput)
		}

		payload, err := jsoncodec.Marshal(out.Message)
		if err != nil {
			return nil, fmt.Errorf("output %d: %w", i, err)
		}

		md := outputMetadata(out.Metadata, incoming, out.Channel)
		md[metadatapkg.KeyMessageType] = fmt.Sprintf("%T", out.Message)

		msg := idspkg.NewMessage(payload)
		msg.Metadata = metadatapkg.ToWatermill(md)
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// outputMetadata picks the metadata for an outgoing message: md when set,
// otherwise a copy of the incoming metadata. Routing keys of the incoming
// message are never inherited; channel, when set, becomes the reply channel.
func outputMetadata(md, incoming metadatapkg.Metadata, channel string) metadatapkg.Metadata {
	if md == nil {
		md = incoming
	}
	md = md.Clone()
	for _, key := range []string{metadatapkg.KeyReplyChannel, metadatapkg.KeyChannel, metadatapkg.KeyEnqueuedAt} {
		delete(md, key)
	}
	if channel != "" {
		md[metadatapkg.KeyReplyChannel] = channel
	}
	return md
}
