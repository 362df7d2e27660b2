package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
	jsoncodec "github.com/drblury/flowbus/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

// DefaultPublishTimeout bounds how long Publish waits on a full channel.
const DefaultPublishTimeout = 30 * time.Second

var protoJSONMarshalOptions = protojson.MarshalOptions{
	EmitUnpopulated: true,
}

// Producer emits typed events into bus channels.
type Producer interface {
	PublishProto(ctx context.Context, channelName string, event proto.Message, metadata metadatapkg.Metadata) error
	PublishJSON(ctx context.Context, channelName string, event any, metadata metadatapkg.Metadata) error
}

var (
	_ message.Publisher = (*Bus)(nil)
	_ Producer          = (*Bus)(nil)
)

// Publish sends messages to the channel named topic, resolving it like
// ResolveChannel. It makes the bus usable as a Watermill publisher.
func (b *Bus) Publish(topic string, messages ...*message.Message) error {
	ch, err := b.ResolveChannel(topic)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if msg == nil {
			return &errspkg.MessagingError{Channel: topic, Err: errspkg.ErrNilMessage}
		}
		if !send(msg.Context(), ch, msg, DefaultPublishTimeout) {
			return &errspkg.MessagingError{Channel: topic, Err: errspkg.ErrSendTimeout}
		}
	}
	return nil
}

// Close stops the bus within the configured shutdown timeout.
func (b *Bus) Close() error {
	return b.Stop(context.Background())
}

func send(ctx context.Context, ch channelpkg.MessageChannel, msg *message.Message, timeout time.Duration) bool {
	if cs, ok := ch.(channelpkg.ContextSender); ok && ctx != nil {
		return cs.SendContext(ctx, msg, timeout)
	}
	return ch.Send(msg, timeout)
}

// NewMessageFromProto converts event into a message with a protojson payload.
// Unpopulated fields are emitted so consumers see explicit zero values.
func NewMessageFromProto(event proto.Message, metadata metadatapkg.Metadata) (*message.Message, error) {
	if event == nil {
		return nil, errspkg.ErrEventPayloadRequired
	}
	return encodeEvent(event, metadata, func() ([]byte, error) {
		return protoJSONMarshalOptions.Marshal(event)
	})
}

// NewMessageFromJSON converts event into a message with a JSON payload.
func NewMessageFromJSON(event any, metadata metadatapkg.Metadata) (*message.Message, error) {
	if event == nil {
		return nil, errspkg.ErrEventPayloadRequired
	}
	return encodeEvent(event, metadata, func() ([]byte, error) {
		return jsoncodec.Marshal(event)
	})
}

// encodeEvent wraps the encoded event in a new message whose message type
// header names the event's Go type.
func encodeEvent(event any, metadata metadatapkg.Metadata, encode func() ([]byte, error)) (*message.Message, error) {
	payload, err := encode()
	if err != nil {
		return nil, fmt.Errorf("encode %T: %w", event, err)
	}
	msg := idspkg.NewMessage(payload)
	msg.Metadata = metadatapkg.ToWatermill(metadata)
	msg.Metadata.Set(metadatapkg.KeyMessageType, fmt.Sprintf("%T", event))
	return msg, nil
}

// PublishProto encodes event with NewMessageFromProto and publishes it to the
// named channel. ctx is attached to the message and bounds a blocked send.
func (b *Bus) PublishProto(ctx context.Context, channelName string, event proto.Message, metadata metadatapkg.Metadata) error {
	msg, err := NewMessageFromProto(event, metadata)
	if err != nil {
		return err
	}
	return b.publishWithContext(ctx, channelName, msg)
}

// PublishJSON encodes event with the JSON codec and publishes it to the named
// channel.
func (b *Bus) PublishJSON(ctx context.Context, channelName string, event any, metadata metadatapkg.Metadata) error {
	msg, err := NewMessageFromJSON(event, metadata)
	if err != nil {
		return err
	}
	return b.publishWithContext(ctx, channelName, msg)
}

func (b *Bus) publishWithContext(ctx context.Context, channelName string, msg *message.Message) error {
	if ctx != nil {
		msg.SetContext(ctx)
	}
	return b.Publish(channelName, msg)
}
