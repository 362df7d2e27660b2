package adapter

import (
	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

// busOnlyKeys are routing keys that mean nothing outside the bus.
var busOnlyKeys = []string{
	metadatapkg.KeyChannel,
	metadatapkg.KeyEndpoint,
	metadatapkg.KeyReplyChannel,
	metadatapkg.KeyEnqueuedAt,
}

// PublisherHandler returns an endpoint handler that publishes every message
// it receives to topic on pub. Bus routing keys are stripped from the
// published copy; the correlation id and user metadata are kept.
func PublisherHandler(pub message.Publisher, topic string) (message.HandlerFunc, error) {
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	return func(msg *message.Message) ([]*message.Message, error) {
		out := msg.Copy()
		out.SetContext(msg.Context())
		for _, key := range busOnlyKeys {
			delete(out.Metadata, key)
		}
		if err := pub.Publish(topic, out); err != nil {
			return nil, &errspkg.MessagingError{Channel: topic, Err: err}
		}
		return nil, nil
	}, nil
}
