package handlers

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

// typedPipeline is the decode, handle and encode sequence shared by the JSON
// and proto handler builders. In is the decoded payload type, Out the
// handler's output element type.
type typedPipeline[In any, Out any] struct {
	decode func(payload []byte) (In, error)
	handle func(ctx context.Context, base MessageContextBase, payload In) ([]Out, error)
	encode func(outputs []Out, incoming metadatapkg.Metadata) ([]*message.Message, error)
	logger loggingpkg.ServiceLogger
}

func (p typedPipeline[In, Out]) handlerFunc() message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		payload, err := p.decode(msg.Payload)
		if err != nil {
			return nil, err
		}

		base := MessageContextBase{
			Metadata: metadatapkg.FromWatermill(msg.Metadata),
			Logger:   p.logger,
		}
		outputs, err := p.handle(msg.Context(), base, payload)
		if err != nil {
			return nil, err
		}
		return p.encode(outputs, base.Metadata)
	}
}
