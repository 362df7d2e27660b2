package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/structpb"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	endpointpkg "github.com/drblury/flowbus/internal/runtime/endpoint"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	handlerpkg "github.com/drblury/flowbus/internal/runtime/handlers"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

type orderPlaced struct {
	ID    string `json:"id"`
	Total int    `json:"total"`
}

type orderShipped struct {
	ID string `json:"id"`
}

func TestRegisterHandlersRequireBus(t *testing.T) {
	err := RegisterMessageHandler(nil, MessageHandlerRegistration{Name: "x", Handler: noopHandler})
	assert.ErrorIs(t, err, errspkg.ErrBusRequired)

	err = RegisterJSONHandler(nil, handlerpkg.JSONHandlerRegistration[*orderPlaced, *orderShipped]{Name: "x"})
	assert.ErrorIs(t, err, errspkg.ErrBusRequired)

	err = RegisterProtoHandler(nil, handlerpkg.ProtoHandlerRegistration[*structpb.Struct]{Name: "x"})
	assert.ErrorIs(t, err, errspkg.ErrBusRequired)
}

func TestRegisterMessageHandlerValidations(t *testing.T) {
	b := newTestBus(t, BusDependencies{})

	err := RegisterMessageHandler(b, MessageHandlerRegistration{Name: "no-handler", InputChannel: "orders"})
	assert.ErrorIs(t, err, errspkg.ErrHandlerRequired)

	err = RegisterMessageHandler(b, MessageHandlerRegistration{InputChannel: "orders", Handler: noopHandler})
	assert.ErrorIs(t, err, errspkg.ErrEndpointNameRequired)

	assert.Empty(t, b.Endpoints())
}

func TestRegisterMessageHandlerWiresOptions(t *testing.T) {
	b := newTestBus(t, BusDependencies{})
	require.NoError(t, b.RegisterChannel("orders", channelpkg.NewChannel(0)))
	require.NoError(t, b.RegisterChannel("audited", channelpkg.NewChannel(0)))

	audit := newCollector()
	require.NoError(t, b.RegisterHandler("audit", audit.handler(), subscribe("audited")))

	err := RegisterMessageHandler(b, MessageHandlerRegistration{
		Name:          "forwarder",
		InputChannel:  "orders",
		OutputChannel: "audited",
		Concurrency:   &endpointpkg.ConcurrencyPolicy{CoreConcurrency: 1, MaxConcurrency: 3},
		Handler: func(msg *message.Message) ([]*message.Message, error) {
			return []*message.Message{newTestMessage("audit:" + string(msg.Payload))}, nil
		},
	})
	require.NoError(t, err)

	infos := b.Endpoints()
	require.Len(t, infos, 2)
	assert.Equal(t, "forwarder", infos[1].Name)
	assert.Equal(t, "orders", infos[1].InputChannel)
	assert.Equal(t, "audited", infos[1].OutputChannel)
	assert.Equal(t, "1..3", infos[1].Concurrency)

	startBus(t, b)
	require.NoError(t, b.Publish("orders", newTestMessage("o-1")))
	assert.Equal(t, []string{"audit:o-1"}, audit.waitFor(t, 1, waitTimeout))
}

func TestRegisterMessageHandlerWithChannelInstance(t *testing.T) {
	b := newTestBus(t, BusDependencies{})
	ch := channelpkg.NewChannel(0)
	require.NoError(t, b.RegisterChannel("direct", ch))

	c := newCollector()
	require.NoError(t, RegisterMessageHandler(b, MessageHandlerRegistration{
		Name:         "direct-handler",
		Channel:      ch,
		InputChannel: "ignored",
		Handler:      c.handler(),
	}))
	startBus(t, b)

	require.True(t, ch.Send(newTestMessage("hello"), channelpkg.NoWait))
	assert.Equal(t, []string{"hello"}, c.waitFor(t, 1, waitTimeout))
}

func TestRegisterJSONHandlerEndToEnd(t *testing.T) {
	b := newTestBus(t, BusDependencies{})
	require.NoError(t, b.RegisterChannel("orders", channelpkg.NewChannel(0)))
	require.NoError(t, b.RegisterChannel("shipments", channelpkg.NewChannel(0)))

	shipped := newCollector()
	require.NoError(t, b.RegisterHandler("shipments-sink", shipped.handler(), subscribe("shipments")))

	var seenChannel string
	err := RegisterJSONHandler(b, handlerpkg.JSONHandlerRegistration[*orderPlaced, *orderShipped]{
		Name:          "shipper",
		InputChannel:  "orders",
		OutputChannel: "shipments",
		Handler: func(ctx context.Context, event handlerpkg.JSONMessageContext[*orderPlaced]) ([]handlerpkg.JSONMessageOutput[*orderShipped], error) {
			seenChannel = event.Channel()
			return []handlerpkg.JSONMessageOutput[*orderShipped]{{Message: &orderShipped{ID: event.Payload.ID}}}, nil
		},
	})
	require.NoError(t, err)
	startBus(t, b)

	require.NoError(t, b.PublishJSON(context.Background(), "orders", &orderPlaced{ID: "o-7", Total: 3}, nil))

	payloads := shipped.waitFor(t, 1, waitTimeout)
	assert.JSONEq(t, `{"id":"o-7"}`, payloads[0])
	assert.Equal(t, "orders", seenChannel)
}

func TestRegisterJSONHandlerRejectsValueTypes(t *testing.T) {
	b := newTestBus(t, BusDependencies{})
	err := RegisterJSONHandler(b, handlerpkg.JSONHandlerRegistration[orderPlaced, orderShipped]{
		Name:         "values",
		InputChannel: "orders",
		Handler: func(context.Context, handlerpkg.JSONMessageContext[orderPlaced]) ([]handlerpkg.JSONMessageOutput[orderShipped], error) {
			return nil, nil
		},
	})
	assert.ErrorIs(t, err, errspkg.ErrConsumeMessagePointerNeeded)
	assert.Empty(t, b.Endpoints())
}

func TestRegisterProtoHandlerEndToEnd(t *testing.T) {
	b := newTestBus(t, BusDependencies{})
	require.NoError(t, b.RegisterChannel("structs", channelpkg.NewChannel(0)))
	require.NoError(t, b.RegisterChannel("replies", channelpkg.NewChannel(0)))

	replies := newCollector()
	require.NoError(t, b.RegisterHandler("replies-sink", replies.handler(), subscribe("replies")))

	err := RegisterProtoHandler(b, handlerpkg.ProtoHandlerRegistration[*structpb.Struct]{
		InputChannel: "structs",
		Handler: func(ctx context.Context, event handlerpkg.ProtoMessageContext[*structpb.Struct]) ([]handlerpkg.ProtoMessageOutput, error) {
			name := event.Payload.GetFields()["name"].GetStringValue()
			reply, err := structpb.NewStruct(map[string]any{"greeting": "hello " + name})
			if err != nil {
				return nil, err
			}
			return []handlerpkg.ProtoMessageOutput{{Message: reply, Channel: "replies"}}, nil
		},
		Options: []handlerpkg.ProtoHandlerOption{handlerpkg.WithPublishMessageTypes(&structpb.Value{})},
	})
	require.NoError(t, err)

	infos := b.Endpoints()
	require.Len(t, infos, 2)
	assert.Equal(t, "*structpb.Struct-Handler", infos[1].Name)

	_, ok := b.lookupProtoType("*structpb.Struct")
	assert.True(t, ok)
	_, ok = b.lookupProtoType("*structpb.Value")
	assert.True(t, ok)

	startBus(t, b)

	in, err := structpb.NewStruct(map[string]any{"name": "bus"})
	require.NoError(t, err)
	require.NoError(t, b.PublishProto(context.Background(), "structs", in, metadatapkg.Metadata{"tenant": "acme"}))

	payloads := replies.waitFor(t, 1, waitTimeout)
	assert.JSONEq(t, `{"greeting":"hello bus"}`, payloads[0])
}

func TestRegisterProtoHandlerValidatesOutgoing(t *testing.T) {
	invalid := errors.New("greeting too short")
	b := newTestBus(t, BusDependencies{Validator: &testValidator{err: invalid}})
	require.NoError(t, b.RegisterChannel("structs", channelpkg.NewChannel(0)))

	err := RegisterProtoHandler(b, handlerpkg.ProtoHandlerRegistration[*structpb.Struct]{
		Name:             "validated",
		InputChannel:     "structs",
		OutputChannel:    "structs",
		ValidateOutgoing: true,
		Handler: func(ctx context.Context, event handlerpkg.ProtoMessageContext[*structpb.Struct]) ([]handlerpkg.ProtoMessageOutput, error) {
			return []handlerpkg.ProtoMessageOutput{{Message: &structpb.Struct{}}}, nil
		},
	})
	require.NoError(t, err)

	// The proto validation middleware rejects the inbound payload first, so
	// publish a raw message without the message type header.
	startBus(t, b)
	require.NoError(t, b.Publish("structs", newTestMessage(`{}`)))

	failed := receiveWithin(t, b.InvalidMessageChannel(), waitTimeout)
	assert.Contains(t, failed.Metadata.Get(metadatapkg.KeyError), invalid.Error())
}
