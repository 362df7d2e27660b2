package scheduler

import (
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
)

type staticSource struct {
	ch channelpkg.MessageChannel
}

func (s staticSource) InvalidMessageChannel() channelpkg.MessageChannel { return s.ch }

func TestMessagePublishingErrorHandlerDeliveryError(t *testing.T) {
	sink := channelpkg.NewUnboundedChannel()
	h := NewMessagePublishingErrorHandler(staticSource{ch: sink}, nil)

	var routedKind string
	h.OnRouted = func(kind string, _ *message.Message) { routedKind = kind }

	original := message.NewMessage("orig-1", []byte("payload"))
	original.Metadata.Set("tenant", "acme")
	h.HandleError(&errspkg.DeliveryError{
		Message:  original,
		Channel:  "orders",
		Endpoint: "billing",
		Err:      errors.New("boom"),
	})

	got := sink.Receive(channelpkg.NoWait)
	require.NotNil(t, got)
	assert.NotEqual(t, "orig-1", got.UUID)
	assert.Equal(t, []byte("payload"), []byte(got.Payload))
	assert.Equal(t, "acme", got.Metadata.Get("tenant"))
	assert.Equal(t, FailureKindDelivery, got.Metadata.Get(metadatapkg.KeyFailureKind))
	assert.Equal(t, "orders", got.Metadata.Get(metadatapkg.KeyOriginChannel))
	assert.Equal(t, "billing", got.Metadata.Get(metadatapkg.KeyEndpoint))
	assert.Equal(t, "orig-1", got.Metadata.Get(metadatapkg.KeyOriginalUUID))
	assert.Contains(t, got.Metadata.Get(metadatapkg.KeyError), "boom")
	assert.NotEmpty(t, got.Metadata.Get(metadatapkg.KeyFailedAt))
	assert.Equal(t, FailureKindDelivery, routedKind)
}

func TestMessagePublishingErrorHandlerRejected(t *testing.T) {
	sink := channelpkg.NewUnboundedChannel()
	h := NewMessagePublishingErrorHandler(staticSource{ch: sink}, nil)

	h.HandleError(&errspkg.RejectedError{
		Message:  message.NewMessage("orig-2", []byte("x")),
		Channel:  "orders",
		Attempts: 5,
	})

	got := sink.Receive(channelpkg.NoWait)
	require.NotNil(t, got)
	assert.Equal(t, FailureKindRejected, got.Metadata.Get(metadatapkg.KeyFailureKind))
	assert.Equal(t, "5", got.Metadata.Get(metadatapkg.KeyAttempts))
}

func TestMessagePublishingErrorHandlerPlainError(t *testing.T) {
	sink := channelpkg.NewUnboundedChannel()
	h := NewMessagePublishingErrorHandler(staticSource{ch: sink}, nil)

	h.HandleError(errors.New("task failed"))
	h.HandleError(nil)

	got := sink.Receive(channelpkg.NoWait)
	require.NotNil(t, got)
	assert.Equal(t, "task failed", string(got.Payload))
	assert.Equal(t, FailureKindTask, got.Metadata.Get(metadatapkg.KeyFailureKind))
	assert.Nil(t, sink.Receive(channelpkg.NoWait))
}

func TestMessagePublishingErrorHandlerFullOrMissingSink(t *testing.T) {
	full := channelpkg.NewChannel(1)
	require.True(t, full.Send(message.NewMessage("occupant", nil), channelpkg.NoWait))

	h := NewMessagePublishingErrorHandler(staticSource{ch: full}, nil)
	h.SetSendTimeout(5 * time.Millisecond)
	routed := false
	h.OnRouted = func(string, *message.Message) { routed = true }
	h.HandleError(errors.New("dropped"))
	assert.False(t, routed)
	assert.Equal(t, 1, full.Len())

	NewMessagePublishingErrorHandler(staticSource{}, nil).HandleError(errors.New("no sink"))
}

func TestErrorHandlerFunc(t *testing.T) {
	var got error
	ErrorHandlerFunc(func(err error) { got = err }).HandleError(errors.New("x"))
	assert.EqualError(t, got, "x")
}
