package runtime

import (
	"google.golang.org/protobuf/proto"

	handlerpkg "github.com/drblury/flowbus/internal/runtime/handlers"
)

// NewProtoMessage returns an empty T, for example a *orders.Placed ready to
// decode into. T must be a pointer to a generated message.
func NewProtoMessage[T proto.Message]() (T, error) {
	return handlerpkg.EnsureProtoPrototype(*new(T))
}

// MustProtoMessage is NewProtoMessage for types known to be valid.
func MustProtoMessage[T proto.Message]() T {
	msg, err := NewProtoMessage[T]()
	if err != nil {
		panic(err)
	}
	return msg
}
