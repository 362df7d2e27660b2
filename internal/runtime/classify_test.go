package runtime

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
)

func TestUnprocessableEventError(t *testing.T) {
	cause := errors.New("missing field")
	err := NewUnprocessableEventError([]byte(`{"a":1}`), cause)

	assert.Equal(t, `unprocessable event: {"a":1} error: missing field`, err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestDefaultErrorClassifier(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCategory
	}{
		{nil, ErrorCategoryNone},
		{NewUnprocessableEventError(nil, errors.New("x")), ErrorCategoryValidation},
		{fmt.Errorf("wrapped: %w", NewUnprocessableEventError(nil, errors.New("x"))), ErrorCategoryValidation},
		{fmt.Errorf("%w: *orders.Placed: bad json", errspkg.ErrUndecodablePayload), ErrorCategoryValidation},
		{&errspkg.MessagingError{Channel: "orders", Err: errspkg.ErrSendTimeout}, ErrorCategoryRouting},
		{fmt.Errorf("call: %w", context.DeadlineExceeded), ErrorCategoryDownstream},
		{context.Canceled, ErrorCategoryDownstream},
		{errors.New("other"), ErrorCategoryOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, defaultErrorClassifier(tt.err), "error %v", tt.err)
	}
}

func TestIsUnprocessable(t *testing.T) {
	assert.True(t, isUnprocessable(fmt.Errorf("output: %w", errspkg.ErrUndecodablePayload)))
	assert.False(t, isUnprocessable(errspkg.ErrEmptyOutput))
	assert.False(t, isUnprocessable(nil))
}
