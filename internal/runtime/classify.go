package runtime

import (
	"context"
	"errors"

	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
)

// UnprocessableEventError marks a payload that will fail again on every
// redelivery, such as one that does not pass validation.
type UnprocessableEventError struct {
	payload string
	err     error
}

// NewUnprocessableEventError wraps err together with the offending payload.
func NewUnprocessableEventError(payload []byte, err error) *UnprocessableEventError {
	return &UnprocessableEventError{payload: string(payload), err: err}
}

func (e *UnprocessableEventError) Error() string {
	return "unprocessable event: " + e.payload + " error: " + e.err.Error()
}

func (e *UnprocessableEventError) Unwrap() error { return e.err }

// ErrorCategory buckets endpoint failures in the stats exposed by the web API.
type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryRouting    ErrorCategory = "routing"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier maps a handler error to its category. It is supplied through
// BusDependencies.ErrorClassifier.
type ErrorClassifier func(error) ErrorCategory

func defaultErrorClassifier(err error) ErrorCategory {
	var routing *errspkg.MessagingError
	switch {
	case err == nil:
		return ErrorCategoryNone
	case isUnprocessable(err):
		return ErrorCategoryValidation
	case errors.As(err, &routing):
		return ErrorCategoryRouting
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ErrorCategoryDownstream
	default:
		return ErrorCategoryOther
	}
}

// isUnprocessable reports errors that will fail again for the same payload.
func isUnprocessable(err error) bool {
	var unprocessable *UnprocessableEventError
	return errors.As(err, &unprocessable) || errors.Is(err, errspkg.ErrUndecodablePayload)
}
