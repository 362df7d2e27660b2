package adapter

import (
	"time"

	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
)

const (
	// DefaultSendTimeout bounds how long an adapter waits on a full channel.
	DefaultSendTimeout = 5 * time.Second
	// DefaultNackDelay is the pause after a nack before the next message is taken.
	DefaultNackDelay = 100 * time.Millisecond
	// DefaultPollPeriod is used by PollingSource when no schedule is given.
	DefaultPollPeriod = time.Second
)

type options struct {
	sendTimeout time.Duration
	nackDelay   time.Duration
	logger      loggingpkg.ServiceLogger
}

// Option customises an adapter.
type Option func(*options)

// WithSendTimeout overrides DefaultSendTimeout.
func WithSendTimeout(d time.Duration) Option {
	return func(o *options) { o.sendTimeout = d }
}

// WithNackDelay overrides DefaultNackDelay. Only SubscriberSource nacks.
func WithNackDelay(d time.Duration) Option {
	return func(o *options) { o.nackDelay = d }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger loggingpkg.ServiceLogger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{
		sendTimeout: DefaultSendTimeout,
		nackDelay:   DefaultNackDelay,
		logger:      loggingpkg.NopLogger(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
