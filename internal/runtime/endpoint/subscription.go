package endpoint

import (
	"fmt"
	"time"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	schedulerpkg "github.com/drblury/flowbus/internal/runtime/scheduler"
)

// DefaultKeepAlive is how long a worker above the core count may stay idle.
const DefaultKeepAlive = 60 * time.Second

// Subscription binds an endpoint to a channel, either directly or by a name
// resolved when the endpoint is activated, and carries its delivery schedule.
type Subscription struct {
	Channel     channelpkg.MessageChannel
	ChannelName string
	Schedule    schedulerpkg.Schedule
}

// Validate reports whether the subscription names a channel at all.
func (s Subscription) Validate() error {
	if s.Channel == nil && s.ChannelName == "" {
		return errspkg.ErrSubscriptionChannelRequired
	}
	return nil
}

// Target returns the channel name used in logs and errors.
func (s Subscription) Target() string {
	if s.Channel != nil && s.Channel.Name() != "" {
		return s.Channel.Name()
	}
	return s.ChannelName
}

// ConcurrencyPolicy bounds simultaneous invocations of an endpoint's handler.
type ConcurrencyPolicy struct {
	CoreConcurrency int
	MaxConcurrency  int
	KeepAlive       time.Duration
}

// Validate checks that the bounds are usable.
func (p ConcurrencyPolicy) Validate() error {
	if p.CoreConcurrency < 0 || p.MaxConcurrency < 1 || p.MaxConcurrency < p.CoreConcurrency {
		return fmt.Errorf("%w: core=%d max=%d", errspkg.ErrInvalidConcurrencyPolicy, p.CoreConcurrency, p.MaxConcurrency)
	}
	if p.KeepAlive < 0 {
		return fmt.Errorf("%w: negative keep-alive", errspkg.ErrInvalidConcurrencyPolicy)
	}
	return nil
}

func (p ConcurrencyPolicy) withDefaults() ConcurrencyPolicy {
	if p.KeepAlive == 0 {
		p.KeepAlive = DefaultKeepAlive
	}
	return p
}
