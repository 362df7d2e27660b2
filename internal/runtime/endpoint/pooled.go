package endpoint

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	dispatcherpkg "github.com/drblury/flowbus/internal/runtime/dispatcher"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
	schedulerpkg "github.com/drblury/flowbus/internal/runtime/scheduler"
)

// PooledHandler runs a handler on a bounded set of workers. Handle returns as
// soon as a worker owns the message and blocks only while MaxConcurrency
// workers are busy. Failures are reported asynchronously to the error handler.
type PooledHandler struct {
	name       string
	target     dispatcherpkg.Handler
	policy     ConcurrencyPolicy
	errHandler schedulerpkg.ErrorHandler

	jobs  chan *message.Message
	freed chan struct{}

	mu      sync.Mutex
	workers int
	closed  bool
	quit    chan struct{}
	wg      sync.WaitGroup

	active atomic.Int32
	peak   atomic.Int32
}

// NewPooledHandler wraps target under policy.
func NewPooledHandler(name string, target dispatcherpkg.Handler, policy ConcurrencyPolicy, errHandler schedulerpkg.ErrorHandler) (*PooledHandler, error) {
	if target == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if errHandler == nil {
		errHandler = schedulerpkg.ErrorHandlerFunc(func(error) {})
	}
	return &PooledHandler{
		name:       name,
		target:     target,
		policy:     policy.withDefaults(),
		errHandler: errHandler,
		jobs:       make(chan *message.Message),
		freed:      make(chan struct{}, 1),
		quit:       make(chan struct{}),
	}, nil
}

func (p *PooledHandler) Handle(msg *message.Message) error {
	if msg == nil {
		return errspkg.ErrNilMessage
	}
	for {
		select {
		case p.jobs <- msg:
			return nil
		default:
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.run(msg)
			return nil
		}
		if p.workers < p.policy.MaxConcurrency {
			p.workers++
			p.wg.Add(1)
			quit := p.quit
			p.mu.Unlock()
			go p.worker(msg, quit)
			return nil
		}
		p.mu.Unlock()

		select {
		case p.jobs <- msg:
			return nil
		case <-p.freed:
		}
	}
}

// Close stops the workers once their current message is done and waits for
// them. Messages handed over after Close run on the caller's goroutine until
// Open is called.
func (p *PooledHandler) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.quit)
	p.mu.Unlock()
	p.wg.Wait()
}

// Open makes a closed pool spawn workers again.
func (p *PooledHandler) Open() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		return
	}
	p.closed = false
	p.quit = make(chan struct{})
}

// Workers returns the number of live workers.
func (p *PooledHandler) Workers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers
}

// Active returns the number of invocations currently running.
func (p *PooledHandler) Active() int { return int(p.active.Load()) }

// PeakActive returns the highest number of simultaneous invocations seen.
func (p *PooledHandler) PeakActive() int { return int(p.peak.Load()) }

// Policy returns the effective concurrency policy.
func (p *PooledHandler) Policy() ConcurrencyPolicy { return p.policy }

func (p *PooledHandler) worker(msg *message.Message, quit <-chan struct{}) {
	defer p.wg.Done()
	for {
		p.run(msg)
		next, ok := p.await(quit)
		if !ok {
			return
		}
		msg = next
	}
}

func (p *PooledHandler) await(quit <-chan struct{}) (*message.Message, bool) {
	for {
		var idle <-chan time.Time
		var timer *time.Timer
		if p.aboveCore() {
			timer = time.NewTimer(p.policy.KeepAlive)
			idle = timer.C
		}

		select {
		case msg := <-p.jobs:
			stopTimer(timer)
			return msg, true
		case <-quit:
			stopTimer(timer)
			p.retire(true)
			return nil, false
		case <-idle:
			if p.retire(false) {
				return nil, false
			}
		}
	}
}

func (p *PooledHandler) aboveCore() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.workers > p.policy.CoreConcurrency
}

// retire removes the calling worker. Unless forced it only does so while the
// pool is above its core size.
func (p *PooledHandler) retire(force bool) bool {
	p.mu.Lock()
	if !force && p.workers <= p.policy.CoreConcurrency {
		p.mu.Unlock()
		return false
	}
	p.workers--
	p.mu.Unlock()

	select {
	case p.freed <- struct{}{}:
	default:
	}
	return true
}

func (p *PooledHandler) run(msg *message.Message) {
	n := p.active.Add(1)
	for {
		peak := p.peak.Load()
		if n <= peak || p.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	defer p.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.report(msg, fmt.Errorf("handler panicked: %v", r))
		}
	}()

	err := p.target.Handle(msg)
	switch {
	case err == nil:
	case errors.Is(err, errspkg.ErrMessageRejected):
		p.errHandler.HandleError(&errspkg.RejectedError{
			Message:  msg,
			Channel:  msg.Metadata.Get(metadatapkg.KeyChannel),
			Attempts: 1,
			Err:      err,
		})
	default:
		p.report(msg, err)
	}
}

func (p *PooledHandler) report(msg *message.Message, err error) {
	p.errHandler.HandleError(&errspkg.DeliveryError{
		Message:  msg,
		Channel:  msg.Metadata.Get(metadatapkg.KeyChannel),
		Endpoint: p.name,
		Err:      err,
	})
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}
