package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	errspkg "github.com/drblury/flowbus/internal/runtime/errors"
	metadatapkg "github.com/drblury/flowbus/internal/runtime/metadata"
	schedulerpkg "github.com/drblury/flowbus/internal/runtime/scheduler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	sched   *schedulerpkg.TaskScheduler
	invalid *channelpkg.Channel
	ch      *channelpkg.Channel
}

func (f fixture) InvalidMessageChannel() channelpkg.MessageChannel { return f.invalid }

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		invalid: channelpkg.NewNamedChannel(channelpkg.InvalidMessageChannelName, 0),
		ch:      channelpkg.NewNamedChannel("input", 0),
	}
	f.sched = schedulerpkg.New(4, schedulerpkg.NewMessagePublishingErrorHandler(f, nil), nil)
	f.sched.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, f.sched.Stop(ctx))
	})
	return f
}

func fastPolicy() Policy {
	return Policy{
		ReceiveTimeout: 10 * time.Millisecond,
		RejectionLimit: 3,
		RetryInterval:  5 * time.Millisecond,
	}
}

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) Handle(msg *message.Message) error {
	r.mu.Lock()
	r.seen = append(r.seen, msg.UUID)
	r.mu.Unlock()
	return nil
}

func (r *recorder) Seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func send(t *testing.T, ch channelpkg.MessageChannel, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.True(t, ch.Send(message.NewMessage(id, []byte(id)), channelpkg.NoWait))
	}
}

func TestPolicyWithDefaults(t *testing.T) {
	p := PolicyWithDefaults(Policy{})
	assert.Equal(t, DefaultMaxMessagesPerTask, p.MaxMessagesPerTask)
	assert.Equal(t, DefaultReceiveTimeout, p.ReceiveTimeout)
	assert.Equal(t, DefaultRejectionLimit, p.RejectionLimit)
	assert.Equal(t, DefaultRetryInterval, p.RetryInterval)
	assert.False(t, p.PointToPoint)

	custom := PolicyWithDefaults(Policy{MaxMessagesPerTask: 7, RetryInterval: time.Millisecond})
	assert.Equal(t, 7, custom.MaxMessagesPerTask)
	assert.Equal(t, time.Millisecond, custom.RetryInterval)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, schedulerpkg.New(1, nil, nil), nil)
	assert.ErrorIs(t, err, errspkg.ErrChannelRequired)
	_, err = New(channelpkg.NewUnboundedChannel(), nil, nil)
	assert.Error(t, err)
}

func TestFIFODeliveryToSingleHandler(t *testing.T) {
	f := newFixture(t)
	d, err := New(f.ch, f.sched, nil, WithPolicy(Policy{MaxMessagesPerTask: 5, ReceiveTimeout: 10 * time.Millisecond}))
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, d.AddHandler("rec", rec, nil))

	want := make([]string, 100)
	for i := range want {
		want[i] = strconv.Itoa(i)
	}
	send(t, f.ch, want...)

	require.NoError(t, d.Start())
	defer d.Stop()

	assert.Eventually(t, func() bool { return len(rec.Seen()) == len(want) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rec.Seen())
}

func TestFanOutDeliversToEveryHandler(t *testing.T) {
	f := newFixture(t)
	d, err := New(f.ch, f.sched, nil, WithPolicy(fastPolicy()))
	require.NoError(t, err)

	a, b := &recorder{}, &recorder{}
	require.NoError(t, d.AddHandler("a", a, nil))
	require.NoError(t, d.AddHandler("b", b, nil))
	assert.Equal(t, []string{"a", "b"}, d.HandlerNames())

	require.NoError(t, d.Start())
	defer d.Stop()
	send(t, f.ch, "1", "2", "3")

	assert.Eventually(t, func() bool { return len(a.Seen()) == 3 && len(b.Seen()) == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, a.Seen())
	assert.Equal(t, []string{"1", "2", "3"}, b.Seen())
}

func TestPointToPointRoundRobin(t *testing.T) {
	f := newFixture(t)
	p := fastPolicy()
	p.PointToPoint = true
	d, err := New(f.ch, f.sched, nil, WithPolicy(p))
	require.NoError(t, err)

	a, b := &recorder{}, &recorder{}
	require.NoError(t, d.AddHandler("a", a, nil))
	require.NoError(t, d.AddHandler("b", b, nil))
	require.NoError(t, d.Start())
	defer d.Stop()

	send(t, f.ch, "1", "2", "3", "4")
	assert.Eventually(t, func() bool { return len(a.Seen())+len(b.Seen()) == 4 }, time.Second, 5*time.Millisecond)
	assert.Len(t, a.Seen(), 2)
	assert.Len(t, b.Seen(), 2)
}

func TestRejectedMessageRoutedToInvalidChannel(t *testing.T) {
	f := newFixture(t)
	d, err := New(f.ch, f.sched, nil, WithPolicy(fastPolicy()))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	send(t, f.ch, "orphan")

	errMsg := f.invalid.Receive(time.Second)
	require.NotNil(t, errMsg)
	assert.Equal(t, "orphan", errMsg.Metadata.Get(metadatapkg.KeyOriginalUUID))
	assert.Equal(t, schedulerpkg.FailureKindRejected, errMsg.Metadata.Get(metadatapkg.KeyFailureKind))
	assert.Equal(t, "3", errMsg.Metadata.Get(metadatapkg.KeyAttempts))
	assert.Equal(t, "input", errMsg.Metadata.Get(metadatapkg.KeyOriginChannel))
}

func TestHandlerRejectionIsRetried(t *testing.T) {
	f := newFixture(t)
	d, err := New(f.ch, f.sched, nil, WithPolicy(fastPolicy()))
	require.NoError(t, err)

	var calls atomic.Int32
	require.NoError(t, d.AddHandler("picky", HandlerFunc(func(msg *message.Message) error {
		if calls.Add(1) < 3 {
			return errspkg.ErrMessageRejected
		}
		return nil
	}), nil))
	require.NoError(t, d.Start())
	defer d.Stop()

	send(t, f.ch, "m")
	assert.Eventually(t, func() bool { return calls.Load() == 3 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, f.invalid.Len())
}

func TestErrorIsolation(t *testing.T) {
	f := newFixture(t)
	d, err := New(f.ch, f.sched, nil, WithPolicy(fastPolicy()))
	require.NoError(t, err)

	good := &recorder{}
	require.NoError(t, d.AddHandler("failing", HandlerFunc(func(msg *message.Message) error {
		return errors.New("always fails")
	}), nil))
	require.NoError(t, d.AddHandler("panicking", HandlerFunc(func(msg *message.Message) error {
		panic("boom")
	}), nil))
	require.NoError(t, d.AddHandler("good", good, nil))
	require.NoError(t, d.Start())
	defer d.Stop()

	send(t, f.ch, "1", "2", "3")

	assert.Eventually(t, func() bool { return len(good.Seen()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return f.invalid.Len() == 6 }, time.Second, 5*time.Millisecond)

	kinds := map[string]int{}
	for f.invalid.Len() > 0 {
		msg := f.invalid.Receive(channelpkg.NoWait)
		assert.Equal(t, schedulerpkg.FailureKindDelivery, msg.Metadata.Get(metadatapkg.KeyFailureKind))
		kinds[msg.Metadata.Get(metadatapkg.KeyEndpoint)]++
	}
	assert.Equal(t, map[string]int{"failing": 3, "panicking": 3}, kinds)
}

func TestScheduleGatesDelivery(t *testing.T) {
	f := newFixture(t)
	p := fastPolicy()
	p.RejectionLimit = 100
	d, err := New(f.ch, f.sched, nil, WithPolicy(p))
	require.NoError(t, err)

	var mu sync.Mutex
	var stamps []time.Time
	require.NoError(t, d.AddHandler("slow", HandlerFunc(func(msg *message.Message) error {
		mu.Lock()
		stamps = append(stamps, time.Now())
		mu.Unlock()
		return nil
	}), schedulerpkg.PollingSchedule{Period: 60 * time.Millisecond}))
	require.NoError(t, d.Start())
	defer d.Stop()

	send(t, f.ch, "1", "2")
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stamps) == 2
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, stamps[1].Sub(stamps[0]), 60*time.Millisecond)
}

func TestErrorSinkHoldsMessagesWithoutSubscribers(t *testing.T) {
	f := newFixture(t)
	d, err := New(f.invalid, f.sched, nil, AsErrorSink(), WithPolicy(fastPolicy()))
	require.NoError(t, err)
	require.NoError(t, d.Start())
	defer d.Stop()

	send(t, f.invalid, "err-1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.invalid.Len())

	rec := &recorder{}
	require.NoError(t, d.AddHandler("errors", rec, nil))
	assert.Eventually(t, func() bool { return len(rec.Seen()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestErrorSinkDoesNotRouteToItself(t *testing.T) {
	f := newFixture(t)
	d, err := New(f.invalid, f.sched, nil, AsErrorSink(), WithPolicy(fastPolicy()))
	require.NoError(t, err)
	var calls atomic.Int32
	require.NoError(t, d.AddHandler("broken", HandlerFunc(func(msg *message.Message) error {
		calls.Add(1)
		return errors.New("nope")
	}), nil))
	require.NoError(t, d.Start())
	defer d.Stop()

	send(t, f.invalid, "err-1")
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, f.invalid.Len())
}

func TestSetErrorSinkOnExistingDispatcher(t *testing.T) {
	f := newFixture(t)
	d, err := New(f.invalid, f.sched, nil, WithPolicy(fastPolicy()))
	require.NoError(t, err)
	assert.False(t, d.IsErrorSink())

	d.SetErrorSink(true)
	assert.True(t, d.IsErrorSink())
	require.NoError(t, d.Start())

	send(t, f.invalid, "err-1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.invalid.Len(), "held for a subscriber instead of rejected into itself")

	d.Stop()
	d.SetErrorSink(false)
	assert.False(t, d.IsErrorSink())
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFixture(t)
	d, err := New(f.ch, f.sched, nil, WithPolicy(fastPolicy()))
	require.NoError(t, err)

	rec := &recorder{}
	require.NoError(t, d.AddHandler("rec", rec, nil))
	require.NoError(t, d.Start())
	require.NoError(t, d.Start())
	assert.True(t, d.IsRunning())

	send(t, f.ch, "1", "2", "3", "4", "5")
	assert.Eventually(t, func() bool { return len(rec.Seen()) == 5 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, rec.Seen(), 5)

	d.Stop()
	d.Stop()
	assert.False(t, d.IsRunning())

	time.Sleep(30 * time.Millisecond)
	send(t, f.ch, "6")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, f.ch.Len(), "stopped dispatcher must not consume")
}

func TestRemoveHandler(t *testing.T) {
	f := newFixture(t)
	d, err := New(f.ch, f.sched, nil)
	require.NoError(t, err)
	require.NoError(t, d.AddHandler("a", &recorder{}, nil))
	require.NoError(t, d.AddHandler("b", &recorder{}, nil))
	assert.ErrorIs(t, d.AddHandler("c", nil, nil), errspkg.ErrHandlerRequired)

	assert.True(t, d.RemoveHandler("a"))
	assert.False(t, d.RemoveHandler("a"))
	assert.Equal(t, []string{"b"}, d.HandlerNames())
}

func TestDeliveredMessageCarriesChannelName(t *testing.T) {
	f := newFixture(t)
	d, err := New(f.ch, f.sched, nil, WithPolicy(fastPolicy()))
	require.NoError(t, err)

	got := make(chan string, 1)
	require.NoError(t, d.AddHandler("h", HandlerFunc(func(msg *message.Message) error {
		got <- msg.Metadata.Get(metadatapkg.KeyChannel)
		return nil
	}), nil))
	require.NoError(t, d.Start())
	defer d.Stop()

	send(t, f.ch, "1")
	select {
	case name := <-got:
		assert.Equal(t, "input", name)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}
