package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	channelpkg "github.com/drblury/flowbus/internal/runtime/channel"
	configpkg "github.com/drblury/flowbus/internal/runtime/config"
	idspkg "github.com/drblury/flowbus/internal/runtime/ids"
	loggingpkg "github.com/drblury/flowbus/internal/runtime/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type loggedEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type recordingLogger struct {
	mu     *sync.Mutex
	logs   *[]loggedEntry
	fields loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, logs: &[]loggedEntry{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, logs: l.logs, fields: merged}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Warn(msg string, fields loggingpkg.LogFields) {
	l.record("warn", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	*l.logs = append(*l.logs, loggedEntry{level: level, msg: msg, err: err, fields: merged})
	l.mu.Unlock()
}

func (l *recordingLogger) Messages(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range *l.logs {
		if e.level == level {
			out = append(out, e.msg)
		}
	}
	return out
}

type testValidator struct{ err error }

func (v *testValidator) Validate(_ any) error { return v.err }

type testOutbox struct {
	mu      sync.Mutex
	records []outboxRecord
	err     error
}

type outboxRecord struct {
	eventType string
	uuid      string
	payload   string
}

func (o *testOutbox) StoreOutgoingMessage(ctx context.Context, eventType, uuid, payload string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return o.err
	}
	o.records = append(o.records, outboxRecord{eventType: eventType, uuid: uuid, payload: payload})
	return nil
}

func (o *testOutbox) Records() []outboxRecord {
	o.mu.Lock()
	defer o.mu.Unlock()
	clone := make([]outboxRecord, len(o.records))
	copy(clone, o.records)
	return clone
}

// fastConfig keeps dispatcher timeouts short so tests do not wait on idle polls.
func fastConfig() *configpkg.Config {
	return &configpkg.Config{
		Dispatcher: configpkg.DispatcherPolicy{
			ReceiveTimeout: 20 * time.Millisecond,
			RejectionLimit: 2,
			RetryInterval:  5 * time.Millisecond,
		},
		ShutdownTimeout: 5 * time.Second,
	}
}

func newTestBus(t *testing.T, deps BusDependencies) *Bus {
	t.Helper()
	return newTestBusWithConfig(t, fastConfig(), deps)
}

func newTestBusWithConfig(t *testing.T, conf *configpkg.Config, deps BusDependencies) *Bus {
	t.Helper()
	b, err := NewBus(conf, loggingpkg.NopLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.Stop(context.Background()))
	})
	return b
}

func startBus(t *testing.T, b *Bus) {
	t.Helper()
	require.NoError(t, b.Start(context.Background()))
}

func newTestMessage(payload string) *message.Message {
	return idspkg.NewMessage([]byte(payload))
}

// receiveWithin waits for one message on ch.
func receiveWithin(t *testing.T, ch channelpkg.MessageChannel, timeout time.Duration) *message.Message {
	t.Helper()
	msg := ch.Receive(timeout)
	require.NotNil(t, msg, "no message on %s within %s", ch.Name(), timeout)
	return msg
}

// collector is a thread-safe sink for handler invocations.
type collector struct {
	mu       sync.Mutex
	payloads []string
	notify   chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 1024)}
}

func (c *collector) add(payload string) {
	c.mu.Lock()
	c.payloads = append(c.payloads, payload)
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *collector) Payloads() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.payloads...)
}

func (c *collector) waitFor(t *testing.T, n int, timeout time.Duration) []string {
	t.Helper()
	deadline := time.After(timeout)
	for i := 0; i < n; i++ {
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("expected %d deliveries, got %d", n, len(c.Payloads()))
		}
	}
	return c.Payloads()
}

func (c *collector) handler() message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		c.add(string(msg.Payload))
		return nil, nil
	}
}
