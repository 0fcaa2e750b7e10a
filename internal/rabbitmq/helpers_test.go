package rabbitmq

import (
	"context"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/glimte/rabbitkit/config"
	"github.com/glimte/rabbitkit/internal/broker"
	"github.com/glimte/rabbitkit/internal/broker/brokertest"
	"github.com/glimte/rabbitkit/logging"
)

const waitFor = time.Second

// manualClock replaces time.AfterFunc so tests fire reconnects explicitly.
type manualClock struct {
	mu     sync.Mutex
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	delay   time.Duration
	fn      func()
	stopped bool
	fired   bool
}

func (c *manualClock) AfterFunc(d time.Duration, fn func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, delay: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Scheduled returns the number of timers ever created.
func (c *manualClock) Scheduled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

// Pending returns timers neither fired nor stopped.
func (c *manualClock) Pending() []*manualTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*manualTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t)
		}
	}
	return out
}

// FireNext runs the oldest pending timer synchronously.
func (c *manualClock) FireNext(t *testing.T) {
	t.Helper()
	c.mu.Lock()
	var next *manualTimer
	for _, tm := range c.timers {
		if !tm.stopped && !tm.fired {
			next = tm
			break
		}
	}
	if next != nil {
		next.fired = true
	}
	c.mu.Unlock()
	require.NotNil(t, next, "no pending reconnect")
	next.fn()
}

func newTestManager(t *testing.T, b *brokertest.Broker, options ...ConnectionOption) (*ConnectionManager, *manualClock) {
	t.Helper()
	clock := &manualClock{}
	options = append([]ConnectionOption{WithLogger(logging.Nop{})}, options...)
	cm := NewConnectionManager(b, config.Static(config.Default()), options...)
	cm.afterFunc = clock.AfterFunc
	t.Cleanup(cm.Dispose)
	return cm, clock
}

// waitPending waits for the watcher goroutine to schedule a reconnect.
func waitPending(t *testing.T, clock *manualClock, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(clock.Pending()) == n
	}, waitFor, time.Millisecond)
}

// testInstance is an Instance backed by maps.
type testInstance struct {
	mu           sync.Mutex
	handlers     map[string]Handler
	declarations map[string]any
	exchange     string
}

func newTestInstance() *testInstance {
	return &testInstance{
		handlers:     make(map[string]Handler),
		declarations: make(map[string]any),
		exchange:     "orders",
	}
}

func (i *testInstance) Handler(key string) (Handler, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	h, ok := i.handlers[key]
	return h, ok
}

func (i *testInstance) StoreDeclaration(key string, value any) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.declarations[key] = value
}

func (i *testInstance) Declaration(key string) (any, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	v, ok := i.declarations[key]
	return v, ok
}

func (i *testInstance) handle(key string, h Handler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handlers[key] = h
}

// recordingListener records connection events.
type recordingListener struct {
	mock.Mock
	mu       sync.Mutex
	channels []broker.Channel
	events   []string
}

func (l *recordingListener) OnConnected(ctx context.Context, ch broker.Channel) {
	l.mu.Lock()
	l.channels = append(l.channels, ch)
	l.events = append(l.events, "connected")
	l.mu.Unlock()
	l.Called(ch)
}

func (l *recordingListener) OnDisconnected(err error) {
	l.mu.Lock()
	l.events = append(l.events, "disconnected")
	l.mu.Unlock()
	l.Called(err)
}

func (l *recordingListener) OnReconnecting(attempt int) {
	l.mu.Lock()
	l.events = append(l.events, "reconnecting")
	l.mu.Unlock()
	l.Called(attempt)
}

func (l *recordingListener) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

func (l *recordingListener) Channels() []broker.Channel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]broker.Channel(nil), l.channels...)
}

func newRecordingListener() *recordingListener {
	l := &recordingListener{}
	l.On("OnConnected", mock.Anything).Return()
	l.On("OnDisconnected", mock.Anything).Return()
	l.On("OnReconnecting", mock.Anything).Return()
	return l
}

func preconditionFailed(reason string) *amqp.Error {
	return &amqp.Error{Code: amqp.PreconditionFailed, Reason: reason, Server: true}
}
