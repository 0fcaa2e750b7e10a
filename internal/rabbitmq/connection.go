package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/go-multierror"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitkit/config"
	"github.com/glimte/rabbitkit/internal/broker"
	"github.com/glimte/rabbitkit/logging"
)

// DefaultReconnectDelay is the fixed delay between reconnect attempts.
const DefaultReconnectDelay = 5 * time.Second

// State is the lifecycle state of a ConnectionManager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ConnectionListener receives connection state change notifications.
// Listeners are called synchronously, in registration order.
type ConnectionListener interface {
	// OnConnected is called once per successful connect with the fresh
	// channel. ctx is cancelled when the manager is disposed.
	OnConnected(ctx context.Context, ch broker.Channel)
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// OnConnectedFunc adapts a function to a ConnectionListener that only
// observes connects.
type OnConnectedFunc func(ctx context.Context, ch broker.Channel)

func (f OnConnectedFunc) OnConnected(ctx context.Context, ch broker.Channel) { f(ctx, ch) }
func (OnConnectedFunc) OnDisconnected(error)                                  {}
func (OnConnectedFunc) OnReconnecting(int)                                    {}

type stopper interface {
	Stop() bool
}

func defaultAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

// ConnectionManager owns one broker connection and one channel on it. It
// reconnects after broker-side closes and blocked notifications, with at most
// one reconnect pending at a time, until Dispose is called.
type ConnectionManager struct {
	dialer    broker.Dialer
	config    config.Provider
	logger    logging.Logger
	backoff   backoff.BackOff
	afterFunc func(time.Duration, func()) stopper

	ctx    context.Context
	cancel context.CancelFunc

	// connectMu serializes connect attempts, including listener callbacks.
	connectMu sync.Mutex

	mu         sync.Mutex
	state      State
	conn       broker.Connection
	ch         broker.Channel
	prefetch   int
	generation uint64
	attempt    int
	timer      stopper
	terminated bool

	listenersMu sync.RWMutex
	listeners   []ConnectionListener
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger logging.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithReconnectDelay sets a fixed reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = backoff.NewConstantBackOff(delay)
	}
}

// WithReconnectPolicy replaces the reconnect delay policy. When the policy
// returns backoff.Stop the manager stops scheduling reconnects.
func WithReconnectPolicy(policy backoff.BackOff) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = policy
	}
}

// NewConnectionManager creates a connection manager. It does not connect;
// call Connect for the first attempt.
func NewConnectionManager(dialer broker.Dialer, cfg config.Provider, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		dialer:    dialer,
		config:    cfg,
		logger:    logging.Default(),
		backoff:   backoff.NewConstantBackOff(DefaultReconnectDelay),
		afterFunc: defaultAfterFunc,
	}

	for _, opt := range options {
		opt(cm)
	}

	cm.ctx, cm.cancel = context.WithCancel(context.Background())
	return cm
}

// AddListener registers a connection state listener.
func (cm *ConnectionManager) AddListener(listener ConnectionListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.listeners = append(cm.listeners, listener)
}

// RemoveListener removes a connection state listener.
func (cm *ConnectionManager) RemoveListener(listener ConnectionListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.listeners {
		if l == listener {
			cm.listeners = append(cm.listeners[:i], cm.listeners[i+1:]...)
			break
		}
	}
}

// Connect replaces any existing connection with a new one. Failures are
// logged and schedule a reconnect; they are never returned. ctx bounds the
// dial only.
func (cm *ConnectionManager) Connect(ctx context.Context) {
	cm.connectMu.Lock()
	defer cm.connectMu.Unlock()

	cm.mu.Lock()
	if cm.terminated {
		cm.mu.Unlock()
		return
	}
	cm.state = StateConnecting
	oldCh, oldConn := cm.ch, cm.conn
	cm.ch, cm.conn = nil, nil
	cm.generation++
	gen := cm.generation
	attempt := cm.attempt
	cm.mu.Unlock()

	cm.cleanUp(oldCh, oldConn, gen-1)

	cfg := cm.config.GetConfig()
	cm.logger.Log("connecting to RabbitMQ",
		"url", cfg.Redacted(),
		"attempt", attempt,
	)

	conn, ch, err := cm.open(ctx, cfg, gen)
	if err != nil {
		cm.logger.Error("failed to connect to RabbitMQ",
			"error", err,
			"url", cfg.Redacted(),
			"attempt", attempt,
		)
		cm.mu.Lock()
		if cm.generation == gen && !cm.terminated {
			cm.state = StateDisconnected
		}
		cm.mu.Unlock()
		cm.notifyDisconnected(err)
		cm.reconnect()
		return
	}

	cm.mu.Lock()
	if cm.terminated || cm.generation != gen {
		cm.mu.Unlock()
		cm.cleanUp(ch, conn, gen)
		return
	}
	cm.conn, cm.ch = conn, ch
	cm.prefetch = cfg.Prefetch
	cm.state = StateConnected
	cm.backoff.Reset()
	cm.mu.Unlock()

	hostname, _ := os.Hostname()
	cm.logger.Log("connected to RabbitMQ",
		"host", cfg.Host,
		"port", cfg.Port,
		"vhost", cfg.VHost,
		"user", cfg.User,
		"pid", os.Getpid(),
		"hostname", hostname,
		"attempt", attempt,
	)

	cm.notifyConnected(ch)
}

func (cm *ConnectionManager) open(ctx context.Context, cfg config.Config, gen uint64) (broker.Connection, broker.Channel, error) {
	conn, err := cm.dialer.Dial(ctx, broker.Params{
		Host:           cfg.Host,
		Port:           cfg.Port,
		User:           cfg.User,
		Password:       cfg.Password,
		VHost:          cfg.VHost,
		Heartbeat:      cfg.Heartbeat,
		ConnectionName: cfg.ConnectionName,
		DialTimeout:    cfg.DialTimeout,
	})
	if err != nil {
		return nil, nil, &ConnectionError{
			Op:        "dial",
			URL:       cfg.Redacted(),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  cm.Attempt(),
		}
	}

	closes := conn.NotifyClose(make(chan *amqp.Error, 1))
	blocks := conn.NotifyBlocked(make(chan amqp.Blocking, 1))
	go cm.watchConnection(gen, closes, blocks)

	ch, err := cm.openChannel(conn, cfg.Prefetch, gen)
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil && !errors.Is(closeErr, amqp.ErrClosed) {
			cm.logger.Error("failed to close connection", "error", closeErr)
		}
		return nil, nil, &ConnectionError{
			Op:        "open channel",
			URL:       cfg.Redacted(),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  cm.Attempt(),
		}
	}
	return conn, ch, nil
}

func (cm *ConnectionManager) openChannel(conn broker.Connection, prefetch int, gen uint64) (broker.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Generation: gen, Err: err, Timestamp: time.Now()}
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, &ChannelError{Op: "confirm", Generation: gen, Err: err, Timestamp: time.Now()}
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, &ChannelError{Op: "qos", Generation: gen, Err: err, Timestamp: time.Now()}
	}

	closes := ch.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watchChannel(gen, closes)
	return ch, nil
}

// watchConnection reacts to close and blocked notifications of the
// connection opened in generation gen.
func (cm *ConnectionManager) watchConnection(gen uint64, closes <-chan *amqp.Error, blocks <-chan amqp.Blocking) {
	for {
		select {
		case err, ok := <-closes:
			if !cm.isCurrent(gen) {
				return
			}
			if !ok || err == nil {
				cm.logger.Log("connection closed")
				return
			}
			cm.logger.Error("connection closed by broker", "error", err)
			cm.markDisconnected(gen, err)
			cm.reconnect()
			return

		case b, ok := <-blocks:
			if !ok {
				blocks = nil
				continue
			}
			if !cm.isCurrent(gen) {
				return
			}
			if !b.Active {
				cm.logger.Log("connection unblocked")
				continue
			}
			cm.logger.Error("connection blocked", "reason", b.Reason)
			cm.reconnect()
		}
	}
}

// watchChannel logs server-side channel closes. A closed channel alone does
// not trigger a reconnect.
func (cm *ConnectionManager) watchChannel(gen uint64, closes <-chan *amqp.Error) {
	err, ok := <-closes
	if !ok || err == nil || !cm.isCurrent(gen) {
		return
	}
	cm.logger.Error("channel closed by broker",
		"error", &ChannelError{Op: "close", Generation: gen, Err: err, Timestamp: time.Now()},
	)
}

func (cm *ConnectionManager) isCurrent(gen uint64) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.generation == gen && !cm.terminated
}

func (cm *ConnectionManager) markDisconnected(gen uint64, err error) {
	cm.mu.Lock()
	if cm.generation != gen || cm.terminated {
		cm.mu.Unlock()
		return
	}
	cm.state = StateDisconnected
	cm.mu.Unlock()
	cm.notifyDisconnected(err)
}

// reconnect schedules a connect after the policy's next delay unless one is
// already pending.
func (cm *ConnectionManager) reconnect() {
	cm.mu.Lock()
	if cm.terminated || cm.timer != nil {
		cm.mu.Unlock()
		return
	}
	delay := cm.backoff.NextBackOff()
	if delay == backoff.Stop {
		attempt := cm.attempt
		cm.mu.Unlock()
		cm.logger.Error("not reconnecting",
			"error", ErrReconnectStopped,
			"attempt", attempt,
		)
		return
	}
	cm.state = StateReconnecting
	next := cm.attempt + 1
	cm.timer = cm.afterFunc(delay, cm.fireReconnect)
	cm.mu.Unlock()

	cm.logger.Log("reconnect scheduled",
		"attempt", next,
		"delay", delay,
	)
	cm.notifyReconnecting(next)
}

func (cm *ConnectionManager) fireReconnect() {
	cm.mu.Lock()
	cm.timer = nil
	if cm.terminated {
		cm.mu.Unlock()
		return
	}
	cm.attempt++
	cm.mu.Unlock()

	cm.Connect(cm.ctx)
}

// ReopenChannel replaces the current channel when it has been closed by the
// broker while the connection stayed open. It returns the live channel.
func (cm *ConnectionManager) ReopenChannel(ctx context.Context) (broker.Channel, error) {
	cm.mu.Lock()
	if cm.terminated {
		cm.mu.Unlock()
		return nil, ErrTerminated
	}
	if cm.state != StateConnected || cm.conn == nil {
		cm.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn, old, gen, prefetch := cm.conn, cm.ch, cm.generation, cm.prefetch
	cm.mu.Unlock()

	if old != nil && !old.IsClosed() {
		return old, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch, err := cm.openChannel(conn, prefetch, gen)
	if err != nil {
		return nil, err
	}

	cm.mu.Lock()
	if cm.terminated || cm.generation != gen {
		cm.mu.Unlock()
		ch.Close()
		return nil, ErrNotConnected
	}
	cm.ch = ch
	cm.mu.Unlock()

	cm.logger.Log("channel reopened")
	return ch, nil
}

// Channel returns the current channel. It is only valid while connected.
func (cm *ConnectionManager) Channel() (broker.Channel, error) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.terminated {
		return nil, ErrTerminated
	}
	if cm.state != StateConnected || cm.ch == nil {
		return nil, ErrNotConnected
	}
	if cm.ch.IsClosed() {
		return nil, ErrChannelClosed
	}
	return cm.ch, nil
}

// State returns the lifecycle state.
func (cm *ConnectionManager) State() State {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.state
}

// Attempt returns the number of reconnect attempts started so far.
func (cm *ConnectionManager) Attempt() int {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.attempt
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	return cm.State() == StateConnected
}

// ReconnectPending reports whether a reconnect is scheduled.
func (cm *ConnectionManager) ReconnectPending() bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.timer != nil
}

// Dispose terminates the manager: the pending reconnect is cancelled and the
// channel and connection are closed. Nothing reconnects afterwards. Dispose
// is idempotent.
func (cm *ConnectionManager) Dispose() {
	cm.mu.Lock()
	if cm.terminated {
		cm.mu.Unlock()
		return
	}
	cm.terminated = true
	cm.state = StateTerminated
	if cm.timer != nil {
		cm.timer.Stop()
		cm.timer = nil
	}
	ch, conn := cm.ch, cm.conn
	cm.ch, cm.conn = nil, nil
	gen := cm.generation
	cm.generation++
	cm.mu.Unlock()

	cm.cancel()
	cm.logger.Log("connection manager shutting down")
	cm.cleanUp(ch, conn, gen)
	cm.logger.Log("connection manager terminated")
}

// cleanUp closes a detached channel and connection. Errors are logged.
func (cm *ConnectionManager) cleanUp(ch broker.Channel, conn broker.Connection, gen uint64) {
	var result *multierror.Error

	if ch != nil {
		cm.logger.Log("closing channel")
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			result = multierror.Append(result, &ChannelError{Op: "close", Generation: gen, Err: err, Timestamp: time.Now()})
		}
	}
	if conn != nil {
		cm.logger.Log("closing connection")
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			result = multierror.Append(result, &ConnectionError{Op: "close", Err: err, Timestamp: time.Now()})
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		cm.logger.Error("failed to clean up connection", "error", err)
	}
}

func (cm *ConnectionManager) snapshotListeners() []ConnectionListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionListener(nil), cm.listeners...)
}

// notifyConnected notifies all listeners of successful connection
func (cm *ConnectionManager) notifyConnected(ch broker.Channel) {
	for _, listener := range cm.snapshotListeners() {
		listener.OnConnected(cm.ctx, ch)
	}
}

// notifyDisconnected notifies all listeners of disconnection
func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.snapshotListeners() {
		listener.OnDisconnected(err)
	}
}

// notifyReconnecting notifies all listeners of reconnection attempt
func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.snapshotListeners() {
		listener.OnReconnecting(attempt)
	}
}
