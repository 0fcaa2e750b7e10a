// Copyright 2024 Rabbitkit Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rabbitkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitkit/config"
	"github.com/glimte/rabbitkit/health"
	"github.com/glimte/rabbitkit/internal/broker"
	"github.com/glimte/rabbitkit/internal/rabbitmq"
	"github.com/glimte/rabbitkit/logging"
	"github.com/glimte/rabbitkit/metrics"
)

// Client provides the main entry point for rabbitkit. It keeps one
// connection open and re-applies the topology registered for its kind on
// every connect.
type Client struct {
	kind       *Kind
	manager    *rabbitmq.ConnectionManager
	consumer   *rabbitmq.Consumer
	reconciler *rabbitmq.Reconciler
	logger     logging.Logger
	handlers   map[string]Handler

	mu           sync.RWMutex
	declarations map[string]any
	lastReport   Report
	reported     bool
}

var _ Instance = (*Client)(nil)

// New creates a client for kind and performs the first connect before
// returning. A failed first connect is not an error: the client keeps
// retrying in the background.
func New(ctx context.Context, cfg config.Provider, logger logging.Logger, kind *Kind, registry *Registry, options ...ClientOption) (*Client, error) {
	if kind == nil || registry == nil {
		return nil, fmt.Errorf("%w: kind and registry are required", ErrInvalidTopology)
	}
	if cfg == nil {
		return nil, fmt.Errorf("%w: configuration provider is required", config.ErrInvalidConfiguration)
	}
	if err := cfg.GetConfig().Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if logger == nil {
		logger = logging.Default()
	}

	opts := &clientConfig{
		dialer:   broker.NewAMQPDialer(),
		handlers: make(map[string]Handler),
	}
	for _, opt := range options {
		opt(opts)
	}

	c := &Client{
		kind:         kind,
		logger:       logger,
		handlers:     make(map[string]Handler, len(opts.handlers)),
		declarations: make(map[string]any),
	}
	for key, h := range opts.handlers {
		if opts.metrics != nil {
			h = opts.metrics.WrapHandler(key, h)
		}
		c.handlers[key] = h
	}

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}
	if opts.reconnectPolicy != nil {
		connOpts = append(connOpts, rabbitmq.WithReconnectPolicy(opts.reconnectPolicy))
	} else if opts.reconnectDelay > 0 {
		connOpts = append(connOpts, rabbitmq.WithReconnectDelay(opts.reconnectDelay))
	}
	c.manager = rabbitmq.NewConnectionManager(opts.dialer, cfg, connOpts...)

	consumerOpts := append([]rabbitmq.ConsumerOption{rabbitmq.WithConsumerLogger(logger)}, opts.consumerOptions...)
	c.consumer = rabbitmq.NewConsumer(consumerOpts...)

	var topology *health.TopologyChecker
	if opts.health != nil {
		minimum := 0
		if len(c.handlers) > 0 {
			minimum = 1
		}
		topology = opts.health.RegisterClient(c.manager, c.consumer, minimum)
	}

	c.reconciler = rabbitmq.NewReconciler(registry, kind, c, c.consumer,
		rabbitmq.WithChannelSource(c.manager),
		rabbitmq.WithReconcilerLogger(logger),
		rabbitmq.WithReportHook(func(report Report) {
			c.mu.Lock()
			c.lastReport = report
			c.reported = true
			c.mu.Unlock()

			if opts.metrics != nil {
				opts.metrics.ObserveReport(report)
			}
			if topology != nil {
				topology.Observe(report)
			}
		}),
	)

	// The reconciler runs before any post-connect hook so hooks see the
	// declared topology.
	c.manager.AddListener(c.reconciler)
	if opts.metrics != nil {
		c.manager.AddListener(opts.metrics)
	}
	for _, hook := range opts.onConnected {
		c.manager.AddListener(rabbitmq.OnConnectedFunc(hook))
	}
	for _, l := range opts.listeners {
		c.manager.AddListener(l)
	}

	c.manager.Connect(ctx)
	return c, nil
}

// Handler implements Instance.
func (c *Client) Handler(key string) (Handler, bool) {
	h, ok := c.handlers[key]
	return h, ok
}

// StoreDeclaration implements Instance.
func (c *Client) StoreDeclaration(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.declarations[key] = value
}

// Declaration returns the value stored for key by the latest
// reconciliation.
func (c *Client) Declaration(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.declarations[key]
	return v, ok
}

// Exchange returns the exchange declared under key.
func (c *Client) Exchange(key string) (DeclaredExchange, bool) {
	v, ok := c.Declaration(key)
	if !ok {
		return DeclaredExchange{}, false
	}
	ex, ok := v.(DeclaredExchange)
	return ex, ok
}

// Queue returns the queue declared under key, including a broker generated
// name.
func (c *Client) Queue(key string) (amqp.Queue, bool) {
	v, ok := c.Declaration(key)
	if !ok {
		return amqp.Queue{}, false
	}
	q, ok := v.(amqp.Queue)
	return q, ok
}

// Channel returns the live channel for publishing and manual acks.
func (c *Client) Channel() (Channel, error) {
	return c.manager.Channel()
}

// Kind returns the kind the client was created for.
func (c *Client) Kind() *Kind {
	return c.kind
}

// State returns the connection state.
func (c *Client) State() State {
	return c.manager.State()
}

// LastReport returns the report of the latest reconciliation pass.
func (c *Client) LastReport() (Report, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastReport, c.reported
}

// ActiveConsumers lists the consumers running on the current channel.
func (c *Client) ActiveConsumers() []ConsumerInfo {
	return c.consumer.ActiveConsumers()
}

// Dispose closes the connection and stops reconnecting. It waits for
// in-flight handlers to return. Calling it more than once is safe.
func (c *Client) Dispose() {
	c.manager.Dispose()
	c.consumer.Close()
}

// clientConfig holds client configuration
type clientConfig struct {
	dialer          broker.Dialer
	reconnectDelay  time.Duration
	reconnectPolicy backoff.BackOff
	handlers        map[string]Handler
	consumerOptions []rabbitmq.ConsumerOption
	onConnected     []func(context.Context, Channel)
	listeners       []ConnectionListener
	metrics         *metrics.Collector
	health          *health.Registry
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithHandler registers the delivery handler for key. Bindings and
// consumers with the same key deliver to it.
func WithHandler(key string, handler Handler) ClientOption {
	return func(cfg *clientConfig) {
		cfg.handlers[key] = handler
	}
}

// WithOnConnected runs hook after every connect, once the topology has been
// reconciled.
func WithOnConnected(hook func(ctx context.Context, ch Channel)) ClientOption {
	return func(cfg *clientConfig) {
		cfg.onConnected = append(cfg.onConnected, hook)
	}
}

// WithListener subscribes listener to connection events.
func WithListener(listener ConnectionListener) ClientOption {
	return func(cfg *clientConfig) {
		cfg.listeners = append(cfg.listeners, listener)
	}
}

// WithReconnectDelay sets a fixed delay between reconnect attempts
func WithReconnectDelay(delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectDelay = delay
	}
}

// WithReconnectPolicy replaces the fixed reconnect delay with policy
func WithReconnectPolicy(policy backoff.BackOff) ClientOption {
	return func(cfg *clientConfig) {
		cfg.reconnectPolicy = policy
	}
}

// WithAckStrategy sets how deliveries are acknowledged
func WithAckStrategy(strategy AcknowledgmentStrategy) ClientOption {
	return func(cfg *clientConfig) {
		cfg.consumerOptions = append(cfg.consumerOptions, rabbitmq.WithAckStrategy(strategy))
	}
}

// WithHandlerTimeout bounds each handler invocation
func WithHandlerTimeout(timeout time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.consumerOptions = append(cfg.consumerOptions, rabbitmq.WithHandlerTimeout(timeout))
	}
}

// WithMetrics records connection, reconciliation and handler metrics
func WithMetrics(collector *metrics.Collector) ClientOption {
	return func(cfg *clientConfig) {
		cfg.metrics = collector
	}
}

// WithHealth registers connection, topology and consumer checks
func WithHealth(registry *health.Registry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.health = registry
	}
}

// WithDialer replaces the AMQP dialer
func WithDialer(dialer Dialer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.dialer = dialer
	}
}
