package rabbitmq

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitkit/internal/broker"
	"github.com/glimte/rabbitkit/logging"
)

// Handler processes a delivery. The context carries a request ID and the
// delivery metadata, see RequestID and DeliveryInfoFrom.
type Handler func(ctx context.Context, delivery amqp.Delivery) error

// AcknowledgmentStrategy defines how messages are acknowledged
type AcknowledgmentStrategy int

const (
	// AckOnSuccess acks on a nil error and nacks with requeue otherwise
	AckOnSuccess AcknowledgmentStrategy = iota
	// AckAlways acknowledges regardless of processing result
	AckAlways
	// AckManual requires manual acknowledgment in handler
	AckManual
)

// ConsumerInfo tracks active consumer information
type ConsumerInfo struct {
	Key         string
	Queue       string
	ConsumerTag string
	StartedAt   time.Time
}

type activeConsumer struct {
	info ConsumerInfo
	done chan struct{}
}

// Consumer starts deliveries for registered handlers and applies the
// acknowledgment strategy. Its consumers live exactly as long as the channel
// they were started on.
type Consumer struct {
	strategy       AcknowledgmentStrategy
	handlerTimeout time.Duration
	logger         logging.Logger

	active sync.Map // consumer tag -> *activeConsumer

	// mu orders wg.Add against Close.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithAckStrategy sets the acknowledgment strategy
func WithAckStrategy(strategy AcknowledgmentStrategy) ConsumerOption {
	return func(c *Consumer) {
		c.strategy = strategy
	}
}

// WithHandlerTimeout bounds each handler invocation. Zero disables the bound.
func WithHandlerTimeout(timeout time.Duration) ConsumerOption {
	return func(c *Consumer) {
		c.handlerTimeout = timeout
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger logging.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer
func NewConsumer(options ...ConsumerOption) *Consumer {
	c := &Consumer{
		strategy:       AckOnSuccess,
		handlerTimeout: 30 * time.Second,
		logger:         logging.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Subscribe starts consuming queue on ch and dispatches deliveries to
// handler until the channel closes or ctx is cancelled. It returns the
// consumer tag. It fails with ErrConsumerClosed once Close has been called.
func (c *Consumer) Subscribe(ctx context.Context, ch broker.Channel, key, queue string, exclusive bool, handler Handler) (string, error) {
	tag := fmt.Sprintf("%s-%s", key, uuid.New().String())

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", &ConsumerError{
			Key:       key,
			Queue:     queue,
			Op:        "consume",
			Err:       ErrConsumerClosed,
			Timestamp: time.Now(),
		}
	}
	c.wg.Add(1)
	c.mu.Unlock()

	deliveries, err := ch.Consume(
		queue,
		tag,
		false, // auto-ack, handled by the strategy
		exclusive,
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		c.wg.Done()
		return "", &ConsumerError{
			Key:         key,
			Queue:       queue,
			ConsumerTag: tag,
			Op:          "consume",
			Err:         err,
			Timestamp:   time.Now(),
		}
	}

	ac := &activeConsumer{
		info: ConsumerInfo{
			Key:         key,
			Queue:       queue,
			ConsumerTag: tag,
			StartedAt:   time.Now(),
		},
		done: make(chan struct{}),
	}
	c.active.Store(tag, ac)

	go c.processMessages(ctx, ac, deliveries, handler)

	c.logger.Log("subscribed to queue",
		"key", key,
		"queue", queue,
		"consumerTag", tag,
	)

	return tag, nil
}

// processMessages handles incoming messages
func (c *Consumer) processMessages(ctx context.Context, ac *activeConsumer, deliveries <-chan amqp.Delivery, handler Handler) {
	defer func() {
		c.active.Delete(ac.info.ConsumerTag)
		close(ac.done)
		c.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case delivery, ok := <-deliveries:
			if !ok {
				c.logger.Log("delivery channel closed",
					"key", ac.info.Key,
					"queue", ac.info.Queue,
				)
				return
			}

			if err := c.handleMessage(ctx, ac.info, delivery, handler); err != nil {
				c.logger.Error("failed to handle message",
					"error", err,
					"key", ac.info.Key,
					"queue", ac.info.Queue,
					"messageId", delivery.MessageId,
				)
			}
		}
	}
}

// handleMessage processes a single message
func (c *Consumer) handleMessage(ctx context.Context, info ConsumerInfo, delivery amqp.Delivery, handler Handler) error {
	msgCtx := withDelivery(ctx, uuid.New().String(), newDeliveryInfo(info, delivery))
	if c.handlerTimeout > 0 {
		var cancel context.CancelFunc
		msgCtx, cancel = context.WithTimeout(msgCtx, c.handlerTimeout)
		defer cancel()
	}

	err := safeHandle(msgCtx, delivery, handler)

	switch c.strategy {
	case AckOnSuccess:
		if err != nil {
			if nackErr := delivery.Nack(false, true); nackErr != nil {
				c.logger.Error("failed to nack message",
					"error", nackErr,
					"originalError", err,
				)
			}
			return err
		}
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}

	case AckAlways:
		if ackErr := delivery.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message", "error", ackErr)
		}

	case AckManual:
	}

	return err
}

func safeHandle(ctx context.Context, delivery amqp.Delivery, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return handler(ctx, delivery)
}

// ActiveConsumers returns the running consumers ordered by key and queue.
func (c *Consumer) ActiveConsumers() []ConsumerInfo {
	var out []ConsumerInfo
	c.active.Range(func(_, value any) bool {
		out = append(out, value.(*activeConsumer).info)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key != out[j].Key {
			return out[i].Key < out[j].Key
		}
		return out[i].Queue < out[j].Queue
	})
	return out
}

// Close refuses further subscriptions and blocks until every consumer
// goroutine has exited. It is safe to call more than once.
func (c *Consumer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.wg.Wait()
}
