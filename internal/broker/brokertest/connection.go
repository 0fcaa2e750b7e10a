package brokertest

import (
	"fmt"
	"reflect"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitkit/internal/broker"
)

// Connection is an in-memory broker connection.
type Connection struct {
	broker *Broker

	mu       sync.Mutex
	closed   bool
	channels []*Channel
	closers  []chan *amqp.Error
	blockers []chan amqp.Blocking
}

var _ broker.Connection = (*Connection)(nil)

// Channel opens a new channel.
func (c *Connection) Channel() (broker.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}

	c.broker.mu.Lock()
	c.broker.record(OpChannelOpen, "")
	err := c.broker.failureFor(OpChannelOpen, "")
	c.broker.mu.Unlock()
	if err != nil {
		return nil, err
	}

	ch := &Channel{conn: c, broker: c.broker}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Channels returns channels opened on this connection.
func (c *Connection) Channels() []*Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Channel(nil), c.channels...)
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closers = append(c.closers, receiver)
	return receiver
}

func (c *Connection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.blockers = append(c.blockers, receiver)
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close closes the connection gracefully. Close listeners receive no error.
func (c *Connection) Close() error {
	c.broker.mu.Lock()
	c.broker.record(OpConnectionClose, "")
	err := c.broker.failureFor(OpConnectionClose, "")
	c.broker.mu.Unlock()

	if !c.shutdown(nil) {
		return amqp.ErrClosed
	}
	return err
}

// CloseWithError simulates a server or network initiated close.
func (c *Connection) CloseWithError(err *amqp.Error) {
	c.shutdown(err)
}

// Drop simulates a network failure with a 320 CONNECTION_FORCED error.
func (c *Connection) Drop() {
	c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true})
}

// Block sends a connection.blocked notification.
func (c *Connection) Block(reason string) {
	c.mu.Lock()
	blockers := append([]chan amqp.Blocking(nil), c.blockers...)
	c.mu.Unlock()
	for _, b := range blockers {
		b <- amqp.Blocking{Active: true, Reason: reason}
	}
}

func (c *Connection) shutdown(err *amqp.Error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	channels := c.channels
	closers := c.closers
	blockers := c.blockers
	c.closers = nil
	c.blockers = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(err)
	}
	for _, r := range closers {
		if err != nil {
			r <- err
		}
		close(r)
	}
	for _, b := range blockers {
		close(b)
	}
	return true
}

// Channel is an in-memory channel. It also acknowledges deliveries.
type Channel struct {
	conn   *Connection
	broker *Broker

	mu        sync.Mutex
	closed    bool
	confirm   bool
	prefetch  int
	consumers []*consumer
	closers   []chan *amqp.Error
}

var (
	_ broker.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

// Prefetch returns the prefetch count applied with Qos.
func (ch *Channel) Prefetch() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.prefetch
}

// ConfirmMode reports whether Confirm was called.
func (ch *Channel) ConfirmMode() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.confirm
}

func (ch *Channel) Confirm(noWait bool) error {
	if err := ch.begin(OpConfirm, ""); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.confirm = true
	ch.mu.Unlock()
	return nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	if err := ch.begin(OpQos, ""); err != nil {
		return err
	}
	ch.mu.Lock()
	ch.prefetch = prefetchCount
	ch.mu.Unlock()
	return nil
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if err := ch.begin(OpExchangeDeclare, name); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	existing, ok := b.exchanges[name]
	if ok && (existing.Kind != kind || existing.Durable != durable) {
		b.mu.Unlock()
		return ch.fail(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s'", name))
	}
	if !ok {
		b.exchanges[name] = &Exchange{Name: name, Kind: kind, Durable: durable, AutoDelete: autoDelete, Args: args}
	}
	b.mu.Unlock()
	return nil
}

func (ch *Channel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	if err := ch.begin(OpExchangeDelete, name); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	delete(b.exchanges, name)
	kept := b.bindings[:0]
	for _, bnd := range b.bindings {
		if bnd.Exchange != name {
			kept = append(kept, bnd)
		}
	}
	b.bindings = kept
	b.mu.Unlock()
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if err := ch.begin(OpQueueDeclare, name); err != nil {
		return amqp.Queue{}, err
	}

	b := ch.broker
	b.mu.Lock()
	if name == "" {
		b.queueSeq++
		name = fmt.Sprintf("amq.gen-%d", b.queueSeq)
	}
	q, ok := b.queues[name]
	if ok && (q.Durable != durable || !reflect.DeepEqual(q.Args, args)) {
		b.mu.Unlock()
		return amqp.Queue{}, ch.fail(amqp.PreconditionFailed, fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg 'durable' for queue '%s'", name))
	}
	if !ok {
		q = &Queue{Name: name, Durable: durable, AutoDelete: autoDelete, Exclusive: exclusive, Args: args}
		b.queues[name] = q
	}
	result := amqp.Queue{Name: name, Messages: len(q.pending), Consumers: len(q.consumers)}
	b.mu.Unlock()
	return result, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if err := ch.begin(OpQueueBind, name); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	if _, ok := b.exchanges[exchange]; !ok {
		b.mu.Unlock()
		return ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange))
	}
	if _, ok := b.queues[name]; !ok {
		b.mu.Unlock()
		return ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
	}
	bnd := Binding{Queue: name, Exchange: exchange, Key: key}
	for _, existing := range b.bindings {
		if existing == bnd {
			b.mu.Unlock()
			return nil
		}
	}
	b.bindings = append(b.bindings, bnd)
	b.mu.Unlock()
	return nil
}

func (ch *Channel) Consume(queue, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if err := ch.begin(OpConsume, queue); err != nil {
		return nil, err
	}

	b := ch.broker
	b.mu.Lock()
	q, ok := b.queues[queue]
	if !ok {
		b.mu.Unlock()
		return nil, ch.fail(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queue))
	}
	if tag == "" {
		b.tagSeq++
		tag = fmt.Sprintf("amq.ctag-%d", b.tagSeq)
	}
	c := &consumer{tag: tag, queue: queue, channel: ch, deliveries: make(chan amqp.Delivery, 128)}
	q.consumers = append(q.consumers, c)
	q.hadReader = true
	pending := q.pending
	q.pending = nil
	for _, d := range pending {
		b.enqueue(q, d)
	}
	b.mu.Unlock()

	ch.mu.Lock()
	ch.consumers = append(ch.consumers, c)
	ch.mu.Unlock()
	return c.deliveries, nil
}

func (ch *Channel) Cancel(tag string, noWait bool) error {
	ch.mu.Lock()
	var target *consumer
	for i, c := range ch.consumers {
		if c.tag == tag {
			target = c
			ch.consumers = append(ch.consumers[:i], ch.consumers[i+1:]...)
			break
		}
	}
	ch.mu.Unlock()
	if target == nil {
		return nil
	}
	ch.broker.mu.Lock()
	ch.broker.removeConsumer(target)
	ch.broker.mu.Unlock()
	return nil
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.closers = append(ch.closers, receiver)
	return receiver
}

func (ch *Channel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// Close closes the channel gracefully.
func (ch *Channel) Close() error {
	ch.broker.mu.Lock()
	ch.broker.record(OpChannelClose, "")
	err := ch.broker.failureFor(OpChannelClose, "")
	ch.broker.mu.Unlock()

	if !ch.shutdown(nil) {
		return amqp.ErrClosed
	}
	return err
}

// CloseWithError simulates a server initiated channel close.
func (ch *Channel) CloseWithError(err *amqp.Error) {
	ch.shutdown(err)
}

func (ch *Channel) Ack(tag uint64, multiple bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.acks = append(ch.broker.acks, tag)
	return nil
}

func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.nacks = append(ch.broker.nacks, tag)
	ch.broker.requeue = append(ch.broker.requeue, requeue)
	return nil
}

func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

// begin records op and returns ErrClosed or an injected failure. Injected
// failures close the channel like a broker-side channel exception.
func (ch *Channel) begin(op, name string) error {
	if ch.IsClosed() {
		return amqp.ErrClosed
	}

	ch.broker.mu.Lock()
	ch.broker.record(op, name)
	err := ch.broker.failureFor(op, name)
	ch.broker.mu.Unlock()

	if err == nil {
		return nil
	}
	if amqpErr, ok := err.(*amqp.Error); ok {
		ch.shutdown(amqpErr)
	}
	return err
}

func (ch *Channel) fail(code int, reason string) error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	ch.shutdown(err)
	return err
}

func (ch *Channel) shutdown(err *amqp.Error) bool {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return false
	}
	ch.closed = true
	consumers := ch.consumers
	closers := ch.closers
	ch.consumers = nil
	ch.closers = nil
	ch.mu.Unlock()

	ch.broker.mu.Lock()
	for _, c := range consumers {
		ch.broker.removeConsumer(c)
	}
	ch.broker.mu.Unlock()

	for _, r := range closers {
		if err != nil {
			r <- err
		}
		close(r)
	}
	return true
}
