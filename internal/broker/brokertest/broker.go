// Package brokertest provides an in-memory broker implementing the
// broker.Dialer boundary. It models the AMQP behaviour the reconciler depends
// on: server-named queues, declaration conflicts that close the channel,
// auto-delete queues, topic routing and consumer delivery.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitkit/internal/broker"
)

// Op names accepted by FailOn.
const (
	OpDial            = "connection.open"
	OpChannelOpen     = "channel.open"
	OpConfirm         = "confirm.select"
	OpQos             = "basic.qos"
	OpExchangeDeclare = "exchange.declare"
	OpExchangeDelete  = "exchange.delete"
	OpQueueDeclare    = "queue.declare"
	OpQueueBind       = "queue.bind"
	OpConsume         = "basic.consume"
	OpChannelClose    = "channel.close"
	OpConnectionClose = "connection.close"
)

// ErrConnectionRefused is returned by failed dials unless FailDial supplies
// another error.
var ErrConnectionRefused = errors.New("brokertest: connection refused")

// Exchange is a declared exchange.
type Exchange struct {
	Name       string
	Kind       string
	Durable    bool
	AutoDelete bool
	Args       amqp.Table
}

// Queue is a declared queue.
type Queue struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Args       amqp.Table

	consumers []*consumer
	pending   []amqp.Delivery
	next      int
	hadReader bool
}

// Binding links a queue to an exchange.
type Binding struct {
	Queue    string
	Exchange string
	Key      string
}

// ConsumerInfo describes an active consumer.
type ConsumerInfo struct {
	Tag   string
	Queue string
}

type consumer struct {
	tag        string
	queue      string
	channel    *Channel
	deliveries chan amqp.Delivery
}

type failure struct {
	name string
	err  error
}

// Broker is the in-memory broker.
type Broker struct {
	mu sync.Mutex

	exchanges   map[string]*Exchange
	queues      map[string]*Queue
	bindings    []Binding
	connections []*Connection

	dialFailures int
	dialErr      error
	dials        int
	lastParams   broker.Params

	failures map[string][]failure
	ops      []string

	queueSeq   int
	tagSeq     int
	deliverSeq uint64

	acks    []uint64
	nacks   []uint64
	requeue []bool
}

var _ broker.Dialer = (*Broker)(nil)

// New returns an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]*Exchange),
		queues:    make(map[string]*Queue),
		failures:  make(map[string][]failure),
	}
}

// FailDial makes the next n dials fail with err (ErrConnectionRefused if nil).
func (b *Broker) FailDial(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		err = ErrConnectionRefused
	}
	b.dialFailures = n
	b.dialErr = err
}

// FailOn makes every op against name fail with err until cleared with
// ClearFailures. An empty name matches any target. Declaration failures close
// the channel, as a real broker does.
func (b *Broker) FailOn(op, name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], failure{name: name, err: err})
}

// ClearFailures removes all injected op failures.
func (b *Broker) ClearFailures() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = make(map[string][]failure)
}

// Dial implements broker.Dialer.
func (b *Broker) Dial(ctx context.Context, params broker.Params) (broker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	b.lastParams = params
	b.record(OpDial, params.Host)

	if b.dialFailures > 0 {
		b.dialFailures--
		return nil, b.dialErr
	}
	if err := b.failureFor(OpDial, params.Host); err != nil {
		return nil, err
	}

	conn := &Connection{broker: b}
	b.connections = append(b.connections, conn)
	return conn, nil
}

// Dials returns the number of dial attempts.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// LastParams returns the parameters of the latest dial.
func (b *Broker) LastParams() broker.Params {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastParams
}

// Connections returns every connection opened so far, oldest first.
func (b *Broker) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]*Connection(nil), b.connections...)
}

// LastConnection returns the newest connection or nil.
func (b *Broker) LastConnection() *Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.connections) == 0 {
		return nil
	}
	return b.connections[len(b.connections)-1]
}

// Ops returns the operation log as "op name" entries.
func (b *Broker) Ops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ops...)
}

// ResetOps clears the operation log.
func (b *Broker) ResetOps() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = nil
}

// Exchange returns a copy of the named exchange.
func (b *Broker) Exchange(name string) (Exchange, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		return Exchange{}, false
	}
	return *ex, true
}

// Queue returns a copy of the named queue without its runtime state.
func (b *Broker) Queue(name string) (Queue, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return Queue{}, false
	}
	return Queue{Name: q.Name, Durable: q.Durable, AutoDelete: q.AutoDelete, Exclusive: q.Exclusive, Args: q.Args}, true
}

// QueueNames lists declared queues.
func (b *Broker) QueueNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.queues))
	for name := range b.queues {
		names = append(names, name)
	}
	return names
}

// Bindings returns the current bindings.
func (b *Broker) Bindings() []Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Binding(nil), b.bindings...)
}

// Consumers returns active consumers.
func (b *Broker) Consumers() []ConsumerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []ConsumerInfo
	for _, q := range b.queues {
		for _, c := range q.consumers {
			out = append(out, ConsumerInfo{Tag: c.tag, Queue: c.queue})
		}
	}
	return out
}

// Acks returns acknowledged delivery tags.
func (b *Broker) Acks() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acks...)
}

// Nacks returns negatively acknowledged delivery tags and their requeue flags.
func (b *Broker) Nacks() ([]uint64, []bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.nacks...), append([]bool(nil), b.requeue...)
}

// Publish routes body through exchange with key and returns the number of
// queues it reached. An empty exchange publishes to the queue named key.
func (b *Broker) Publish(exchange, key string, body []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	var targets []string
	if exchange == "" {
		if _, ok := b.queues[key]; ok {
			targets = append(targets, key)
		}
	} else {
		ex, ok := b.exchanges[exchange]
		if !ok {
			return 0
		}
		seen := make(map[string]bool)
		for _, bnd := range b.bindings {
			if bnd.Exchange != exchange || seen[bnd.Queue] {
				continue
			}
			if routes(ex.Kind, bnd.Key, key) {
				seen[bnd.Queue] = true
				targets = append(targets, bnd.Queue)
			}
		}
	}

	for _, name := range targets {
		b.deliverSeq++
		b.enqueue(b.queues[name], amqp.Delivery{
			Exchange:   exchange,
			RoutingKey: key,
			Body:       body,
			MessageId:  fmt.Sprintf("msg-%d", b.deliverSeq),
		})
	}
	return len(targets)
}

func (b *Broker) enqueue(q *Queue, d amqp.Delivery) {
	if len(q.consumers) == 0 {
		q.pending = append(q.pending, d)
		return
	}
	c := q.consumers[q.next%len(q.consumers)]
	q.next++
	d.DeliveryTag = b.deliverSeq
	d.ConsumerTag = c.tag
	d.Acknowledger = c.channel
	c.deliveries <- d
}

func (b *Broker) record(op, name string) {
	b.ops = append(b.ops, op+" "+name)
}

func (b *Broker) failureFor(op, name string) error {
	for _, f := range b.failures[op] {
		if f.name == "" || f.name == name {
			return f.err
		}
	}
	return nil
}

// removeConsumer detaches c and applies auto-delete. Caller holds b.mu.
func (b *Broker) removeConsumer(c *consumer) {
	q, ok := b.queues[c.queue]
	if !ok {
		return
	}
	for i, existing := range q.consumers {
		if existing == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	close(c.deliveries)
	if q.AutoDelete && q.hadReader && len(q.consumers) == 0 {
		b.deleteQueue(q.Name)
	}
}

func (b *Broker) deleteQueue(name string) {
	delete(b.queues, name)
	kept := b.bindings[:0]
	for _, bnd := range b.bindings {
		if bnd.Queue != name {
			kept = append(kept, bnd)
		}
	}
	b.bindings = kept
}

// routes reports whether a message with routingKey matches a binding with
// bindingKey on an exchange of kind.
func routes(kind, bindingKey, routingKey string) bool {
	switch kind {
	case amqp.ExchangeFanout, amqp.ExchangeHeaders:
		return true
	case amqp.ExchangeTopic:
		return topicMatch(strings.Split(bindingKey, "."), strings.Split(routingKey, "."))
	default:
		return bindingKey == routingKey
	}
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
	}
}
