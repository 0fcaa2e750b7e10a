// Package broker is the transport boundary between rabbitkit and the AMQP
// 0-9-1 client. The connection manager only talks to these interfaces, so the
// wire protocol, framing and TLS stay inside github.com/rabbitmq/amqp091-go.
package broker

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Params are the connection parameters handed to a Dialer.
type Params struct {
	Host           string
	Port           int
	User           string
	Password       string
	VHost          string
	Heartbeat      time.Duration
	ConnectionName string
	DialTimeout    time.Duration
}

// Dialer opens connections to the broker.
type Dialer interface {
	Dial(ctx context.Context, params Params) (Connection, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, params Params) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, params Params) (Connection, error) {
	return f(ctx, params)
}

// Connection is the subset of *amqp.Connection the manager uses.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel used for topology and consumption.
// *amqp.Channel satisfies it directly.
type Channel interface {
	Confirm(noWait bool) error
	Qos(prefetchCount, prefetchSize int, global bool) error

	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	ExchangeDelete(name string, ifUnused, noWait bool) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error

	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error

	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)
