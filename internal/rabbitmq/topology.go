package rabbitmq

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/rabbitkit/internal/broker"
)

// ExchangeType is the AMQP exchange type.
type ExchangeType string

const (
	ExchangeDirect  ExchangeType = amqp.ExchangeDirect
	ExchangeTopic   ExchangeType = amqp.ExchangeTopic
	ExchangeFanout  ExchangeType = amqp.ExchangeFanout
	ExchangeHeaders ExchangeType = amqp.ExchangeHeaders
)

// Valid reports whether t is one of the four AMQP exchange types.
func (t ExchangeType) Valid() bool {
	switch t {
	case ExchangeDirect, ExchangeTopic, ExchangeFanout, ExchangeHeaders:
		return true
	}
	return false
}

// ExchangeOptions configure exchange.declare.
type ExchangeOptions struct {
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool

	// AlternateExchange receives messages the exchange cannot route.
	AlternateExchange string
	Arguments         amqp.Table
}

func (o ExchangeOptions) table() amqp.Table {
	args := copyTable(o.Arguments)
	if o.AlternateExchange != "" {
		args = setArg(args, "alternate-exchange", o.AlternateExchange)
	}
	return args
}

// ExchangeSpec declares an exchange.
type ExchangeSpec struct {
	Name    string
	Type    ExchangeType
	Options ExchangeOptions

	// DeleteBeforeAssert deletes the exchange before declaring it so that
	// changed arguments take effect. A failed delete is not fatal.
	DeleteBeforeAssert bool
}

// QueueOptions configure queue.declare. Zero values leave the broker
// defaults in place.
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	NoWait     bool

	MessageTTL           int32 // x-message-ttl, milliseconds
	Expires              int32 // x-expires, milliseconds
	DeadLetterExchange   string
	DeadLetterRoutingKey string
	MaxLength            int32
	MaxPriority          uint8
	Arguments            amqp.Table
}

func (o QueueOptions) table() amqp.Table {
	args := copyTable(o.Arguments)
	if o.MessageTTL > 0 {
		args = setArg(args, "x-message-ttl", o.MessageTTL)
	}
	if o.Expires > 0 {
		args = setArg(args, "x-expires", o.Expires)
	}
	if o.DeadLetterExchange != "" {
		args = setArg(args, "x-dead-letter-exchange", o.DeadLetterExchange)
	}
	if o.DeadLetterRoutingKey != "" {
		args = setArg(args, "x-dead-letter-routing-key", o.DeadLetterRoutingKey)
	}
	if o.MaxLength > 0 {
		args = setArg(args, "x-max-length", o.MaxLength)
	}
	if o.MaxPriority > 0 {
		args = setArg(args, "x-max-priority", o.MaxPriority)
	}
	return args
}

// QueueSpec declares a queue. An empty Name lets the broker generate one.
type QueueSpec struct {
	Name    string
	Options QueueOptions
}

// ExchangeAssertion is the optional exchange declaration attached to a
// binding.
type ExchangeAssertion struct {
	Type               ExchangeType
	Options            ExchangeOptions
	DeleteBeforeAssert bool
}

// BindingSpec binds a queue to an exchange with one or more routing keys.
// An empty RoutingKeys binds with the empty key.
type BindingSpec struct {
	Exchange       string
	Queue          QueueSpec
	RoutingKeys    []string
	AssertExchange *ExchangeAssertion
	Arguments      amqp.Table
}

func (s BindingSpec) routingKeys() []string {
	if len(s.RoutingKeys) == 0 {
		return []string{""}
	}
	return s.RoutingKeys
}

// ConsumerSpec registers the handler sharing its key as a consumer of Queue.
// AssertQueue, when set, declares the queue first.
type ConsumerSpec struct {
	Queue       string
	AssertQueue *QueueOptions
	Exclusive   bool
}

// DeclaredExchange is stored on the instance after an exchange is asserted.
type DeclaredExchange struct {
	Name string
	Type ExchangeType
}

func declareExchange(ch broker.Channel, name string, typ ExchangeType, opts ExchangeOptions) error {
	if name == "" {
		return fmt.Errorf("%w: exchange name is required", ErrInvalidTopology)
	}
	if !typ.Valid() {
		return fmt.Errorf("%w: unknown exchange type %q", ErrInvalidTopology, typ)
	}
	return ch.ExchangeDeclare(
		name,
		string(typ),
		opts.Durable,
		opts.AutoDelete,
		opts.Internal,
		opts.NoWait,
		opts.table(),
	)
}

func deleteExchange(ch broker.Channel, name string) error {
	return ch.ExchangeDelete(name, false, false)
}

func declareQueue(ch broker.Channel, spec QueueSpec) (amqp.Queue, error) {
	return ch.QueueDeclare(
		spec.Name,
		spec.Options.Durable,
		spec.Options.AutoDelete,
		spec.Options.Exclusive,
		spec.Options.NoWait,
		spec.Options.table(),
	)
}

func bindQueue(ch broker.Channel, queue, routingKey, exchange string, args amqp.Table) error {
	return ch.QueueBind(
		queue,
		routingKey,
		exchange,
		false, // no-wait
		args,
	)
}

func copyTable(t amqp.Table) amqp.Table {
	if len(t) == 0 {
		return nil
	}
	out := make(amqp.Table, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

func setArg(t amqp.Table, key string, value any) amqp.Table {
	if t == nil {
		t = amqp.Table{}
	}
	t[key] = value
	return t
}
