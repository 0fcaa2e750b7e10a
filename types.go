package rabbitkit

import (
	"github.com/glimte/rabbitkit/internal/broker"
	"github.com/glimte/rabbitkit/internal/rabbitmq"
)

// Topology declarations.
type (
	Kind              = rabbitmq.Kind
	Registry          = rabbitmq.Registry
	Category          = rabbitmq.Category
	Instance          = rabbitmq.Instance
	ExchangeType      = rabbitmq.ExchangeType
	ExchangeOptions   = rabbitmq.ExchangeOptions
	ExchangeSpec      = rabbitmq.ExchangeSpec
	ExchangeAssertion = rabbitmq.ExchangeAssertion
	QueueOptions      = rabbitmq.QueueOptions
	QueueSpec         = rabbitmq.QueueSpec
	BindingSpec       = rabbitmq.BindingSpec
	ConsumerSpec      = rabbitmq.ConsumerSpec
	DeclaredExchange  = rabbitmq.DeclaredExchange
	Report            = rabbitmq.Report
	TopologyError     = rabbitmq.TopologyError
)

// Connection and dispatch.
type (
	Handler                = rabbitmq.Handler
	AcknowledgmentStrategy = rabbitmq.AcknowledgmentStrategy
	ConsumerInfo           = rabbitmq.ConsumerInfo
	DeliveryInfo           = rabbitmq.DeliveryInfo
	ConnectionListener     = rabbitmq.ConnectionListener
	OnConnectedFunc        = rabbitmq.OnConnectedFunc
	State                  = rabbitmq.State
	Channel                = broker.Channel
	Dialer                 = broker.Dialer
)

const (
	CategoryExchange = rabbitmq.CategoryExchange
	CategoryQueue    = rabbitmq.CategoryQueue
	CategoryBinding  = rabbitmq.CategoryBinding
	CategoryConsumer = rabbitmq.CategoryConsumer

	ExchangeDirect  = rabbitmq.ExchangeDirect
	ExchangeTopic   = rabbitmq.ExchangeTopic
	ExchangeFanout  = rabbitmq.ExchangeFanout
	ExchangeHeaders = rabbitmq.ExchangeHeaders

	AckOnSuccess = rabbitmq.AckOnSuccess
	AckAlways    = rabbitmq.AckAlways
	AckManual    = rabbitmq.AckManual

	StateDisconnected = rabbitmq.StateDisconnected
	StateConnecting   = rabbitmq.StateConnecting
	StateConnected    = rabbitmq.StateConnected
	StateReconnecting = rabbitmq.StateReconnecting
	StateTerminated   = rabbitmq.StateTerminated
)

var (
	ErrNotConnected    = rabbitmq.ErrNotConnected
	ErrTerminated      = rabbitmq.ErrTerminated
	ErrChannelClosed   = rabbitmq.ErrChannelClosed
	ErrHandlerNotFound = rabbitmq.ErrHandlerNotFound
	ErrInvalidTopology = rabbitmq.ErrInvalidTopology
)

var (
	NewKind          = rabbitmq.NewKind
	NewRegistry      = rabbitmq.NewRegistry
	RequestID        = rabbitmq.RequestID
	DeliveryInfoFrom = rabbitmq.DeliveryInfoFrom
)
