package broker

import (
	"context"
	"errors"
	"os"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDialTimeout is returned when the dial does not finish before the
// context or the configured dial timeout expires.
var ErrDialTimeout = errors.New("broker: dial timeout")

// AMQPDialer dials real brokers with amqp091-go.
type AMQPDialer struct{}

// NewAMQPDialer returns the production Dialer.
func NewAMQPDialer() *AMQPDialer {
	return &AMQPDialer{}
}

// Dial opens a connection. amqp091-go has no context-aware dial, so the dial
// runs in its own goroutine and a late connection is closed if ctx wins.
func (d *AMQPDialer) Dial(ctx context.Context, params Params) (Connection, error) {
	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     params.Host,
		Port:     params.Port,
		Username: params.User,
		Password: params.Password,
		Vhost:    params.VHost,
	}

	props := amqp.Table{
		"product": "rabbitkit",
	}
	if name := params.ConnectionName; name != "" {
		props["connection_name"] = name
	} else if host, err := os.Hostname(); err == nil {
		props["connection_name"] = host
	}

	cfg := amqp.Config{
		Heartbeat:  params.Heartbeat,
		Vhost:      params.VHost,
		Properties: props,
	}
	if params.DialTimeout > 0 {
		cfg.Dial = amqp.DefaultDial(params.DialTimeout)
	}

	connChan := make(chan *amqp.Connection, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := amqp.DialConfig(uri.String(), cfg)
		if err != nil {
			errChan <- err
			return
		}
		if ctx.Err() != nil {
			conn.Close()
			errChan <- ctx.Err()
			return
		}
		connChan <- conn
	}()

	select {
	case conn := <-connChan:
		return &amqpConnection{Connection: conn}, nil
	case err := <-errChan:
		return nil, err
	case <-ctx.Done():
		go func() {
			select {
			case conn := <-connChan:
				conn.Close()
			case <-errChan:
			}
		}()
		return nil, ErrDialTimeout
	}
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}
