package rabbitmq

import (
	"errors"
	"fmt"
	"time"
)

var (
	// Connection errors
	ErrNotConnected     = errors.New("rabbitmq: not connected")
	ErrTerminated       = errors.New("rabbitmq: connection manager disposed")
	ErrReconnectStopped = errors.New("rabbitmq: reconnect policy gave up")

	// Channel errors
	ErrChannelClosed = errors.New("rabbitmq: channel is closed")

	// Consumer errors
	ErrHandlerNotFound = errors.New("rabbitmq: no handler registered for key")
	ErrConsumerClosed  = errors.New("rabbitmq: consumer closed")

	// Topology errors
	ErrInvalidTopology = errors.New("rabbitmq: invalid topology configuration")
)

// ConnectionError represents a connection-related error
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (redacted)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
	Attempts  int       // Reconnect attempts made so far
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s failed: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error. Generation identifies the
// connect that opened the channel.
type ChannelError struct {
	Op         string
	Generation uint64
	Err        error
	Timestamp  time.Time
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s failed on generation %d: %v", e.Op, e.Generation, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a failure to register a consumer
type ConsumerError struct {
	Key         string
	Queue       string
	ConsumerTag string
	Op          string
	Err         error
	Timestamp   time.Time
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for %s on queue %q: %v",
		e.Op, e.Key, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a failed declaration during reconciliation
type TopologyError struct {
	Category  Category // exchange, queue, binding or consumer
	Key       string   // Registry key of the declaration
	Name      string   // Broker-side name, when known
	Op        string
	Err       error
	Timestamp time.Time
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s %q (key %s): %v",
		e.Op, e.Category, e.Name, e.Key, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}
