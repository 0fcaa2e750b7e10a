package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

type ctxKey int

const (
	requestIDKey ctxKey = iota
	deliveryInfoKey
)

// DeliveryInfo is the delivery metadata without the body.
type DeliveryInfo struct {
	Key           string
	Queue         string
	ConsumerTag   string
	DeliveryTag   uint64
	Redelivered   bool
	Exchange      string
	RoutingKey    string
	MessageID     string
	CorrelationID string
	ContentType   string
	Headers       amqp.Table
}

func newDeliveryInfo(info ConsumerInfo, d amqp.Delivery) DeliveryInfo {
	return DeliveryInfo{
		Key:           info.Key,
		Queue:         info.Queue,
		ConsumerTag:   info.ConsumerTag,
		DeliveryTag:   d.DeliveryTag,
		Redelivered:   d.Redelivered,
		Exchange:      d.Exchange,
		RoutingKey:    d.RoutingKey,
		MessageID:     d.MessageId,
		CorrelationID: d.CorrelationId,
		ContentType:   d.ContentType,
		Headers:       d.Headers,
	}
}

func withDelivery(ctx context.Context, requestID string, info DeliveryInfo) context.Context {
	ctx = context.WithValue(ctx, requestIDKey, requestID)
	return context.WithValue(ctx, deliveryInfoKey, info)
}

// RequestID returns the ID assigned to the delivery being handled, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// DeliveryInfoFrom returns the metadata of the delivery being handled.
func DeliveryInfoFrom(ctx context.Context) (DeliveryInfo, bool) {
	info, ok := ctx.Value(deliveryInfoKey).(DeliveryInfo)
	return info, ok
}
