package bus

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer wraps one AMQP channel consuming a single queue in manual-ack
// mode, per spec.md section 4.9/4.10's "receive -> batch -> write -> ack"
// loop shape.
type Consumer struct {
	ch    *amqp.Channel
	queue string
}

func NewConsumer(conn *Conn, queue string, prefetch int) (*Consumer, error) {
	ch, err := conn.NewChannel()
	if err != nil {
		return nil, fmt.Errorf("bus: consumer channel: %w", err)
	}
	if prefetch <= 0 {
		prefetch = 50
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("bus: qos: %w", err)
	}
	return &Consumer{ch: ch, queue: queue}, nil
}

// Deliveries starts consuming in manual-ack mode. Callers must settle every
// delivery with Ack, Discard, or RetryOrDeadLetter.
func (c *Consumer) Deliveries(ctx context.Context, consumerTag string) (<-chan amqp.Delivery, error) {
	return c.ch.ConsumeWithContext(ctx, c.queue, consumerTag, false, false, false, false, nil)
}

const retryHeader = "x-milvaion-retry-count"

// RetryOrDeadLetter implements spec.md section 7's bounded
// nack-requeue-then-dead-letter policy for transient processing failures.
// Up to MaxRedeliveries, it republishes the message to its original
// exchange/routing-key with an incremented retry counter and acks the
// original; beyond that it rejects without requeue, which the queue's
// x-dead-letter-exchange argument routes to the DLQ.
func (c *Consumer) RetryOrDeadLetter(ctx context.Context, d amqp.Delivery) error {
	retries := headerInt(d.Headers, retryHeader)
	if retries >= MaxRedeliveries {
		return d.Nack(false, false)
	}

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[retryHeader] = retries + 1

	err := c.ch.PublishWithContext(ctx, d.Exchange, d.RoutingKey, false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: d.DeliveryMode,
		MessageId:    d.MessageId,
		Headers:      headers,
		Body:         d.Body,
	})
	if err != nil {
		return fmt.Errorf("bus: requeue republish: %w", err)
	}
	return d.Ack(false)
}

// Discard acks a message without retrying: spec.md section 7's
// protocol/schema and policy error classes are logged and acked, never
// requeued, to avoid poison loops.
func (c *Consumer) Discard(d amqp.Delivery) error {
	return d.Ack(false)
}

func headerInt(t amqp.Table, key string) int {
	if t == nil {
		return 0
	}
	switch v := t[key].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func (c *Consumer) Close() error {
	return c.ch.Close()
}
