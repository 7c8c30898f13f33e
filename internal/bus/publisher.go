package bus

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes dispatch messages to JobExchange. Used by Dispatcher
// directly and by OutboxBridge for startup-recovery republishes.
type Publisher struct {
	ch *amqp.Channel
}

func NewPublisher(conn *Conn) (*Publisher, error) {
	ch, err := conn.NewChannel()
	if err != nil {
		return nil, fmt.Errorf("bus: publisher channel: %w", err)
	}
	// Publisher confirms let Dispatcher distinguish "broker accepted it"
	// from "wrote to a dead TCP socket", per spec.md section 4.8's publish
	// failure handling.
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("bus: enable confirms: %w", err)
	}
	return &Publisher{ch: ch}, nil
}

// PublishJob publishes one DispatchMessage under routingKey (the job's
// routing pattern) to JobExchange, per spec.md section 6.
func (p *Publisher) PublishJob(ctx context.Context, routingKey string, msg DispatchMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("bus: marshal dispatch message: %w", err)
	}

	confirm, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, JobExchange, routingKey, true, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.CorrelationID,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("bus: publish: %w", err)
	}
	if confirm == nil {
		return nil
	}
	ok, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("bus: wait for confirm: %w", err)
	}
	if !ok {
		return fmt.Errorf("bus: broker nacked publish for %s", msg.CorrelationID)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}
