// Package bus wraps github.com/rabbitmq/amqp091-go with the topology
// spec.md section 6 names: a topic exchange for dispatching jobs, direct
// exchanges/queues for status and log returns, and a fanout dead-letter
// exchange feeding one DLQ. Grounded on the teacher's
// internal/queue/redisclient.Client shape (a small Config + New + Close +
// Raw wrapper) generalized to an AMQP connection/channel pair, since the
// teacher itself has no message-bus dependency to imitate directly.
package bus

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	JobExchange    = "milvaion.job"
	StatusExchange = "milvaion.status"
	StatusQueue    = "milvaion.status"
	LogsExchange   = "milvaion.logs"
	LogsQueue      = "milvaion.logs"
	DLX            = "milvaion.dlx"
	DLQ            = "milvaion.dlq"

	// MaxRedeliveries bounds how many times StatusTracker/LogCollector will
	// nack-requeue a message before rejecting it to the DLQ, per spec.md
	// section 4.9 step 4 and section 7's transient-infrastructure handling.
	MaxRedeliveries = 3
)

// Config is the connection configuration, mirroring redisclient.Config's
// flat shape.
type Config struct {
	URL string
}

// Conn owns one AMQP connection and one channel used for topology
// declaration and publishing. Consumers open their own channel (see
// Consumer) so a slow consumer never blocks publishes.
type Conn struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

func Connect(cfg Config) (*Conn, error) {
	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Heartbeat: 10 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("bus: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("bus: open channel: %w", err)
	}

	c := &Conn{conn: conn, ch: ch}
	if err := c.declareTopology(); err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// declareTopology declares the exchanges and fixed queues from spec.md
// section 6. Per-worker-class job queues are declared lazily by
// EnsureWorkerQueue as worker classes register.
func (c *Conn) declareTopology() error {
	if err := c.ch.ExchangeDeclare(JobExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: declare %s: %w", JobExchange, err)
	}
	if err := c.ch.ExchangeDeclare(DLX, amqp.ExchangeFanout, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: declare %s: %w", DLX, err)
	}
	if _, err := c.ch.QueueDeclare(DLQ, true, false, false, false, nil); err != nil {
		return fmt.Errorf("bus: declare %s: %w", DLQ, err)
	}
	if err := c.ch.QueueBind(DLQ, "", DLX, false, nil); err != nil {
		return fmt.Errorf("bus: bind %s: %w", DLQ, err)
	}

	for _, pair := range []struct{ exchange, queue string }{
		{StatusExchange, StatusQueue},
		{LogsExchange, LogsQueue},
	} {
		if err := c.ch.ExchangeDeclare(pair.exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
			return fmt.Errorf("bus: declare %s: %w", pair.exchange, err)
		}
		dlArgs := amqp.Table{"x-dead-letter-exchange": DLX}
		if _, err := c.ch.QueueDeclare(pair.queue, true, false, false, false, dlArgs); err != nil {
			return fmt.Errorf("bus: declare %s: %w", pair.queue, err)
		}
		if err := c.ch.QueueBind(pair.queue, pair.queue, pair.exchange, false, nil); err != nil {
			return fmt.Errorf("bus: bind %s: %w", pair.queue, err)
		}
	}

	return nil
}

// EnsureWorkerQueue declares (idempotently) the queue for one worker class
// and binds it to JobExchange under each of the class's routing patterns,
// per spec.md section 6 ("One queue per worker class, bound by the
// worker's declared patterns").
func (c *Conn) EnsureWorkerQueue(class string, patterns []string) error {
	queue := "milvaion.job." + class
	dlArgs := amqp.Table{"x-dead-letter-exchange": DLX}
	if _, err := c.ch.QueueDeclare(queue, true, false, false, false, dlArgs); err != nil {
		return fmt.Errorf("bus: declare worker queue %s: %w", queue, err)
	}
	for _, pattern := range patterns {
		if err := c.ch.QueueBind(queue, pattern, JobExchange, false, nil); err != nil {
			return fmt.Errorf("bus: bind worker queue %s to %s: %w", queue, pattern, err)
		}
	}
	return nil
}

func (c *Conn) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// NewChannel opens an independent channel, one per consumer, so that a
// QoS-limited consumer never shares flow control with the publisher.
func (c *Conn) NewChannel() (*amqp.Channel, error) {
	return c.conn.Channel()
}

// RoutingKey computes the job descriptor routing key spec.md section 6
// calls "job.routingPattern": worker class joined with job kind, so each
// worker class's queue can bind narrower patterns (e.g. "reports.*") if it
// chooses to.
func RoutingKey(workerClass, jobKind string) string {
	return workerClass + "." + jobKind
}
