package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPOptions configures the RabbitMQ topology.
type AMQPOptions struct {
	URL            string
	Exchange       string
	Prefetch       int
	ConnectionName string
}

// AMQP publishes to a durable direct exchange, routing by queue name, and
// consumes with manual acknowledgement. Queues are quorum queues so the
// broker reports a delivery count on redelivered messages.
type AMQP struct {
	conn   *amqp.Connection
	opts   AMQPOptions
	logger *slog.Logger

	mu    sync.Mutex
	pubCh *amqp.Channel
}

func DialAMQP(opts AMQPOptions, logger *slog.Logger) (*AMQP, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Prefetch < 1 {
		opts.Prefetch = 1
	}

	cfg := amqp.Config{Properties: amqp.NewConnectionProperties()}
	if opts.ConnectionName != "" {
		cfg.Properties.SetClientConnectionName(opts.ConnectionName)
	}
	conn, err := amqp.DialConfig(opts.URL, cfg)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publish channel: %w", err)
	}
	if err := pubCh.Confirm(false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}
	if err := pubCh.ExchangeDeclare(opts.Exchange, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", opts.Exchange, err)
	}

	return &AMQP{conn: conn, opts: opts, logger: logger, pubCh: pubCh}, nil
}

// Declare creates the durable queues and binds each to the exchange under its own name.
func (b *AMQP) Declare(queues ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, q := range queues {
		if _, err := b.pubCh.QueueDeclare(q, true, false, false, false, queueArgs()); err != nil {
			return fmt.Errorf("declare queue %s: %w", q, err)
		}
		if err := b.pubCh.QueueBind(q, q, b.opts.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %s: %w", q, err)
		}
	}
	return nil
}

// queueArgs declares a quorum queue without a broker-side delivery limit.
// RabbitMQ 4 otherwise drops a message after 20 redeliveries; the workers
// decide themselves when a message is given up.
func queueArgs() amqp.Table {
	return amqp.Table{
		"x-queue-type":     "quorum",
		"x-delivery-limit": int64(-1),
	}
}

// Publish sends a persistent message and waits for the broker to confirm it.
func (b *AMQP) Publish(ctx context.Context, queue string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	confirm, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, b.opts.Exchange, queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.New().String(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("confirm publish to %s: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("publish to %s: broker nacked the message", queue)
	}
	return nil
}

// Consume runs a sequential consumer on its own channel with the configured prefetch.
func (b *AMQP) Consume(ctx context.Context, queue string, h Handler) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(b.opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	b.logger.Info("consuming", "queue", queue, "prefetch", b.opts.Prefetch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr == nil {
				return errors.New("amqp channel closed")
			}
			return fmt.Errorf("amqp channel closed: %w", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("amqp delivery channel closed")
			}
			disposition := h(ctx, Delivery{
				MessageID:    d.MessageId,
				Body:         d.Body,
				Redeliveries: redeliveries(d),
			})
			if err := settle(d, disposition); err != nil {
				return fmt.Errorf("settle message on %s: %w", queue, err)
			}
		}
	}
}

func settle(d amqp.Delivery, disposition Disposition) error {
	switch disposition {
	case Requeue:
		return d.Nack(false, true)
	case Drop:
		return d.Nack(false, false)
	default:
		return d.Ack(false)
	}
}

// redeliveries prefers the quorum queue x-delivery-count header and falls
// back to the redelivered flag.
func redeliveries(d amqp.Delivery) int {
	switch v := d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	}
	if d.Redelivered {
		return 1
	}
	return 0
}

func (b *AMQP) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubCh != nil {
		b.pubCh.Close()
	}
	return b.conn.Close()
}
