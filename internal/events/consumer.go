// Package events consumes billing events from RabbitMQ. It is an alternate
// ingress to the HTTP webhook: messages are normalized into the same
// internal event tuple and pass through the same idempotency guard, so a
// message delivered on both transports is still applied once.
package events

import (
	"context"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/meterline/backend/internal/webhook"
)

type Consumer struct {
	conn      *amqp.Connection
	ch        *amqp.Channel
	guard     *webhook.Guard
	processor *webhook.Processor
	log       *slog.Logger
}

func NewConsumer(amqpURL string, guard *webhook.Guard, processor *webhook.Processor, log *slog.Logger) (*Consumer, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, err := amqp.Dial(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return &Consumer{conn: conn, ch: ch, guard: guard, processor: processor, log: log}, nil
}

// Start declares the topology and consumes until the channel closes.
// Messages that fail processing are nacked for redelivery; malformed ones
// are acked and dropped, since redelivery cannot fix them.
func (c *Consumer) Start(ctx context.Context, exchange, queueName string) error {
	if err := c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	q, err := c.ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := c.ch.QueueBind(q.Name, "billing.#", exchange, false, nil); err != nil {
		return err
	}
	msgs, err := c.ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return err
	}

	go func() {
		for d := range msgs {
			c.handle(ctx, d)
		}
	}()
	return nil
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery) {
	ev, err := webhook.Normalize(d.Body)
	if err != nil {
		c.log.Warn("dropping malformed billing event", "routing_key", d.RoutingKey, "error", err)
		_ = d.Ack(false)
		return
	}

	shouldProcess, reason, err := c.guard.Begin(ctx, ev.ID, ev.Type, ev.Data)
	if err != nil {
		c.log.Error("guard begin failed, requeueing", "event_id", ev.ID, "error", err)
		_ = d.Nack(false, true)
		return
	}
	if !shouldProcess {
		c.log.Info("duplicate billing event from queue", "event_id", ev.ID, "reason", reason)
		_ = d.Ack(false)
		return
	}

	if err := c.processor.Process(ctx, ev); err != nil {
		c.log.Error("queue event processing failed", "event_id", ev.ID, "error", err)
		if failErr := c.guard.Fail(ctx, ev.ID, err.Error()); failErr != nil {
			c.log.Error("guard fail-mark failed", "event_id", ev.ID, "error", failErr)
		}
		_ = d.Nack(false, true)
		return
	}

	if err := c.guard.Complete(ctx, ev.ID); err != nil {
		c.log.Error("guard complete-mark failed", "event_id", ev.ID, "error", err)
	}
	_ = d.Ack(false)
}

func (c *Consumer) Close() {
	if c.ch != nil {
		c.ch.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
