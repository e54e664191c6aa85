package broadcast

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPSink mirrors every snapshot envelope onto a fanout exchange so signage
// displays and other backends can consume updates without a socket to this
// process. A channel is opened per publish; the broker tolerates that rate
// because publishes only happen on queue mutations.
type AMQPSink struct {
	conn     *amqp.Connection
	exchange string
}

func NewAMQPSink(conn *amqp.Connection, exchange string) *AMQPSink {
	return &AMQPSink{conn: conn, exchange: exchange}
}

func (s *AMQPSink) Publish(ctx context.Context, envelope Envelope) error {
	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(s.exchange, "fanout", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := ch.PublishWithContext(ctx, s.exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
	}); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}
