package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange receives agent events when no exchange is configured.
const DefaultExchange = "agentvault.events"

// AMQPConfig describes the RabbitMQ connection used for events.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// AMQPPublisher publishes messages to a topic exchange, routed by kind.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewAMQPPublisher dials RabbitMQ and declares the event exchange.
func NewAMQPPublisher(cfg AMQPConfig) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("amqp url must be set")
	}
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

// Send publishes message as a persistent JSON delivery.
func (p *AMQPPublisher) Send(ctx context.Context, message Message) error {
	if p == nil || p.ch == nil {
		return errors.New("amqp publisher not initialised")
	}
	pub, err := publishing(message)
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, p.exchange, message.Kind, false, false, pub)
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	if p == nil {
		return nil
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func publishing(message Message) (amqp.Publishing, error) {
	body, err := json.Marshal(message)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode message: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Type:         message.Kind,
		Timestamp:    message.OccurredAt,
		Body:         body,
	}, nil
}
