package events

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/davidleathers/carebill-backend/internal/domain/financial"
	"github.com/davidleathers/carebill-backend/internal/infrastructure/config"
)

// RabbitMQPublisher delivers billing domain events to a topic exchange. The
// routing key is the event type (billing.payment.processed and so on), so
// consumers bind with the granularity they need.
type RabbitMQPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

// NewRabbitMQPublisher connects, opens a channel, and declares the exchange
func NewRabbitMQPublisher(cfg *config.RabbitMQConfig, logger *zap.Logger) (*RabbitMQPublisher, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connection failed: %w", err)
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("rabbitmq channel failed: %w", err)
	}

	if err := channel.ExchangeDeclare(
		cfg.Exchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("exchange declare failed: %w", err)
	}

	logger.Info("rabbitmq publisher initialized", zap.String("exchange", cfg.Exchange))

	return &RabbitMQPublisher{
		conn:     conn,
		channel:  channel,
		exchange: cfg.Exchange,
		logger:   logger,
	}, nil
}

// Publish sends the event as a persistent JSON message
func (p *RabbitMQPublisher) Publish(ctx context.Context, event financial.Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("event encode failed: %w", err)
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		event.EventType(), // routing key
		false,             // mandatory
		false,             // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    event.OccurredOn(),
			Type:         event.EventType(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("event publish failed: %w", err)
	}

	p.logger.Debug("event published",
		zap.String("event_type", event.EventType()),
		zap.String("exchange", p.exchange))
	return nil
}

// Close shuts down the channel and connection
func (p *RabbitMQPublisher) Close() error {
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return err
	}
	return p.conn.Close()
}
