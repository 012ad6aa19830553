// Package notify publishes job lifecycle events to a RabbitMQ exchange.
package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ova-exporter/ova-exporter/pkg/errors"
	"github.com/ova-exporter/ova-exporter/pkg/job"
)

// Config holds the broker settings.
type Config struct {
	URL            string
	Exchange       string
	RoutingKey     string // prefix; the event type is appended
	PublishTimeout time.Duration
}

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher sends queued, status and finished events. Progress events are
// not published.
type Publisher struct {
	cfg  Config
	conn *amqp.Connection
	ch   Channel
}

// Dial connects to the broker and declares a durable topic exchange.
func Dial(cfg Config) (*Publisher, error) {
	slog.Info("amqp_connect", "exchange", cfg.Exchange)

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to RabbitMQ")
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "failed to create channel")
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, errors.Wrap(err, "failed to declare exchange")
	}

	p := NewPublisher(ch, cfg)
	p.conn = conn
	return p, nil
}

// NewPublisher wraps an open channel.
func NewPublisher(ch Channel, cfg Config) *Publisher {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.RoutingKey == "" {
		cfg.RoutingKey = "export"
	}
	return &Publisher{cfg: cfg, ch: ch}
}

// HandleEvent publishes ev. Failures are logged and never reach the queue.
func (p *Publisher) HandleEvent(ev job.Event) {
	if ev.Type == job.EventProgress {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.PublishTimeout)
	defer cancel()

	if err := p.Publish(ctx, ev); err != nil {
		slog.Warn("amqp_publish_failed", "job_id", ev.JobID, "type", ev.Type, "error", err)
	}
}

// Publish sends one event as JSON with routing key <prefix>.<type>.
func (p *Publisher) Publish(ctx context.Context, ev job.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}

	err = p.ch.PublishWithContext(ctx,
		p.cfg.Exchange,                       // exchange
		p.cfg.RoutingKey+"."+string(ev.Type), // routing key
		false,                                // mandatory
		false,                                // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			MessageId:    ev.JobID,
			Timestamp:    ev.Time,
		},
	)
	if err != nil {
		return errors.Wrap(err, "failed to publish event")
	}

	slog.Debug("amqp_published", "job_id", ev.JobID, "type", ev.Type, "body_size", len(body))
	return nil
}

// Close closes the channel and the connection.
func (p *Publisher) Close() error {
	if err := p.ch.Close(); err != nil {
		slog.Warn("amqp_channel_close_failed", "error", err)
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
