package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

// DefaultExchange is the topic exchange notifications are published to.
const DefaultExchange = "escrow_events"

// Compile-time interface satisfaction check.
var _ driven.NotificationPublisher = (*AMQPPublisher)(nil)

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes persistent JSON messages to a durable topic
// exchange, using the notification type as routing key.
type AMQPPublisher struct {
	exchange string

	mu      sync.Mutex
	conn    *amqp.Connection
	ch      channel
	reopen  func() (channel, error)
	timeout time.Duration
}

// DialAMQP connects to the broker at rawURL and declares exchange.
func DialAMQP(rawURL, exchange string) (*AMQPPublisher, error) {
	if err := validateAMQPURL(rawURL); err != nil {
		return nil, err
	}

	conn, err := amqp.DialConfig(rawURL, amqp.Config{Dial: amqp.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("dialing amqp broker: %w", err)
	}

	reopen := func() (channel, error) { return conn.Channel() }
	ch, err := reopen()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening amqp channel: %w", err)
	}

	p, err := newAMQPPublisher(ch, reopen, exchange)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newAMQPPublisher(ch channel, reopen func() (channel, error), exchange string) (*AMQPPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if err := declare(ch, exchange); err != nil {
		return nil, err
	}
	return &AMQPPublisher{
		exchange: exchange,
		ch:       ch,
		reopen:   reopen,
		timeout:  5 * time.Second,
	}, nil
}

func declare(ch channel, exchange string) error {
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring exchange %s: %w", exchange, err)
	}
	return nil
}

// Publish sends n. A failed publish reopens the channel and retries once.
func (p *AMQPPublisher) Publish(ctx context.Context, n model.Notification) error {
	msg := NewMessage(n)
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Timestamp:    msg.OccurredAt,
		Type:         msg.Type,
		Body:         body,
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx, p.exchange, msg.Type, false, false, publishing)
	if err == nil {
		return nil
	}

	slog.Warn("amqp publish failed; reopening channel", "exchange", p.exchange, "routing_key", msg.Type, "error", err)
	if p.reopen == nil {
		return fmt.Errorf("publishing %s: %w", msg.Type, err)
	}
	ch, rerr := p.reopen()
	if rerr != nil {
		return fmt.Errorf("publishing %s: %w", msg.Type, errors.Join(err, rerr))
	}
	_ = p.ch.Close()
	p.ch = ch
	if err := declare(p.ch, p.exchange); err != nil {
		return err
	}
	if err := p.ch.PublishWithContext(ctx, p.exchange, msg.Type, false, false, publishing); err != nil {
		return fmt.Errorf("publishing %s: %w", msg.Type, err)
	}
	return nil
}

// Close closes the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

func validateAMQPURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parsing amqp URL: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return errors.New("amqp URL scheme must be amqp:// or amqps://")
	}
	return nil
}
