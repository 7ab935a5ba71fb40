// Package events implements the NotificationPublisher port. Notifications are
// always logged and, when a broker is configured, published to a RabbitMQ
// topic exchange keyed by notification type.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.NotificationPublisher = (*LogPublisher)(nil)
	_ driven.NotificationPublisher = Fanout(nil)
)

// Message is the wire form of a notification.
type Message struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	EscrowID   string    `json:"escrow_id"`
	Status     string    `json:"status,omitempty"`
	TxRef      string    `json:"tx_ref,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Alert      bool      `json:"alert,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewMessage assigns a message ID to n.
func NewMessage(n model.Notification) Message {
	return Message{
		ID:         uuid.NewString(),
		Type:       string(n.Type),
		EscrowID:   n.EscrowID,
		Status:     string(n.Status),
		TxRef:      n.TxRef,
		Reason:     n.Reason,
		Alert:      n.IsAlert(),
		OccurredAt: n.OccurredAt.UTC(),
	}
}

// LogPublisher writes notifications to a structured logger. Operator alerts
// are logged at error level.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a LogPublisher. A nil logger uses slog.Default.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

// Publish logs n.
func (p *LogPublisher) Publish(ctx context.Context, n model.Notification) error {
	level := slog.LevelInfo
	if n.IsAlert() {
		level = slog.LevelError
	}
	p.logger.Log(ctx, level, "escrow notification",
		"type", n.Type,
		"escrow_id", n.EscrowID,
		"status", n.Status,
		"tx_ref", n.TxRef,
		"reason", n.Reason,
	)
	return nil
}

// Fanout delivers each notification to every publisher and joins their errors.
type Fanout []driven.NotificationPublisher

// Publish delivers n to all publishers.
func (f Fanout) Publish(ctx context.Context, n model.Notification) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
