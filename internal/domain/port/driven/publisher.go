package driven

import (
	"context"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
)

// NotificationPublisher delivers lifecycle notifications and operator alerts.
type NotificationPublisher interface {
	Publish(ctx context.Context, n model.Notification) error
}
