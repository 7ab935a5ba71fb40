package application_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/ericfisherdev/impactescrow/internal/application"
)

func TestHealthService_Check(t *testing.T) {
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("database is locked") }

	t.Run("all healthy", func(t *testing.T) {
		svc := application.NewHealthService(map[string]application.HealthCheck{"database": ok, "ledger": ok}, time.Second)

		report := svc.Check(context.Background())

		assert.Equal(t, application.HealthOK, report.Status)
		assert.Equal(t, map[string]string{"database": "ok", "ledger": "ok"}, report.Components)
	})

	t.Run("one failing check degrades", func(t *testing.T) {
		svc := application.NewHealthService(map[string]application.HealthCheck{"database": down, "ledger": ok}, time.Second)

		report := svc.Check(context.Background())

		assert.Equal(t, application.HealthDegraded, report.Status)
		assert.Equal(t, "unavailable", report.Components["database"])
		assert.Equal(t, "ok", report.Components["ledger"])
	})

	t.Run("slow check times out", func(t *testing.T) {
		slow := func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}
		svc := application.NewHealthService(map[string]application.HealthCheck{"ledger": slow}, 20*time.Millisecond)

		report := svc.Check(context.Background())

		assert.Equal(t, application.HealthDegraded, report.Status)
	})

	t.Run("no checks", func(t *testing.T) {
		report := application.NewHealthService(nil, 0).Check(context.Background())
		assert.Equal(t, application.HealthOK, report.Status)
	})
}
