package application

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// HealthStatus is the aggregate readiness of the engine.
type HealthStatus string

const (
	HealthOK       HealthStatus = "ok"
	HealthDegraded HealthStatus = "degraded"
)

// HealthCheck probes one dependency. A nil error means healthy.
type HealthCheck func(ctx context.Context) error

// HealthReport is the result of running all registered checks.
type HealthReport struct {
	Status     HealthStatus
	Components map[string]string
	CheckedAt  time.Time
}

// HealthService runs named dependency probes concurrently with a shared
// timeout. Optional dependencies should not be registered; only components
// the engine cannot settle without belong here.
type HealthService struct {
	checks  map[string]HealthCheck
	timeout time.Duration
}

// NewHealthService creates a HealthService with the given checks.
func NewHealthService(checks map[string]HealthCheck, timeout time.Duration) *HealthService {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthService{checks: checks, timeout: timeout}
}

// Check runs every probe and reports the aggregate status. Any failing probe
// degrades the report.
func (s *HealthService) Check(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = s.checks[name](ctx)
		}()
	}
	wg.Wait()

	report := HealthReport{
		Status:     HealthOK,
		Components: make(map[string]string, len(names)),
		CheckedAt:  time.Now().UTC(),
	}
	for i, name := range names {
		if results[i] != nil {
			slog.Warn("health check failed", "component", name, "error", results[i])
			report.Status = HealthDegraded
			report.Components[name] = "unavailable"
			continue
		}
		report.Components[name] = string(HealthOK)
	}
	return report
}
