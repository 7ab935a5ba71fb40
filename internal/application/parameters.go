package application

import (
	"context"
	"log/slog"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

// ParameterProvider resolves escrow parameters from the governance advisory
// service and falls back to a named default strategy. The returned Source
// always says which one was used.
type ParameterProvider struct {
	advisor  driven.ParameterAdvisor
	fallback model.Parameters
}

// NewParameterProvider creates a provider. advisor may be nil, in which case
// the fallback is always used.
func NewParameterProvider(advisor driven.ParameterAdvisor, fallback model.Parameters) *ParameterProvider {
	if fallback.TimeoutDays <= 0 {
		fallback = model.DefaultParameters()
	}
	fallback.Source = model.ParametersSourceDefault
	return &ParameterProvider{advisor: advisor, fallback: fallback}
}

// Parameters returns advisory parameters for region, or the fallback.
func (p *ParameterProvider) Parameters(ctx context.Context, region string) model.Parameters {
	if p.advisor == nil {
		return p.fallback
	}

	params, err := p.advisor.Advise(ctx, region)
	if err != nil {
		slog.Warn("governance advisory unavailable, using default parameters",
			"region", region,
			"timeout_days", p.fallback.TimeoutDays,
			"error", err,
		)
		return p.fallback
	}
	if params.TimeoutDays <= 0 {
		slog.Warn("governance advisory returned unusable parameters, using default parameters",
			"region", region,
			"advised_timeout_days", params.TimeoutDays,
		)
		return p.fallback
	}

	params.Source = model.ParametersSourceAdvisory
	return params
}
