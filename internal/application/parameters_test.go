package application_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ericfisherdev/impactescrow/internal/application"
	"github.com/ericfisherdev/impactescrow/internal/domain/model"
)

func TestParameterProvider(t *testing.T) {
	fallback := model.Parameters{TimeoutDays: 45}

	tests := []struct {
		name     string
		advisor  *stubAdvisor
		wantDays int
		wantSrc  model.ParametersSource
	}{
		{
			name:     "no advisor",
			advisor:  nil,
			wantDays: 45,
			wantSrc:  model.ParametersSourceDefault,
		},
		{
			name:     "advisory used",
			advisor:  &stubAdvisor{params: model.Parameters{TimeoutDays: 30}},
			wantDays: 30,
			wantSrc:  model.ParametersSourceAdvisory,
		},
		{
			name:     "advisor error",
			advisor:  &stubAdvisor{err: errors.New("503 service unavailable")},
			wantDays: 45,
			wantSrc:  model.ParametersSourceDefault,
		},
		{
			name:     "advisor returns unusable timeout",
			advisor:  &stubAdvisor{params: model.Parameters{TimeoutDays: 0}},
			wantDays: 45,
			wantSrc:  model.ParametersSourceDefault,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var p *application.ParameterProvider
			if tc.advisor == nil {
				p = application.NewParameterProvider(nil, fallback)
			} else {
				p = application.NewParameterProvider(tc.advisor, fallback)
			}

			got := p.Parameters(context.Background(), "kenya")

			assert.Equal(t, tc.wantDays, got.TimeoutDays)
			assert.Equal(t, tc.wantSrc, got.Source)
		})
	}
}

func TestParameterProvider_ZeroFallbackUsesDefault(t *testing.T) {
	p := application.NewParameterProvider(nil, model.Parameters{})

	got := p.Parameters(context.Background(), "")

	assert.Equal(t, model.DefaultTimeoutDays, got.TimeoutDays)
	assert.Equal(t, model.ParametersSourceDefault, got.Source)
}
