package driven

import (
	"context"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
)

// ParameterAdvisor fetches advisory escrow parameters for a region.
type ParameterAdvisor interface {
	Advise(ctx context.Context, region string) (model.Parameters, error)
}
