package driven

import (
	"context"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
)

// Validator obtains a verdict for submitted evidence from the external
// scoring service. Failures wrap model.ErrValidationUnavailable.
type Validator interface {
	Validate(ctx context.Context, escrowID string, sub model.EvidenceSubmission) (model.Verdict, error)
}
