package driven

import (
	"context"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
)

// EvidenceStore defines the driven port for evidence records. A fingerprint
// can be reserved exactly once.
type EvidenceStore interface {
	// Reserve records the fingerprint before validation starts. It returns
	// model.ErrDuplicateEvidence if the fingerprint already exists.
	Reserve(ctx context.Context, ev model.ValidationEvidence) error

	// Complete stores the verdict and decision for a reserved fingerprint.
	Complete(ctx context.Context, ev model.ValidationEvidence) error

	// Release removes a reservation whose validation did not produce a verdict.
	Release(ctx context.Context, fingerprint string) error

	// ListByEscrow returns completed evidence for an escrow, oldest first.
	ListByEscrow(ctx context.Context, escrowID string) ([]model.ValidationEvidence, error)
}
