package driven

import (
	"context"
	"time"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
)

// EscrowStore defines the driven port for escrow persistence. Every mutation
// after Insert is a conditional write keyed on the record version.
type EscrowStore interface {
	// Insert stores a new escrow. The stored version is e.Version.
	Insert(ctx context.Context, e model.Escrow) error

	// Get returns the escrow with the given ID, or (nil, nil) if none exists.
	Get(ctx context.Context, id string) (*model.Escrow, error)

	// CompareAndSwap replaces the mutable fields of the stored escrow with e
	// and sets its version to e.Version, but only if the stored version still
	// equals expectedVersion. Otherwise it returns model.ErrConcurrencyConflict.
	CompareAndSwap(ctx context.Context, e model.Escrow, expectedVersion int64) error

	// ListDueForExpiry returns non-terminal, non-expired escrows whose
	// deadline is at or before now, oldest deadline first, skipping the
	// first offset matches.
	ListDueForExpiry(ctx context.Context, now time.Time, limit, offset int) ([]model.Escrow, error)

	// List returns escrows matching the filter, newest first unless the
	// filter orders by deadline.
	List(ctx context.Context, filter model.EscrowFilter) ([]model.Escrow, error)
}
