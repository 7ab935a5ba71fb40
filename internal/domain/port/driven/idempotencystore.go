package driven

import "context"

// IdempotencyStore deduplicates escrow creation requests by caller-supplied key.
type IdempotencyStore interface {
	// Reserve claims key. If the key was already claimed, reserved is false and
	// escrowID holds the escrow created for it, or "" while that request is
	// still in flight.
	Reserve(ctx context.Context, key string) (escrowID string, reserved bool, err error)

	// Complete binds a reserved key to the escrow it produced.
	Complete(ctx context.Context, key, escrowID string) error

	// Release frees a reserved key after a failed creation.
	Release(ctx context.Context, key string) error
}
