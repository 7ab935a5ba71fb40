package driven

import (
	"context"
	"errors"
	"time"
)

// ErrLedgerTransient is returned for network failures and timeouts. The
// operation may be retried.
var ErrLedgerTransient = errors.New("ledger temporarily unavailable")

// ErrLedgerOutcomeUnknown is returned when a submission failed after the
// ledger may have accepted it. The accompanying result carries the transaction
// reference and sequence so the caller can resolve the outcome. It never wraps
// ErrLedgerTransient: blindly resubmitting could apply the operation twice.
var ErrLedgerOutcomeUnknown = errors.New("ledger outcome unknown")

// LedgerStatus is the ledger's view of a submitted transaction.
type LedgerStatus string

const (
	LedgerStatusPending   LedgerStatus = "pending"
	LedgerStatusConfirmed LedgerStatus = "confirmed"
	LedgerStatusRejected  LedgerStatus = "rejected"
)

// LedgerResult reports a transaction outcome. Reason is set when Status is rejected.
type LedgerResult struct {
	TxRef      string
	Sequence   uint32
	Status     LedgerStatus
	ResultCode string
	Reason     string
}

// EscrowRef identifies an on-ledger escrow by its owner and creating sequence.
type EscrowRef struct {
	Owner    string
	Sequence uint32
}

// EscrowCreateRequest carries the fields of an escrow creation transaction.
type EscrowCreateRequest struct {
	Owner       string
	Beneficiary string
	AmountDrops int64
	Condition   []byte
	CancelAfter time.Time
}

// LedgerEscrow is an escrow object as currently held by the ledger.
type LedgerEscrow struct {
	Ref         EscrowRef
	Beneficiary string
	AmountDrops int64
	Condition   []byte
	CancelAfter time.Time
}

// SettlementKind names the transaction that removed an escrow from the ledger.
type SettlementKind string

const (
	SettlementFinish SettlementKind = "finish"
	SettlementCancel SettlementKind = "cancel"
)

// LedgerSettlement is a validated, successful finish or cancel found in
// ledger history.
type LedgerSettlement struct {
	TxRef string
	Kind  SettlementKind
}

// Ledger is the driven port for the external settlement ledger. It reports
// outcomes and never decides escrow state.
type Ledger interface {
	SubmitEscrowCreate(ctx context.Context, req EscrowCreateRequest) (LedgerResult, error)
	SubmitEscrowFinish(ctx context.Context, ref EscrowRef, cond, fulfillment []byte) (LedgerResult, error)
	SubmitEscrowCancel(ctx context.Context, ref EscrowRef) (LedgerResult, error)

	// LookupEscrow returns the escrow object, or (nil, nil) if the ledger no
	// longer holds it.
	LookupEscrow(ctx context.Context, ref EscrowRef) (*LedgerEscrow, error)

	// TransactionStatus reports the current outcome of a previously submitted transaction.
	TransactionStatus(ctx context.Context, txRef string) (LedgerResult, error)

	// FindSettlement searches validated history for the transaction that
	// finished or cancelled the escrow. It returns (nil, nil) if none is found.
	FindSettlement(ctx context.Context, ref EscrowRef) (*LedgerSettlement, error)
}
