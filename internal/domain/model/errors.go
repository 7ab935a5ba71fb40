package model

import "errors"

// Input errors. The caller supplied something the engine cannot accept.
var (
	ErrInvalidAmount   = errors.New("amount must be a positive number of drops")
	ErrInvalidDeadline = errors.New("deadline must be in the future")
	ErrInvalidAddress  = errors.New("invalid owner or beneficiary address")
	ErrInvalidEvidence = errors.New("invalid evidence submission")
	ErrInvalidSplit    = errors.New("milestone percentages must be positive and sum to 100")
)

// State errors. The escrow exists but the requested transition is not allowed.
var (
	ErrEscrowNotFound        = errors.New("escrow not found")
	ErrEscrowExpired         = errors.New("escrow deadline has passed")
	ErrEscrowAlreadyTerminal = errors.New("escrow already has a decision")
	ErrEscrowNotApproved     = errors.New("escrow is not approved")
	ErrEscrowNotCancellable  = errors.New("escrow is not expired or rejected")
	ErrEscrowNotExpirable    = errors.New("escrow cannot expire yet")
	ErrInvalidTransition     = errors.New("invalid escrow transition")
	ErrSettlementInProgress  = errors.New("another settlement is in progress")
)

// ErrConcurrencyConflict means a conditional write lost a race to another writer.
var ErrConcurrencyConflict = errors.New("escrow was modified concurrently")

// ErrDuplicateEvidence means an identical evidence fingerprint was already recorded.
var ErrDuplicateEvidence = errors.New("duplicate evidence")

// Ledger errors surfaced by the lifecycle manager.
var (
	ErrLedgerSubmissionFailed = errors.New("ledger escrow creation failed")
	ErrLedgerFinishFailed     = errors.New("ledger escrow finish failed")
	ErrLedgerCancelFailed     = errors.New("ledger escrow cancel failed")
	ErrLedgerRejected         = errors.New("ledger rejected the transaction")
)

// ErrDecryptionFailed means a stored fulfillment could not be decrypted. It
// indicates key or storage corruption and is never retried.
var ErrDecryptionFailed = errors.New("fulfillment decryption failed")

// ErrValidationUnavailable means the validation service could not produce a verdict.
var ErrValidationUnavailable = errors.New("validation service unavailable")

// ErrorKind classifies errors so callers can choose how to respond.
type ErrorKind string

const (
	KindValidationInput      ErrorKind = "validation_input"
	KindNotFound             ErrorKind = "not_found"
	KindInvalidState         ErrorKind = "invalid_state"
	KindConcurrencyConflict  ErrorKind = "concurrency_conflict"
	KindLedgerTransient      ErrorKind = "ledger_transient"
	KindLedgerTerminal       ErrorKind = "ledger_terminal"
	KindDecryptionFailure    ErrorKind = "decryption_failure"
	KindDuplicateEvidence    ErrorKind = "duplicate_evidence"
	KindValidatorUnavailable ErrorKind = "validator_unavailable"
	KindInternal             ErrorKind = "internal"
)

var errorKinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidAmount, KindValidationInput},
	{ErrInvalidDeadline, KindValidationInput},
	{ErrInvalidAddress, KindValidationInput},
	{ErrInvalidEvidence, KindValidationInput},
	{ErrInvalidSplit, KindValidationInput},
	{ErrEscrowNotFound, KindNotFound},
	{ErrEscrowExpired, KindInvalidState},
	{ErrEscrowAlreadyTerminal, KindInvalidState},
	{ErrEscrowNotApproved, KindInvalidState},
	{ErrEscrowNotCancellable, KindInvalidState},
	{ErrEscrowNotExpirable, KindInvalidState},
	{ErrInvalidTransition, KindInvalidState},
	{ErrSettlementInProgress, KindConcurrencyConflict},
	{ErrConcurrencyConflict, KindConcurrencyConflict},
	{ErrDuplicateEvidence, KindDuplicateEvidence},
	{ErrDecryptionFailed, KindDecryptionFailure},
	{ErrLedgerRejected, KindLedgerTerminal},
	{ErrLedgerSubmissionFailed, KindLedgerTransient},
	{ErrLedgerFinishFailed, KindLedgerTransient},
	{ErrLedgerCancelFailed, KindLedgerTransient},
	{ErrValidationUnavailable, KindValidatorUnavailable},
}

// KindOf returns the classification of err. Ledger rejections take precedence
// over the operation-specific ledger errors they are usually wrapped with.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.kind
		}
	}
	return KindInternal
}

// IsRetryable reports whether the failure may succeed if attempted again.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindConcurrencyConflict, KindLedgerTransient, KindValidatorUnavailable:
		return true
	default:
		return false
	}
}
