package model

import "fmt"

// EscrowEvent is an input to the escrow state machine.
type EscrowEvent string

const (
	EventEvidenceReceived    EscrowEvent = "evidence_received"
	EventVerdictAccept       EscrowEvent = "verdict_accept"
	EventVerdictReject       EscrowEvent = "verdict_reject"
	EventVerdictInconclusive EscrowEvent = "verdict_inconclusive"
	EventValidationAborted   EscrowEvent = "validation_aborted"
	EventUnlockRequested     EscrowEvent = "unlock_requested"
	EventDeadlinePassed      EscrowEvent = "deadline_passed"
	EventCancelRequested     EscrowEvent = "cancel_requested"
)

// transitions is the complete set of legal moves. Anything absent is rejected.
var transitions = map[EscrowStatus]map[EscrowEvent]EscrowStatus{
	EscrowStatusPending: {
		EventEvidenceReceived: EscrowStatusValidating,
		EventDeadlinePassed:   EscrowStatusExpired,
	},
	EscrowStatusValidating: {
		EventVerdictAccept:       EscrowStatusApproved,
		EventVerdictReject:       EscrowStatusRejected,
		EventVerdictInconclusive: EscrowStatusPending,
		EventValidationAborted:   EscrowStatusPending,
		EventDeadlinePassed:      EscrowStatusExpired,
	},
	EscrowStatusApproved: {
		EventUnlockRequested: EscrowStatusUnlocked,
		EventDeadlinePassed:  EscrowStatusExpired,
	},
	EscrowStatusRejected: {
		EventDeadlinePassed:  EscrowStatusExpired,
		EventCancelRequested: EscrowStatusCancelled,
	},
	EscrowStatusExpired: {
		EventCancelRequested: EscrowStatusCancelled,
	},
}

// NextStatus returns the state reached by applying ev in state from, or an
// error wrapping ErrInvalidTransition when the move is not allowed.
func NextStatus(from EscrowStatus, ev EscrowEvent) (EscrowStatus, error) {
	if to, ok := transitions[from][ev]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, from)
}

// CanApply reports whether ev is legal in state from.
func CanApply(from EscrowStatus, ev EscrowEvent) bool {
	_, ok := transitions[from][ev]
	return ok
}
