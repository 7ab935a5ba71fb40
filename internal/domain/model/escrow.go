package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// dropsExponent is the power of ten between drops and one whole ledger unit.
const dropsExponent = 6

// EscrowStatus is the closed set of lifecycle states an escrow can be in.
type EscrowStatus string

const (
	EscrowStatusPending    EscrowStatus = "pending"
	EscrowStatusValidating EscrowStatus = "validating"
	EscrowStatusApproved   EscrowStatus = "approved"
	EscrowStatusRejected   EscrowStatus = "rejected"
	EscrowStatusUnlocked   EscrowStatus = "unlocked"
	EscrowStatusCancelled  EscrowStatus = "cancelled"
	EscrowStatusExpired    EscrowStatus = "expired"
)

// AllEscrowStatuses lists every status in lifecycle order.
var AllEscrowStatuses = []EscrowStatus{
	EscrowStatusPending,
	EscrowStatusValidating,
	EscrowStatusApproved,
	EscrowStatusRejected,
	EscrowStatusUnlocked,
	EscrowStatusCancelled,
	EscrowStatusExpired,
}

// ParseEscrowStatus converts a stored or user-supplied string into an EscrowStatus.
func ParseEscrowStatus(s string) (EscrowStatus, bool) {
	for _, st := range AllEscrowStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// IsTerminal reports whether the status can never change again.
func (s EscrowStatus) IsTerminal() bool {
	return s == EscrowStatusUnlocked || s == EscrowStatusCancelled
}

// PendingOp names a settlement operation that has been claimed but not yet
// confirmed by the ledger.
type PendingOp string

const (
	PendingOpNone   PendingOp = ""
	PendingOpUnlock PendingOp = "unlock"
	PendingOpCancel PendingOp = "cancel"
)

// ParametersSource records which strategy produced the escrow's tunable parameters.
type ParametersSource string

const (
	ParametersSourceRequest  ParametersSource = "request"
	ParametersSourceAdvisory ParametersSource = "advisory"
	ParametersSourceDefault  ParametersSource = "default"
)

// ProjectMetadata is descriptive data attached to an escrow by the donor.
// It plays no part in settlement.
type ProjectMetadata struct {
	ProjectID   string
	ProjectName string
	Description string
	Region      string
}

// Milestone links a child escrow to the donation it was split from.
type Milestone struct {
	ParentID    string
	Index       int
	Total       int
	Description string
}

// Escrow is the central settlement entity. EncryptedFulfillment is the only
// representation of the secret that ever leaves memory.
type Escrow struct {
	ID             string
	LedgerSequence uint32
	CreationTxRef  string

	OwnerAddress       string
	BeneficiaryAddress string

	AmountDrops int64

	ConditionEncoded     string
	EncryptedFulfillment string

	Deadline   time.Time
	CreatedAt  time.Time
	DecisionAt time.Time
	SettledAt  time.Time

	LatestScore      *float64
	LatestConfidence *float64
	RejectionReason  string

	UnlockTxRef string
	CancelTxRef string

	Status  EscrowStatus
	Version int64

	PendingOp    PendingOp
	PendingSince time.Time
	PendingTxRef string

	Metadata         ProjectMetadata
	Milestone        *Milestone
	ParametersSource ParametersSource
}

// AmountDisplay returns the amount in whole ledger units with six decimal places.
func (e Escrow) AmountDisplay() decimal.Decimal {
	return decimal.NewFromInt(e.AmountDrops).Shift(-dropsExponent)
}

// IsPastDeadline reports whether now is at or after the escrow deadline.
func (e Escrow) IsPastDeadline(now time.Time) bool {
	return !now.Before(e.Deadline)
}

// HasSettlementInFlight reports whether a claimed settlement is younger than ttl.
// Claims older than ttl are considered abandoned and may be taken over.
func (e Escrow) HasSettlementInFlight(now time.Time, ttl time.Duration) bool {
	if e.PendingOp == PendingOpNone {
		return false
	}
	return now.Sub(e.PendingSince) < ttl
}

// ClearClaim drops any settlement claim.
func (e *Escrow) ClearClaim() {
	e.PendingOp = PendingOpNone
	e.PendingSince = time.Time{}
	e.PendingTxRef = ""
}

// Clone returns a deep copy so callers can mutate a candidate without touching
// the loaded record.
func (e Escrow) Clone() Escrow {
	c := e
	if e.LatestScore != nil {
		v := *e.LatestScore
		c.LatestScore = &v
	}
	if e.LatestConfidence != nil {
		v := *e.LatestConfidence
		c.LatestConfidence = &v
	}
	if e.Milestone != nil {
		m := *e.Milestone
		c.Milestone = &m
	}
	return c
}

// EscrowView is the public projection of an Escrow. It has no field that can
// carry the encrypted or plaintext fulfillment.
type EscrowView struct {
	ID                 string
	LedgerSequence     uint32
	CreationTxRef      string
	OwnerAddress       string
	BeneficiaryAddress string
	AmountDrops        int64
	AmountDisplay      string
	ConditionEncoded   string
	Deadline           time.Time
	CreatedAt          time.Time
	DecisionAt         time.Time
	SettledAt          time.Time
	LatestScore        *float64
	LatestConfidence   *float64
	RejectionReason    string
	UnlockTxRef        string
	CancelTxRef        string
	Status             EscrowStatus
	SettlementPending  bool
	Metadata           ProjectMetadata
	Milestone          *Milestone
	ParametersSource   ParametersSource
}

// PublicView projects the escrow for callers outside the engine.
func (e Escrow) PublicView() EscrowView {
	c := e.Clone()
	return EscrowView{
		ID:                 c.ID,
		LedgerSequence:     c.LedgerSequence,
		CreationTxRef:      c.CreationTxRef,
		OwnerAddress:       c.OwnerAddress,
		BeneficiaryAddress: c.BeneficiaryAddress,
		AmountDrops:        c.AmountDrops,
		AmountDisplay:      c.AmountDisplay().StringFixed(dropsExponent),
		ConditionEncoded:   c.ConditionEncoded,
		Deadline:           c.Deadline,
		CreatedAt:          c.CreatedAt,
		DecisionAt:         c.DecisionAt,
		SettledAt:          c.SettledAt,
		LatestScore:        c.LatestScore,
		LatestConfidence:   c.LatestConfidence,
		RejectionReason:    c.RejectionReason,
		UnlockTxRef:        c.UnlockTxRef,
		CancelTxRef:        c.CancelTxRef,
		Status:             c.Status,
		SettlementPending:  c.PendingOp != PendingOpNone,
		Metadata:           c.Metadata,
		Milestone:          c.Milestone,
		ParametersSource:   c.ParametersSource,
	}
}

// EscrowFilter narrows escrow listings. Zero values mean "any". Listings are
// newest first unless ByDeadline is set.
type EscrowFilter struct {
	Status       EscrowStatus
	OwnerAddress string
	ParentID     string
	Limit        int
	Offset       int

	// ByDeadline orders by earliest deadline first.
	ByDeadline bool
}
