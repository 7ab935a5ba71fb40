package model

import "time"

// Decision is the oracle's interpretation of a verdict.
type Decision string

const (
	DecisionAccept       Decision = "accept"
	DecisionReject       Decision = "reject"
	DecisionInconclusive Decision = "inconclusive"
)

// Event returns the state machine event a decision produces.
func (d Decision) Event() EscrowEvent {
	switch d {
	case DecisionAccept:
		return EventVerdictAccept
	case DecisionReject:
		return EventVerdictReject
	default:
		return EventVerdictInconclusive
	}
}

// Thresholds configures the decision policy. They are tuned per deployment.
type Thresholds struct {
	AcceptScore   float64
	MinConfidence float64
	RejectScore   float64
}

// DefaultThresholds are used when configuration does not override them.
var DefaultThresholds = Thresholds{
	AcceptScore:   85,
	MinConfidence: 0.8,
	RejectScore:   40,
}

// Verdict is what the validation service returns for a piece of evidence.
type Verdict struct {
	Score      float64
	Confidence float64
	Verified   bool
	Reasoning  string
}

// EvidenceSubmission is a caller's request to validate evidence for an escrow.
// Verdict is set only when an upstream scoring service pushes its result.
type EvidenceSubmission struct {
	EvidenceRef string
	Category    string
	Payload     []byte
	Verdict     *Verdict
}

// ValidationEvidence is an immutable record of evidence that was evaluated.
type ValidationEvidence struct {
	Fingerprint string
	EscrowID    string
	EvidenceRef string
	Category    string
	Score       float64
	Confidence  float64
	Verified    bool
	Reasoning   string
	Decision    Decision
	ReceivedAt  time.Time
}
