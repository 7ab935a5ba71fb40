package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/ericfisherdev/impactescrow/internal/application"
	"github.com/ericfisherdev/impactescrow/internal/domain/model"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshaling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// errorResponse is the standard error response body. Kind is set for errors
// raised by the escrow engine.
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

// milestoneErrorResponse reports a milestone split that failed part way.
type milestoneErrorResponse struct {
	errorResponse
	Created []EscrowResponse `json:"created"`
}

// MetadataJSON is the descriptive project data attached to an escrow.
type MetadataJSON struct {
	ProjectID   string `json:"project_id,omitempty"`
	ProjectName string `json:"project_name,omitempty"`
	Description string `json:"description,omitempty"`
	Region      string `json:"region,omitempty"`
}

// CreateEscrowRequest is the JSON body for the create escrow endpoint. A
// missing deadline is derived from governance parameters.
type CreateEscrowRequest struct {
	OwnerAddress       string       `json:"owner_address"`
	BeneficiaryAddress string       `json:"beneficiary_address"`
	AmountDrops        int64        `json:"amount_drops"`
	Deadline           *time.Time   `json:"deadline,omitempty"`
	Metadata           MetadataJSON `json:"metadata"`
}

// MilestoneJSON is one tranche of a milestone donation.
type MilestoneJSON struct {
	Percentage  int        `json:"percentage"`
	Description string     `json:"description"`
	Deadline    *time.Time `json:"deadline,omitempty"`
}

// CreateMilestonesRequest is the JSON body for the milestone endpoint.
type CreateMilestonesRequest struct {
	CreateEscrowRequest
	Milestones []MilestoneJSON `json:"milestones"`
}

// VerdictJSON is a verdict pushed by the scoring service with its evidence.
type VerdictJSON struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Verified   bool    `json:"verified"`
	Reasoning  string  `json:"reasoning"`
}

// SubmitEvidenceRequest is the JSON body for the evidence endpoint. Payload
// is base64 encoded.
type SubmitEvidenceRequest struct {
	EvidenceRef string       `json:"evidence_ref"`
	Category    string       `json:"category,omitempty"`
	Payload     []byte       `json:"payload,omitempty"`
	Verdict     *VerdictJSON `json:"verdict,omitempty"`
}

// MilestoneResponse links a child escrow to its donation.
type MilestoneResponse struct {
	ParentID    string `json:"parent_id"`
	Index       int    `json:"index"`
	Total       int    `json:"total"`
	Description string `json:"description,omitempty"`
}

// EscrowResponse is the JSON representation of an escrow. It is built from
// model.EscrowView and therefore never carries fulfillment material.
type EscrowResponse struct {
	ID                 string             `json:"id"`
	Status             string             `json:"status"`
	OwnerAddress       string             `json:"owner_address"`
	BeneficiaryAddress string             `json:"beneficiary_address"`
	AmountDrops        int64              `json:"amount_drops"`
	Amount             string             `json:"amount"`
	LedgerSequence     uint32             `json:"ledger_sequence"`
	CreationTxRef      string             `json:"creation_tx_ref"`
	Condition          string             `json:"condition"`
	Deadline           string             `json:"deadline"`
	CreatedAt          string             `json:"created_at"`
	DecisionAt         string             `json:"decision_at,omitempty"`
	SettledAt          string             `json:"settled_at,omitempty"`
	LatestScore        *float64           `json:"latest_score,omitempty"`
	LatestConfidence   *float64           `json:"latest_confidence,omitempty"`
	RejectionReason    string             `json:"rejection_reason,omitempty"`
	UnlockTxRef        string             `json:"unlock_tx_ref,omitempty"`
	CancelTxRef        string             `json:"cancel_tx_ref,omitempty"`
	SettlementPending  bool               `json:"settlement_pending"`
	ParametersSource   string             `json:"parameters_source"`
	Metadata           MetadataJSON       `json:"metadata"`
	Milestone          *MilestoneResponse `json:"milestone,omitempty"`
}

// EvidenceResponse is the JSON representation of evaluated evidence.
type EvidenceResponse struct {
	Fingerprint string  `json:"fingerprint"`
	EvidenceRef string  `json:"evidence_ref"`
	Category    string  `json:"category,omitempty"`
	Score       float64 `json:"score"`
	Confidence  float64 `json:"confidence"`
	Verified    bool    `json:"verified"`
	Reasoning   string  `json:"reasoning,omitempty"`
	Decision    string  `json:"decision"`
	ReceivedAt  string  `json:"received_at"`
}

// EvidenceResultResponse is returned after evidence is evaluated.
type EvidenceResultResponse struct {
	Decision string           `json:"decision"`
	Escrow   EscrowResponse   `json:"escrow"`
	Evidence EvidenceResponse `json:"evidence"`
}

// SweepResponse reports a manual expiry sweep.
type SweepResponse struct {
	Due       int `json:"due"`
	Expired   int `json:"expired"`
	Cancelled int `json:"cancelled"`
	Skipped   int `json:"skipped"`
	Errors    int `json:"errors"`
	Rejected  int `json:"rejected"`
}

// HealthResponse is the JSON representation of the health check endpoint.
type HealthResponse struct {
	Status     string            `json:"status"`
	Time       string            `json:"time"`
	Components map[string]string `json:"components,omitempty"`
}

// formatTime renders t as RFC 3339 in UTC, or "" for the zero time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// toEscrowResponse converts a domain Escrow to its JSON response representation.
func toEscrowResponse(e model.Escrow) EscrowResponse {
	v := e.PublicView()

	resp := EscrowResponse{
		ID:                 v.ID,
		Status:             string(v.Status),
		OwnerAddress:       v.OwnerAddress,
		BeneficiaryAddress: v.BeneficiaryAddress,
		AmountDrops:        v.AmountDrops,
		Amount:             v.AmountDisplay,
		LedgerSequence:     v.LedgerSequence,
		CreationTxRef:      v.CreationTxRef,
		Condition:          v.ConditionEncoded,
		Deadline:           formatTime(v.Deadline),
		CreatedAt:          formatTime(v.CreatedAt),
		DecisionAt:         formatTime(v.DecisionAt),
		SettledAt:          formatTime(v.SettledAt),
		LatestScore:        v.LatestScore,
		LatestConfidence:   v.LatestConfidence,
		RejectionReason:    v.RejectionReason,
		UnlockTxRef:        v.UnlockTxRef,
		CancelTxRef:        v.CancelTxRef,
		SettlementPending:  v.SettlementPending,
		ParametersSource:   string(v.ParametersSource),
		Metadata: MetadataJSON{
			ProjectID:   v.Metadata.ProjectID,
			ProjectName: v.Metadata.ProjectName,
			Description: v.Metadata.Description,
			Region:      v.Metadata.Region,
		},
	}
	if v.Milestone != nil {
		resp.Milestone = &MilestoneResponse{
			ParentID:    v.Milestone.ParentID,
			Index:       v.Milestone.Index,
			Total:       v.Milestone.Total,
			Description: v.Milestone.Description,
		}
	}
	return resp
}

func toEscrowResponses(escrows []*model.Escrow) []EscrowResponse {
	resp := make([]EscrowResponse, 0, len(escrows))
	for _, e := range escrows {
		resp = append(resp, toEscrowResponse(*e))
	}
	return resp
}

// toEvidenceResponse converts a domain ValidationEvidence to its JSON representation.
func toEvidenceResponse(ev model.ValidationEvidence) EvidenceResponse {
	return EvidenceResponse{
		Fingerprint: ev.Fingerprint,
		EvidenceRef: ev.EvidenceRef,
		Category:    ev.Category,
		Score:       ev.Score,
		Confidence:  ev.Confidence,
		Verified:    ev.Verified,
		Reasoning:   ev.Reasoning,
		Decision:    string(ev.Decision),
		ReceivedAt:  formatTime(ev.ReceivedAt),
	}
}

func toSweepResponse(r application.SweepResult) SweepResponse {
	return SweepResponse{
		Due:       r.Due,
		Expired:   r.Expired,
		Cancelled: r.Cancelled,
		Skipped:   r.Skipped,
		Errors:    r.Errors,
		Rejected:  r.Rejected,
	}
}

func (r CreateEscrowRequest) toCreateRequest(idempotencyKey string) application.CreateRequest {
	req := application.CreateRequest{
		OwnerAddress:       r.OwnerAddress,
		BeneficiaryAddress: r.BeneficiaryAddress,
		AmountDrops:        r.AmountDrops,
		Metadata: model.ProjectMetadata{
			ProjectID:   r.Metadata.ProjectID,
			ProjectName: r.Metadata.ProjectName,
			Description: r.Metadata.Description,
			Region:      r.Metadata.Region,
		},
		IdempotencyKey: idempotencyKey,
	}
	if r.Deadline != nil {
		req.Deadline = *r.Deadline
	}
	return req
}

func (r SubmitEvidenceRequest) toSubmission() model.EvidenceSubmission {
	sub := model.EvidenceSubmission{
		EvidenceRef: r.EvidenceRef,
		Category:    r.Category,
		Payload:     r.Payload,
	}
	if r.Verdict != nil {
		sub.Verdict = &model.Verdict{
			Score:      r.Verdict.Score,
			Confidence: r.Verdict.Confidence,
			Verified:   r.Verdict.Verified,
			Reasoning:  r.Verdict.Reasoning,
		}
	}
	return sub
}
