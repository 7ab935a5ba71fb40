package application

import (
	"fmt"
	"math"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
)

// OracleGateway turns validation verdicts into decisions using configured
// thresholds.
type OracleGateway struct {
	thresholds model.Thresholds
}

// NewOracleGateway validates the thresholds and returns a gateway.
func NewOracleGateway(t model.Thresholds) (*OracleGateway, error) {
	switch {
	case t.AcceptScore < 0 || t.AcceptScore > 100:
		return nil, fmt.Errorf("accept score %v must be within [0, 100]", t.AcceptScore)
	case t.RejectScore < 0 || t.RejectScore > t.AcceptScore:
		return nil, fmt.Errorf("reject score %v must be within [0, %v]", t.RejectScore, t.AcceptScore)
	case t.MinConfidence < 0 || t.MinConfidence > 1:
		return nil, fmt.Errorf("min confidence %v must be within [0, 1]", t.MinConfidence)
	}
	return &OracleGateway{thresholds: t}, nil
}

// Thresholds returns the active thresholds.
func (g *OracleGateway) Thresholds() model.Thresholds {
	return g.thresholds
}

// Decide applies the threshold policy. Scores outside [0, 100] or confidences
// outside [0, 1] are never trusted and yield Inconclusive.
func (g *OracleGateway) Decide(score, confidence float64) model.Decision {
	if math.IsNaN(score) || math.IsNaN(confidence) ||
		score < 0 || score > 100 || confidence < 0 || confidence > 1 {
		return model.DecisionInconclusive
	}

	switch {
	case score >= g.thresholds.AcceptScore && confidence >= g.thresholds.MinConfidence:
		return model.DecisionAccept
	case score < g.thresholds.RejectScore:
		return model.DecisionReject
	default:
		return model.DecisionInconclusive
	}
}

// DecideVerdict is Decide with the verified flag applied: an unverified
// verdict can reject but never accept.
func (g *OracleGateway) DecideVerdict(v model.Verdict) model.Decision {
	d := g.Decide(v.Score, v.Confidence)
	if d == model.DecisionAccept && !v.Verified {
		return model.DecisionInconclusive
	}
	return d
}
