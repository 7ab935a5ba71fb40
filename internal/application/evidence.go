package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
)

// EvidenceResult is the outcome of a SubmitEvidence call.
type EvidenceResult struct {
	Escrow   *model.Escrow
	Evidence model.ValidationEvidence
	Decision model.Decision
}

// SubmitEvidence validates evidence for a Pending escrow and applies the
// oracle decision. Identical evidence is refused as a duplicate before any
// status check, so a replay never reaches the validator.
func (s *EscrowService) SubmitEvidence(ctx context.Context, id string, sub model.EvidenceSubmission) (*EvidenceResult, error) {
	sub.EvidenceRef = strings.TrimSpace(sub.EvidenceRef)
	if sub.EvidenceRef == "" && len(sub.Payload) == 0 {
		return nil, fmt.Errorf("%w: evidence reference or payload is required", model.ErrInvalidEvidence)
	}

	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}

	fp, err := EvidenceFingerprint(id, sub)
	if err != nil {
		return nil, err
	}
	ev := model.ValidationEvidence{
		Fingerprint: fp,
		EscrowID:    id,
		EvidenceRef: sub.EvidenceRef,
		Category:    strings.TrimSpace(s.sanitizer.Sanitize(sub.Category)),
		ReceivedAt:  s.now().UTC(),
	}
	if err := s.evidence.Reserve(ctx, ev); err != nil {
		return nil, err
	}

	res, err := s.evaluate(ctx, e, ev, sub)
	if err != nil {
		if rerr := s.evidence.Release(ctx, fp); rerr != nil {
			slog.Error("failed to release evidence reservation", "escrow_id", id, "error", rerr)
		}
		return nil, err
	}

	if s.autoSettle && res.Decision == model.DecisionAccept {
		unlocked, err := s.Unlock(ctx, id)
		if err != nil {
			slog.Warn("automatic unlock failed, escrow remains approved", "escrow_id", id, "error", err)
		} else {
			res.Escrow = unlocked
		}
	}
	return res, nil
}

func (s *EscrowService) evaluate(ctx context.Context, e *model.Escrow, ev model.ValidationEvidence, sub model.EvidenceSubmission) (*EvidenceResult, error) {
	now := s.now()

	if e.Status == model.EscrowStatusValidating && now.Sub(e.PendingSince) >= s.claimTTL {
		recovered, err := s.abortValidation(ctx, *e)
		if err != nil {
			return nil, err
		}
		slog.Warn("recovered abandoned validation", "escrow_id", e.ID)
		e = recovered
	}
	if err := acceptsEvidence(*e, now); err != nil {
		return nil, err
	}

	validating := e.Clone()
	next, err := model.NextStatus(e.Status, model.EventEvidenceReceived)
	if err != nil {
		return nil, err
	}
	validating.Status = next
	validating.PendingSince = now
	validating.Version = e.Version + 1
	if err := s.escrows.CompareAndSwap(ctx, validating, e.Version); err != nil {
		return nil, err
	}

	verdict, err := s.validator.Validate(ctx, e.ID, sub)
	if err != nil {
		if _, aerr := s.abortValidation(ctx, validating); aerr != nil {
			slog.Error("failed to return escrow to pending after validator failure", "escrow_id", e.ID, "error", aerr)
		}
		if !errors.Is(err, model.ErrValidationUnavailable) {
			err = fmt.Errorf("%w: %w", model.ErrValidationUnavailable, err)
		}
		return nil, err
	}

	decision := s.oracle.DecideVerdict(verdict)
	decidedAt := s.now()
	reasoning := strings.TrimSpace(s.sanitizer.Sanitize(verdict.Reasoning))

	ev.Score = verdict.Score
	ev.Confidence = verdict.Confidence
	ev.Verified = verdict.Verified
	ev.Reasoning = reasoning
	ev.Decision = decision

	event := decision.Event()
	if validating.IsPastDeadline(decidedAt) {
		event = model.EventDeadlinePassed
	}

	decided := validating.Clone()
	if decided.Status, err = model.NextStatus(validating.Status, event); err != nil {
		return nil, err
	}
	score, confidence := verdict.Score, verdict.Confidence
	decided.LatestScore = &score
	decided.LatestConfidence = &confidence
	decided.ClearClaim()
	decided.Version = validating.Version + 1
	switch decided.Status {
	case model.EscrowStatusApproved:
		decided.DecisionAt = decidedAt.UTC()
	case model.EscrowStatusRejected:
		decided.DecisionAt = decidedAt.UTC()
		decided.RejectionReason = reasoning
		if decided.RejectionReason == "" {
			decided.RejectionReason = fmt.Sprintf("score %.1f below rejection threshold", verdict.Score)
		}
	}

	if err := s.escrows.CompareAndSwap(ctx, decided, validating.Version); err != nil {
		return nil, fmt.Errorf("recording %s decision: %w", decision, err)
	}
	if err := s.evidence.Complete(ctx, ev); err != nil {
		slog.Error("failed to record evidence verdict", "escrow_id", e.ID, "fingerprint", ev.Fingerprint, "error", err)
	}

	slog.Info("evidence evaluated",
		"escrow_id", e.ID,
		"decision", decision,
		"score", verdict.Score,
		"confidence", verdict.Confidence,
		"status", decided.Status,
	)

	switch decided.Status {
	case model.EscrowStatusApproved:
		s.notify(ctx, model.NotificationEscrowApproved, &decided, "", "")
	case model.EscrowStatusRejected:
		s.notify(ctx, model.NotificationEscrowRejected, &decided, "", decided.RejectionReason)
	case model.EscrowStatusExpired:
		s.notify(ctx, model.NotificationEscrowExpired, &decided, "", "deadline passed during validation")
		return nil, fmt.Errorf("%w: deadline passed during validation", model.ErrEscrowExpired)
	default:
		s.notify(ctx, model.NotificationEscrowInconclusive, &decided, "", reasoning)
	}

	return &EvidenceResult{Escrow: &decided, Evidence: ev, Decision: decision}, nil
}

// abortValidation returns a Validating escrow to Pending.
func (s *EscrowService) abortValidation(ctx context.Context, e model.Escrow) (*model.Escrow, error) {
	pending := e.Clone()
	next, err := model.NextStatus(e.Status, model.EventValidationAborted)
	if err != nil {
		return nil, err
	}
	pending.Status = next
	pending.ClearClaim()
	pending.Version = e.Version + 1
	if err := s.escrows.CompareAndSwap(ctx, pending, e.Version); err != nil {
		return nil, err
	}
	return &pending, nil
}

// acceptsEvidence reports why an escrow cannot take evidence right now.
func acceptsEvidence(e model.Escrow, now time.Time) error {
	switch e.Status {
	case model.EscrowStatusPending:
		if e.IsPastDeadline(now) {
			return fmt.Errorf("%w: deadline was %s", model.ErrEscrowExpired, e.Deadline.Format(time.RFC3339))
		}
		return nil
	case model.EscrowStatusValidating:
		return fmt.Errorf("%w: validation already in progress", model.ErrConcurrencyConflict)
	case model.EscrowStatusExpired:
		return model.ErrEscrowExpired
	default:
		return fmt.Errorf("%w: escrow is %s", model.ErrEscrowAlreadyTerminal, e.Status)
	}
}
