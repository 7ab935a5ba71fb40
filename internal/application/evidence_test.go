package application_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/impactescrow/internal/adapter/driven/ledgersim"
	"github.com/ericfisherdev/impactescrow/internal/application"
	"github.com/ericfisherdev/impactescrow/internal/domain/model"
)

func TestSubmitEvidence_AcceptThenUnlock(t *testing.T) {
	h := newHarness(t)
	e := h.create(t)

	res := h.submit(t, e.ID, "ipfs://evidence-1", acceptVerdict)

	assert.Equal(t, model.DecisionAccept, res.Decision)
	assert.Equal(t, model.EscrowStatusApproved, res.Escrow.Status)
	assert.False(t, res.Escrow.DecisionAt.IsZero())
	require.NotNil(t, res.Escrow.LatestScore)
	assert.InDelta(t, 92.0, *res.Escrow.LatestScore, 0.0001)

	unlocked, err := h.svc.Unlock(context.Background(), e.ID)

	require.NoError(t, err)
	assert.Equal(t, model.EscrowStatusUnlocked, unlocked.Status)
	assert.NotEmpty(t, unlocked.UnlockTxRef)
	assert.Empty(t, unlocked.CancelTxRef)
	assert.False(t, unlocked.SettledAt.IsZero())
	assert.Equal(t, int64(5_000_000), h.ledger.Balance(beneficiaryAddress))
	assert.Equal(t, 0, h.ledger.EscrowCount())
	assert.Equal(t, []model.NotificationType{
		model.NotificationEscrowCreated,
		model.NotificationEscrowApproved,
		model.NotificationEscrowUnlocked,
	}, h.publisher.types())
}

func TestSubmitEvidence_RejectThenCancel(t *testing.T) {
	h := newHarness(t)
	e := h.create(t)

	res := h.submit(t, e.ID, "ipfs://evidence-1", rejectVerdict)

	assert.Equal(t, model.DecisionReject, res.Decision)
	assert.Equal(t, model.EscrowStatusRejected, res.Escrow.Status)
	assert.Equal(t, "no planting found", res.Escrow.RejectionReason)

	cancelled, err := h.svc.Cancel(context.Background(), e.ID)

	require.NoError(t, err)
	assert.Equal(t, model.EscrowStatusCancelled, cancelled.Status)
	assert.NotEmpty(t, cancelled.CancelTxRef)
	assert.Empty(t, cancelled.UnlockTxRef)
	assert.Equal(t, int64(0), h.ledger.Balance(donorAddress))
}

func TestSubmitEvidence_InconclusiveReturnsToPending(t *testing.T) {
	h := newHarness(t)
	e := h.create(t)

	res := h.submit(t, e.ID, "ipfs://evidence-1", inconclusiveVerdict)

	assert.Equal(t, model.DecisionInconclusive, res.Decision)
	assert.Equal(t, model.EscrowStatusPending, res.Escrow.Status)
	require.NotNil(t, res.Escrow.LatestScore)
	assert.True(t, res.Escrow.DecisionAt.IsZero())

	again := h.submit(t, e.ID, "ipfs://evidence-2", acceptVerdict)
	assert.Equal(t, model.EscrowStatusApproved, again.Escrow.Status)
}

func TestSubmitEvidence_UnverifiedHighScoreIsInconclusive(t *testing.T) {
	h := newHarness(t)
	e := h.create(t)
	verdict := acceptVerdict
	verdict.Verified = false

	res := h.submit(t, e.ID, "ipfs://evidence-1", verdict)

	assert.Equal(t, model.DecisionInconclusive, res.Decision)
	assert.Equal(t, model.EscrowStatusPending, res.Escrow.Status)
}

func TestSubmitEvidence_DuplicateRefused(t *testing.T) {
	h := newHarness(t)
	e := h.create(t)
	sub := model.EvidenceSubmission{EvidenceRef: "ipfs://evidence-1", Payload: []byte("report")}
	h.validator.set(inconclusiveVerdict, nil)

	_, err := h.svc.SubmitEvidence(context.Background(), e.ID, sub)
	require.NoError(t, err)
	before := h.reload(t, e.ID)

	_, err = h.svc.SubmitEvidence(context.Background(), e.ID, sub)

	require.ErrorIs(t, err, model.ErrDuplicateEvidence)
	assert.Equal(t, model.KindDuplicateEvidence, model.KindOf(err))
	assert.Equal(t, 1, h.validator.callCount())
	assert.Equal(t, before.Version, h.reload(t, e.ID).Version)
}

func TestSubmitEvidence_DuplicateCheckedBeforeStatus(t *testing.T) {
	h := newHarness(t)
	e := h.create(t)
	sub := model.EvidenceSubmission{EvidenceRef: "ipfs://evidence-1", Payload: []byte("report")}

	_, err := h.svc.SubmitEvidence(context.Background(), e.ID, sub)
	require.NoError(t, err)
	require.Equal(t, model.EscrowStatusApproved, h.reload(t, e.ID).Status)

	_, err = h.svc.SubmitEvidence(context.Background(), e.ID, sub)
	require.ErrorIs(t, err, model.ErrDuplicateEvidence)

	_, err = h.svc.SubmitEvidence(context.Background(), e.ID, model.EvidenceSubmission{EvidenceRef: "ipfs://other"})
	require.ErrorIs(t, err, model.ErrEscrowAlreadyTerminal)
}

func TestSubmitEvidence_ValidatorUnavailable(t *testing.T) {
	h := newHarness(t)
	e := h.create(t)
	sub := model.EvidenceSubmission{EvidenceRef: "ipfs://evidence-1"}
	h.validator.set(model.Verdict{}, errors.New("scoring service timeout"))

	_, err := h.svc.SubmitEvidence(context.Background(), e.ID, sub)

	require.ErrorIs(t, err, model.ErrValidationUnavailable)
	assert.True(t, model.IsRetryable(err))
	current := h.reload(t, e.ID)
	assert.Equal(t, model.EscrowStatusPending, current.Status)
	assert.Nil(t, current.LatestScore)

	h.validator.set(acceptVerdict, nil)
	res, err := h.svc.SubmitEvidence(context.Background(), e.ID, sub)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStatusApproved, res.Escrow.Status)
}

func TestSubmitEvidence_RefusedAfterDeadline(t *testing.T) {
	h := newHarness(t)
	e := h.create(t)
	h.clock.Advance(91 * 24 * time.Hour)

	_, err := h.svc.SubmitEvidence(context.Background(), e.ID, model.EvidenceSubmission{EvidenceRef: "late"})

	require.ErrorIs(t, err, model.ErrEscrowExpired)
	assert.Equal(t, 0, h.validator.callCount())
}

func TestSubmitEvidence_RequiresContent(t *testing.T) {
	h := newHarness(t)
	e := h.create(t)

	_, err := h.svc.SubmitEvidence(context.Background(), e.ID, model.EvidenceSubmission{EvidenceRef: "  "})

	require.ErrorIs(t, err, model.ErrInvalidEvidence)
}

func TestSubmitEvidence_UnknownEscrow(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.SubmitEvidence(context.Background(), "missing", model.EvidenceSubmission{EvidenceRef: "x"})

	require.ErrorIs(t, err, model.ErrEscrowNotFound)
}

func TestSubmitEvidence_SanitizesReasoning(t *testing.T) {
	h := newHarness(t)
	e := h.create(t)
	verdict := rejectVerdict
	verdict.Reasoning = "<b>Low</b> canopy coverage"

	res := h.submit(t, e.ID, "ipfs://evidence-1", verdict)

	assert.Equal(t, "Low canopy coverage", res.Escrow.RejectionReason)
	assert.Equal(t, "Low canopy coverage", res.Evidence.Reasoning)
}

func TestSubmitEvidence_AutoSettle(t *testing.T) {
	h := newHarness(t, application.WithAutoSettle(true))
	e := h.create(t)

	res := h.submit(t, e.ID, "ipfs://evidence-1", acceptVerdict)

	assert.Equal(t, model.EscrowStatusUnlocked, res.Escrow.Status)
	assert.Equal(t, 1, h.ledger.Submissions(ledgersim.OpFinish))
}

func TestSubmitEvidence_RecordsEvidence(t *testing.T) {
	h := newHarness(t)
	e := h.create(t)
	h.submit(t, e.ID, "ipfs://evidence-1", inconclusiveVerdict)
	h.clock.Advance(time.Hour)
	h.submit(t, e.ID, "ipfs://evidence-2", acceptVerdict)

	records, err := h.svc.Evidence(context.Background(), e.ID)

	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, model.DecisionInconclusive, records[0].Decision)
	assert.Equal(t, model.DecisionAccept, records[1].Decision)
	assert.Equal(t, "satellite", records[1].Category)
}

func TestSubmitEvidence_RecoversAbandonedValidation(t *testing.T) {
	h := newHarness(t)
	e := h.create(t)

	stuck := e.Clone()
	stuck.Status = model.EscrowStatusValidating
	stuck.PendingSince = h.clock.Now()
	stuck.Version = e.Version + 1
	require.NoError(t, h.store.CompareAndSwap(context.Background(), stuck, e.Version))

	_, err := h.svc.SubmitEvidence(context.Background(), e.ID, model.EvidenceSubmission{EvidenceRef: "a"})
	require.ErrorIs(t, err, model.ErrConcurrencyConflict)

	h.clock.Advance(application.DefaultClaimTTL)
	res := h.submit(t, e.ID, "b", acceptVerdict)
	assert.Equal(t, model.EscrowStatusApproved, res.Escrow.Status)
}
