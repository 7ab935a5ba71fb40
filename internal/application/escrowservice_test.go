package application_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/impactescrow/internal/adapter/driven/ledgersim"
	"github.com/ericfisherdev/impactescrow/internal/application"
	"github.com/ericfisherdev/impactescrow/internal/domain/model"
	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

func TestEscrowService_CreateLocksFundsAndPersistsPending(t *testing.T) {
	h := newHarness(t)

	e := h.create(t)

	assert.Equal(t, model.EscrowStatusPending, e.Status)
	assert.Equal(t, int64(1), e.Version)
	assert.True(t, strings.HasPrefix(e.ConditionEncoded, "A0258020"))
	assert.NotEmpty(t, e.CreationTxRef)
	assert.Equal(t, uint32(1), e.LedgerSequence)
	assert.Equal(t, model.ParametersSourceRequest, e.ParametersSource)
	assert.Equal(t, "5.000000", e.PublicView().AmountDisplay)

	stored := h.reload(t, e.ID)
	assert.Equal(t, e.EncryptedFulfillment, stored.EncryptedFulfillment)
	assert.True(t, strings.HasPrefix(stored.EncryptedFulfillment, "v1:"))

	assert.Equal(t, 1, h.ledger.EscrowCount())
	assert.Equal(t, int64(-5_000_000), h.ledger.Balance(donorAddress))
	assert.Equal(t, []model.NotificationType{model.NotificationEscrowCreated}, h.publisher.types())
}

func TestEscrowService_CreateRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*application.CreateRequest)
		wantErr error
	}{
		{
			name:    "zero amount",
			modify:  func(r *application.CreateRequest) { r.AmountDrops = 0 },
			wantErr: model.ErrInvalidAmount,
		},
		{
			name:    "negative amount",
			modify:  func(r *application.CreateRequest) { r.AmountDrops = -1 },
			wantErr: model.ErrInvalidAmount,
		},
		{
			name:    "malformed owner",
			modify:  func(r *application.CreateRequest) { r.OwnerAddress = "not-an-address" },
			wantErr: model.ErrInvalidAddress,
		},
		{
			name:    "empty beneficiary",
			modify:  func(r *application.CreateRequest) { r.BeneficiaryAddress = "" },
			wantErr: model.ErrInvalidAddress,
		},
		{
			name:    "self escrow",
			modify:  func(r *application.CreateRequest) { r.BeneficiaryAddress = r.OwnerAddress },
			wantErr: model.ErrInvalidAddress,
		},
		{
			name:    "deadline in the past",
			modify:  func(r *application.CreateRequest) { r.Deadline = r.Deadline.Add(-100 * 24 * time.Hour) },
			wantErr: model.ErrInvalidDeadline,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			req := h.createRequest()
			tc.modify(&req)

			_, err := h.svc.Create(context.Background(), req)

			require.ErrorIs(t, err, tc.wantErr)
			assert.Equal(t, model.KindValidationInput, model.KindOf(err))
			assert.Equal(t, 0, h.ledger.Submissions(ledgersim.OpCreate))
		})
	}
}

func TestEscrowService_CreateDerivesDeadlineFromParameters(t *testing.T) {
	t.Run("advisory", func(t *testing.T) {
		advisor := &stubAdvisor{params: model.Parameters{TimeoutDays: 30}}
		h := newHarnessWith(t, harnessConfig{deps: func(d *application.EscrowDeps) {
			d.Parameters = application.NewParameterProvider(advisor, model.DefaultParameters())
		}})
		req := h.createRequest()
		req.Deadline = time.Time{}

		e, err := h.svc.Create(context.Background(), req)

		require.NoError(t, err)
		assert.Equal(t, model.ParametersSourceAdvisory, e.ParametersSource)
		assert.Equal(t, h.clock.Now().Add(30*24*time.Hour), e.Deadline)
	})

	t.Run("advisory unavailable falls back to default", func(t *testing.T) {
		advisor := &stubAdvisor{err: errors.New("connection refused")}
		h := newHarnessWith(t, harnessConfig{deps: func(d *application.EscrowDeps) {
			d.Parameters = application.NewParameterProvider(advisor, model.DefaultParameters())
		}})
		req := h.createRequest()
		req.Deadline = time.Time{}

		e, err := h.svc.Create(context.Background(), req)

		require.NoError(t, err)
		assert.Equal(t, model.ParametersSourceDefault, e.ParametersSource)
		assert.Equal(t, h.clock.Now().Add(60*24*time.Hour), e.Deadline)
	})
}

func TestEscrowService_CreateLedgerFailurePersistsNothing(t *testing.T) {
	h := newHarness(t)
	h.ledger.FailNext(ledgersim.OpCreate, errors.New("signing key rejected"))

	_, err := h.svc.Create(context.Background(), h.createRequest())

	require.ErrorIs(t, err, model.ErrLedgerSubmissionFailed)
	list, err := h.svc.List(context.Background(), model.EscrowFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, h.publisher.types())
}

func TestEscrowService_CreateRetriesTransientLedgerFailure(t *testing.T) {
	h := newHarness(t)
	h.ledger.FailNext(ledgersim.OpCreate, driven.ErrLedgerTransient)

	e, err := h.svc.Create(context.Background(), h.createRequest())

	require.NoError(t, err)
	assert.Equal(t, model.EscrowStatusPending, e.Status)
	assert.Equal(t, 2, h.ledger.Submissions(ledgersim.OpCreate))
	assert.Equal(t, 1, h.ledger.EscrowCount())
}

func TestEscrowService_CreateResolvesUnknownOutcome(t *testing.T) {
	h := newHarness(t)
	h.ledger.TimeoutAfterApply(ledgersim.OpCreate, driven.ErrLedgerOutcomeUnknown)

	e, err := h.svc.Create(context.Background(), h.createRequest())

	require.NoError(t, err)
	assert.Equal(t, 1, h.ledger.Submissions(ledgersim.OpCreate))
	assert.Equal(t, 1, h.ledger.EscrowCount())
	assert.NotEmpty(t, e.CreationTxRef)
}

func TestEscrowService_CreateIdempotencyKeyReplay(t *testing.T) {
	h := newHarness(t)
	req := h.createRequest()
	req.IdempotencyKey = "donation-7781"

	first, err := h.svc.Create(context.Background(), req)
	require.NoError(t, err)
	second, err := h.svc.Create(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, h.ledger.Submissions(ledgersim.OpCreate))
}

func TestEscrowService_CreateIdempotencyKeyReleasedOnFailure(t *testing.T) {
	h := newHarness(t)
	req := h.createRequest()
	req.IdempotencyKey = "donation-7782"
	h.ledger.FailNext(ledgersim.OpCreate, errors.New("boom"))

	_, err := h.svc.Create(context.Background(), req)
	require.Error(t, err)

	e, err := h.svc.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStatusPending, e.Status)
}

func TestEscrowService_CreateIdempotencyKeyHeldWhileOutcomeUnknown(t *testing.T) {
	h := newHarness(t)
	req := h.createRequest()
	req.IdempotencyKey = "donation-7783"
	h.ledger.FailNext(ledgersim.OpCreate, driven.ErrLedgerOutcomeUnknown)

	_, err := h.svc.Create(context.Background(), req)
	require.ErrorIs(t, err, driven.ErrLedgerOutcomeUnknown)

	_, err = h.svc.Create(context.Background(), req)
	require.ErrorIs(t, err, model.ErrConcurrencyConflict)
	assert.Equal(t, 1, h.ledger.Submissions(ledgersim.OpCreate))
}

func TestEscrowService_CreateSanitizesMetadata(t *testing.T) {
	h := newHarness(t)
	req := h.createRequest()
	req.Metadata.ProjectName = "<b>Mangroves</b>"

	e, err := h.svc.Create(context.Background(), req)

	require.NoError(t, err)
	assert.Equal(t, "Mangroves", e.Metadata.ProjectName)
}

func TestEscrowService_CreateMilestones(t *testing.T) {
	h := newHarness(t)
	req := h.createRequest()
	req.AmountDrops = 10_000_001

	created, err := h.svc.CreateMilestones(context.Background(), req, []application.MilestoneRequest{
		{Percentage: 30, Description: "nursery"},
		{Percentage: 30, Description: "planting"},
		{Percentage: 40, Description: "survival audit", Deadline: h.clock.Now().Add(180 * 24 * time.Hour)},
	})

	require.NoError(t, err)
	require.Len(t, created, 3)

	var total int64
	for i, e := range created {
		require.NotNil(t, e.Milestone)
		assert.Equal(t, created[0].Milestone.ParentID, e.Milestone.ParentID)
		assert.Equal(t, i+1, e.Milestone.Index)
		assert.Equal(t, 3, e.Milestone.Total)
		total += e.AmountDrops
	}
	assert.Equal(t, int64(3_000_000), created[0].AmountDrops)
	assert.Equal(t, int64(3_000_000), created[1].AmountDrops)
	assert.Equal(t, int64(4_000_001), created[2].AmountDrops)
	assert.Equal(t, req.AmountDrops, total)
	assert.Equal(t, h.clock.Now().Add(180*24*time.Hour), created[2].Deadline)

	children, err := h.svc.List(context.Background(), model.EscrowFilter{ParentID: created[0].Milestone.ParentID})
	require.NoError(t, err)
	assert.Len(t, children, 3)
}

func TestEscrowService_CreateMilestonesRejectsBadSplit(t *testing.T) {
	tests := []struct {
		name       string
		milestones []application.MilestoneRequest
	}{
		{name: "empty", milestones: nil},
		{name: "sum below 100", milestones: []application.MilestoneRequest{{Percentage: 50}, {Percentage: 40}}},
		{name: "zero share", milestones: []application.MilestoneRequest{{Percentage: 100}, {Percentage: 0}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)

			_, err := h.svc.CreateMilestones(context.Background(), h.createRequest(), tc.milestones)

			require.ErrorIs(t, err, model.ErrInvalidSplit)
			assert.Equal(t, 0, h.ledger.Submissions(ledgersim.OpCreate))
		})
	}
}

func TestEscrowService_GetUnknownEscrow(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Get(context.Background(), "missing")

	require.ErrorIs(t, err, model.ErrEscrowNotFound)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestEscrowService_ListByStatus(t *testing.T) {
	h := newHarness(t)
	pending := h.create(t)
	approved := h.approved(t)

	list, err := h.svc.List(context.Background(), model.EscrowFilter{Status: model.EscrowStatusApproved})

	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, approved.ID, list[0].ID)
	assert.NotEqual(t, pending.ID, list[0].ID)
}
