package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
)

func TestEvidenceRepo_ReserveCompleteList(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, NewEscrowRepo(db).Insert(context.Background(), newTestEscrow("e-1")))
	repo := NewEvidenceRepo(db)
	ctx := context.Background()

	ev := model.ValidationEvidence{
		Fingerprint: "fp-1",
		EscrowID:    "e-1",
		EvidenceRef: "s3://bucket/photo.jpg",
		Category:    "reforestation",
		ReceivedAt:  testNow,
	}
	require.NoError(t, repo.Reserve(ctx, ev))

	pending, err := repo.ListByEscrow(ctx, "e-1")
	require.NoError(t, err)
	assert.Empty(t, pending)

	ev.Score = 92
	ev.Confidence = 0.9
	ev.Verified = true
	ev.Reasoning = "trees visible"
	ev.Decision = model.DecisionAccept
	require.NoError(t, repo.Complete(ctx, ev))

	got, err := repo.ListByEscrow(ctx, "e-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "fp-1", got[0].Fingerprint)
	assert.InDelta(t, 92.0, got[0].Score, 0.0001)
	assert.True(t, got[0].Verified)
	assert.Equal(t, model.DecisionAccept, got[0].Decision)
	assert.True(t, testNow.Equal(got[0].ReceivedAt))
}

func TestEvidenceRepo_DuplicateFingerprint(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, NewEscrowRepo(db).Insert(context.Background(), newTestEscrow("e-1")))
	repo := NewEvidenceRepo(db)
	ctx := context.Background()

	ev := model.ValidationEvidence{Fingerprint: "fp-1", EscrowID: "e-1", EvidenceRef: "ref", ReceivedAt: testNow}
	require.NoError(t, repo.Reserve(ctx, ev))

	err := repo.Reserve(ctx, ev)
	require.ErrorIs(t, err, model.ErrDuplicateEvidence)
}

func TestEvidenceRepo_ReleaseOnlyUndecided(t *testing.T) {
	db := setupTestDB(t)
	require.NoError(t, NewEscrowRepo(db).Insert(context.Background(), newTestEscrow("e-1")))
	repo := NewEvidenceRepo(db)
	ctx := context.Background()

	open := model.ValidationEvidence{Fingerprint: "fp-open", EscrowID: "e-1", EvidenceRef: "a", ReceivedAt: testNow}
	require.NoError(t, repo.Reserve(ctx, open))
	require.NoError(t, repo.Release(ctx, "fp-open"))
	require.NoError(t, repo.Reserve(ctx, open), "released fingerprint can be reserved again")

	decided := model.ValidationEvidence{Fingerprint: "fp-done", EscrowID: "e-1", EvidenceRef: "b", ReceivedAt: testNow.Add(time.Second)}
	require.NoError(t, repo.Reserve(ctx, decided))
	decided.Decision = model.DecisionReject
	require.NoError(t, repo.Complete(ctx, decided))
	require.NoError(t, repo.Release(ctx, "fp-done"))

	require.ErrorIs(t, repo.Reserve(ctx, decided), model.ErrDuplicateEvidence)
}

func TestEvidenceRepo_CompleteUnreserved(t *testing.T) {
	db := setupTestDB(t)
	repo := NewEvidenceRepo(db)

	err := repo.Complete(context.Background(), model.ValidationEvidence{Fingerprint: "missing", Decision: model.DecisionAccept})

	require.Error(t, err)
}
