package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyRepo_Lifecycle(t *testing.T) {
	db := setupTestDB(t)
	repo := NewIdempotencyRepo(db)
	ctx := context.Background()

	id, reserved, err := repo.Reserve(ctx, "key-1")
	require.NoError(t, err)
	assert.True(t, reserved)
	assert.Empty(t, id)

	id, reserved, err = repo.Reserve(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Empty(t, id, "in-flight key has no escrow yet")

	require.NoError(t, repo.Complete(ctx, "key-1", "e-1"))

	id, reserved, err = repo.Reserve(ctx, "key-1")
	require.NoError(t, err)
	assert.False(t, reserved)
	assert.Equal(t, "e-1", id)

	require.NoError(t, repo.Release(ctx, "key-1"))
	id, _, err = repo.Reserve(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "e-1", id, "completed keys are never released")
}

func TestIdempotencyRepo_ReleaseFreesKey(t *testing.T) {
	db := setupTestDB(t)
	repo := NewIdempotencyRepo(db)
	ctx := context.Background()

	_, reserved, err := repo.Reserve(ctx, "key-2")
	require.NoError(t, err)
	require.True(t, reserved)

	require.NoError(t, repo.Release(ctx, "key-2"))

	_, reserved, err = repo.Reserve(ctx, "key-2")
	require.NoError(t, err)
	assert.True(t, reserved)
}
