package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
)

// setupTestDB creates a named shared in-memory SQLite database for testing.
// A unique name derived from t.Name() ensures isolation between parallel tests.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := NewMemoryDB(context.Background(), t.Name())
	if err != nil {
		t.Fatalf("create test db: %v", err)
	}

	if err := RunMigrations(db.Writer); err != nil {
		_ = db.Close()
		t.Fatalf("run migrations: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEscrow(id string) model.Escrow {
	return model.Escrow{
		ID:                   id,
		LedgerSequence:       7,
		CreationTxRef:        "TX-" + id,
		OwnerAddress:         "rDonor",
		BeneficiaryAddress:   "rBeneficiary",
		AmountDrops:          5_000_000,
		ConditionEncoded:     "A0258020",
		EncryptedFulfillment: "v1:ciphertext",
		Deadline:             testNow.Add(90 * 24 * time.Hour),
		CreatedAt:            testNow,
		Status:               model.EscrowStatusPending,
		Version:              1,
		Metadata: model.ProjectMetadata{
			ProjectID:   "p-1",
			ProjectName: "Reforestation",
			Region:      "kenya",
		},
		ParametersSource: model.ParametersSourceRequest,
	}
}
