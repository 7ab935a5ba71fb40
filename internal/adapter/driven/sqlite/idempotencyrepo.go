package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.IdempotencyStore = (*IdempotencyRepo)(nil)

// IdempotencyRepo is the SQLite implementation of the IdempotencyStore port.
type IdempotencyRepo struct {
	db  *DB
	now func() time.Time
}

// NewIdempotencyRepo creates a new IdempotencyRepo backed by the given DB.
func NewIdempotencyRepo(db *DB) *IdempotencyRepo {
	return &IdempotencyRepo{db: db, now: time.Now}
}

// Reserve inserts key. An existing key reports the escrow bound to it.
func (r *IdempotencyRepo) Reserve(ctx context.Context, key string) (string, bool, error) {
	const insert = `INSERT INTO idempotency_keys (key, created_at) VALUES (?, ?)`
	_, err := r.db.Writer.ExecContext(ctx, insert, key, formatTime(r.now()))
	if err == nil {
		return "", true, nil
	}
	if !strings.Contains(err.Error(), "UNIQUE constraint") && !strings.Contains(err.Error(), "PRIMARY KEY") {
		return "", false, fmt.Errorf("reserve idempotency key: %w", err)
	}

	const query = `SELECT escrow_id FROM idempotency_keys WHERE key = ?`
	var escrowID string
	err = r.db.Writer.QueryRowContext(ctx, query, key).Scan(&escrowID)
	if errors.Is(err, sql.ErrNoRows) {
		// Released between our insert and select; let the caller retry.
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup idempotency key: %w", err)
	}
	return escrowID, false, nil
}

// Complete binds key to escrowID.
func (r *IdempotencyRepo) Complete(ctx context.Context, key, escrowID string) error {
	const query = `UPDATE idempotency_keys SET escrow_id = ? WHERE key = ?`
	if _, err := r.db.Writer.ExecContext(ctx, query, escrowID, key); err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Release deletes key if it was never bound to an escrow.
func (r *IdempotencyRepo) Release(ctx context.Context, key string) error {
	const query = `DELETE FROM idempotency_keys WHERE key = ? AND escrow_id = ''`
	if _, err := r.db.Writer.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
