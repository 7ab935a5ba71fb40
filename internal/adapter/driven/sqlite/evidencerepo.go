package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.EvidenceStore = (*EvidenceRepo)(nil)

// EvidenceRepo is the SQLite implementation of the EvidenceStore port interface.
// The fingerprint primary key is what makes duplicate detection atomic.
type EvidenceRepo struct {
	db *DB
}

// NewEvidenceRepo creates a new EvidenceRepo backed by the given DB.
func NewEvidenceRepo(db *DB) *EvidenceRepo {
	return &EvidenceRepo{db: db}
}

// Reserve inserts a fingerprint with no verdict yet.
func (r *EvidenceRepo) Reserve(ctx context.Context, ev model.ValidationEvidence) error {
	const query = `
		INSERT INTO evidence (fingerprint, escrow_id, evidence_ref, category, received_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := r.db.Writer.ExecContext(ctx, query,
		ev.Fingerprint, ev.EscrowID, ev.EvidenceRef, ev.Category, formatTime(ev.ReceivedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") || strings.Contains(err.Error(), "PRIMARY KEY") {
			return fmt.Errorf("reserve evidence for escrow %q: %w", ev.EscrowID, model.ErrDuplicateEvidence)
		}
		return fmt.Errorf("reserve evidence for escrow %q: %w", ev.EscrowID, err)
	}
	return nil
}

// Complete stores the verdict for a reserved fingerprint.
func (r *EvidenceRepo) Complete(ctx context.Context, ev model.ValidationEvidence) error {
	verified := 0
	if ev.Verified {
		verified = 1
	}

	const query = `
		UPDATE evidence
		SET score = ?, confidence = ?, verified = ?, reasoning = ?, decision = ?
		WHERE fingerprint = ?
	`
	res, err := r.db.Writer.ExecContext(ctx, query,
		ev.Score, ev.Confidence, verified, ev.Reasoning, string(ev.Decision), ev.Fingerprint,
	)
	if err != nil {
		return fmt.Errorf("complete evidence %q: %w", ev.Fingerprint, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for evidence %q: %w", ev.Fingerprint, err)
	}
	if n == 0 {
		return fmt.Errorf("complete evidence %q: not reserved", ev.Fingerprint)
	}
	return nil
}

// Release deletes a reservation that never received a verdict.
func (r *EvidenceRepo) Release(ctx context.Context, fingerprint string) error {
	const query = `DELETE FROM evidence WHERE fingerprint = ? AND decision = ''`
	if _, err := r.db.Writer.ExecContext(ctx, query, fingerprint); err != nil {
		return fmt.Errorf("release evidence %q: %w", fingerprint, err)
	}
	return nil
}

// ListByEscrow returns decided evidence for an escrow in arrival order.
func (r *EvidenceRepo) ListByEscrow(ctx context.Context, escrowID string) ([]model.ValidationEvidence, error) {
	const query = `
		SELECT fingerprint, escrow_id, evidence_ref, category, score, confidence,
		       verified, reasoning, decision, received_at
		FROM evidence
		WHERE escrow_id = ? AND decision != ''
		ORDER BY received_at ASC, fingerprint
	`
	rows, err := r.db.Reader.QueryContext(ctx, query, escrowID)
	if err != nil {
		return nil, fmt.Errorf("list evidence for escrow %q: %w", escrowID, err)
	}
	defer rows.Close()

	var out []model.ValidationEvidence
	for rows.Next() {
		var (
			ev                model.ValidationEvidence
			score, confidence sql.NullFloat64
			verified          int
			decision          string
			receivedAt        string
		)
		if err := rows.Scan(
			&ev.Fingerprint, &ev.EscrowID, &ev.EvidenceRef, &ev.Category, &score, &confidence,
			&verified, &ev.Reasoning, &decision, &receivedAt,
		); err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}

		ev.Score = score.Float64
		ev.Confidence = confidence.Float64
		ev.Verified = verified == 1
		ev.Decision = model.Decision(decision)
		if ev.ReceivedAt, err = parseTime(receivedAt); err != nil {
			return nil, fmt.Errorf("parse received_at for evidence %q: %w", ev.Fingerprint, err)
		}

		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence: %w", err)
	}

	return out, nil
}
