package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.EscrowStore = (*EscrowRepo)(nil)

// ErrDuplicateEscrow is returned when an escrow ID is inserted twice.
var ErrDuplicateEscrow = errors.New("escrow already exists")

// EscrowRepo is the SQLite implementation of the EscrowStore port interface.
type EscrowRepo struct {
	db *DB
}

// NewEscrowRepo creates a new EscrowRepo backed by the given DB.
func NewEscrowRepo(db *DB) *EscrowRepo {
	return &EscrowRepo{db: db}
}

const escrowColumns = `
	e.id, e.ledger_sequence, e.creation_tx_ref, e.owner_address, e.beneficiary_address,
	e.amount_drops, e.condition_encoded, e.encrypted_fulfillment,
	e.deadline, e.created_at, e.decision_at, e.settled_at,
	e.latest_score, e.latest_confidence, e.rejection_reason,
	e.unlock_tx_ref, e.cancel_tx_ref, e.status, e.version,
	e.pending_op, e.pending_since, e.pending_tx_ref,
	e.project_id, e.project_name, e.project_description, e.region, e.parameters_source,
	m.parent_id, m.idx, m.total, m.description`

const escrowFrom = `FROM escrows e LEFT JOIN escrow_milestones m ON m.escrow_id = e.id`

// Insert stores a new escrow and its milestone link, if any, in one transaction.
func (r *EscrowRepo) Insert(ctx context.Context, e model.Escrow) error {
	tx, err := r.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback after commit is a no-op.

	const query = `
		INSERT INTO escrows (
			id, ledger_sequence, creation_tx_ref, owner_address, beneficiary_address,
			amount_drops, condition_encoded, encrypted_fulfillment,
			deadline, created_at, decision_at, settled_at,
			latest_score, latest_confidence, rejection_reason,
			unlock_tx_ref, cancel_tx_ref, status, version,
			pending_op, pending_since, pending_tx_ref,
			project_id, project_name, project_description, region, parameters_source
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query,
		e.ID, e.LedgerSequence, e.CreationTxRef, e.OwnerAddress, e.BeneficiaryAddress,
		e.AmountDrops, e.ConditionEncoded, e.EncryptedFulfillment,
		formatTime(e.Deadline), formatTime(e.CreatedAt), nullTime(e.DecisionAt), nullTime(e.SettledAt),
		nullFloat(e.LatestScore), nullFloat(e.LatestConfidence), e.RejectionReason,
		e.UnlockTxRef, e.CancelTxRef, string(e.Status), e.Version,
		string(e.PendingOp), nullTime(e.PendingSince), e.PendingTxRef,
		e.Metadata.ProjectID, e.Metadata.ProjectName, e.Metadata.Description, e.Metadata.Region,
		string(e.ParametersSource),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return fmt.Errorf("insert escrow %q: %w", e.ID, ErrDuplicateEscrow)
		}
		return fmt.Errorf("insert escrow %q: %w", e.ID, err)
	}

	if e.Milestone != nil {
		const milestoneQuery = `
			INSERT INTO escrow_milestones (escrow_id, parent_id, idx, total, description)
			VALUES (?, ?, ?, ?, ?)
		`
		_, err = tx.ExecContext(ctx, milestoneQuery,
			e.ID, e.Milestone.ParentID, e.Milestone.Index, e.Milestone.Total, e.Milestone.Description,
		)
		if err != nil {
			return fmt.Errorf("insert milestone for escrow %q: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit escrow %q: %w", e.ID, err)
	}
	return nil
}

// Get retrieves an escrow by ID. Returns (nil, nil) if not found.
func (r *EscrowRepo) Get(ctx context.Context, id string) (*model.Escrow, error) {
	query := `SELECT ` + escrowColumns + ` ` + escrowFrom + ` WHERE e.id = ?`

	e, err := scanEscrow(r.db.Reader.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow %q: %w", id, err)
	}
	return e, nil
}

// CompareAndSwap writes every mutable column of e when the stored version
// still equals expectedVersion. Identity, parties, amount, condition,
// encrypted fulfillment and deadline are never rewritten.
func (r *EscrowRepo) CompareAndSwap(ctx context.Context, e model.Escrow, expectedVersion int64) error {
	if e.Version <= expectedVersion {
		return fmt.Errorf("compare-and-swap escrow %q: new version %d must exceed %d", e.ID, e.Version, expectedVersion)
	}

	const query = `
		UPDATE escrows SET
			decision_at = ?, settled_at = ?,
			latest_score = ?, latest_confidence = ?, rejection_reason = ?,
			unlock_tx_ref = ?, cancel_tx_ref = ?, status = ?, version = ?,
			pending_op = ?, pending_since = ?, pending_tx_ref = ?
		WHERE id = ? AND version = ?
	`
	res, err := r.db.Writer.ExecContext(ctx, query,
		nullTime(e.DecisionAt), nullTime(e.SettledAt),
		nullFloat(e.LatestScore), nullFloat(e.LatestConfidence), e.RejectionReason,
		e.UnlockTxRef, e.CancelTxRef, string(e.Status), e.Version,
		string(e.PendingOp), nullTime(e.PendingSince), e.PendingTxRef,
		e.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update escrow %q: %w", e.ID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected for escrow %q: %w", e.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update escrow %q at version %d: %w", e.ID, expectedVersion, model.ErrConcurrencyConflict)
	}
	return nil
}

// ListDueForExpiry returns escrows past their deadline that can still expire.
func (r *EscrowRepo) ListDueForExpiry(ctx context.Context, now time.Time, limit, offset int) ([]model.Escrow, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + escrowColumns + ` ` + escrowFrom + `
		WHERE e.status IN (?, ?, ?, ?) AND e.deadline <= ?
		ORDER BY e.deadline ASC, e.id
		LIMIT ? OFFSET ?`

	return r.queryEscrows(ctx, query,
		string(model.EscrowStatusPending), string(model.EscrowStatusValidating),
		string(model.EscrowStatusApproved), string(model.EscrowStatusRejected),
		formatTime(now), limit, max(offset, 0),
	)
}

// List returns escrows matching filter, newest first or by earliest deadline.
func (r *EscrowRepo) List(ctx context.Context, filter model.EscrowFilter) ([]model.Escrow, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != "" {
		where = append(where, "e.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.OwnerAddress != "" {
		where = append(where, "e.owner_address = ?")
		args = append(args, filter.OwnerAddress)
	}
	if filter.ParentID != "" {
		where = append(where, "m.parent_id = ?")
		args = append(args, filter.ParentID)
	}

	query := `SELECT ` + escrowColumns + ` ` + escrowFrom
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if filter.ByDeadline {
		query += ` ORDER BY e.deadline ASC, e.id`
	} else {
		query += ` ORDER BY e.created_at DESC, e.id`
	}
	switch {
	case filter.Limit > 0:
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	case filter.Offset > 0:
		query += ` LIMIT -1`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	return r.queryEscrows(ctx, query, args...)
}

func (r *EscrowRepo) queryEscrows(ctx context.Context, query string, args ...any) ([]model.Escrow, error) {
	rows, err := r.db.Reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query escrows: %w", err)
	}
	defer rows.Close()

	var escrows []model.Escrow
	for rows.Next() {
		e, err := scanEscrow(rows)
		if err != nil {
			return nil, fmt.Errorf("scan escrow: %w", err)
		}
		escrows = append(escrows, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate escrows: %w", err)
	}

	return escrows, nil
}

func scanEscrow(s scanner) (*model.Escrow, error) {
	var (
		e                                   model.Escrow
		deadline, createdAt                 string
		decisionAt, settledAt, pendingSince sql.NullString
		score, confidence                   sql.NullFloat64
		status, pendingOp, paramsSource     string
		parentID, milestoneDesc             sql.NullString
		milestoneIndex, milestoneTotal      sql.NullInt64
	)

	err := s.Scan(
		&e.ID, &e.LedgerSequence, &e.CreationTxRef, &e.OwnerAddress, &e.BeneficiaryAddress,
		&e.AmountDrops, &e.ConditionEncoded, &e.EncryptedFulfillment,
		&deadline, &createdAt, &decisionAt, &settledAt,
		&score, &confidence, &e.RejectionReason,
		&e.UnlockTxRef, &e.CancelTxRef, &status, &e.Version,
		&pendingOp, &pendingSince, &e.PendingTxRef,
		&e.Metadata.ProjectID, &e.Metadata.ProjectName, &e.Metadata.Description, &e.Metadata.Region,
		&paramsSource,
		&parentID, &milestoneIndex, &milestoneTotal, &milestoneDesc,
	)
	if err != nil {
		return nil, err
	}

	st, ok := model.ParseEscrowStatus(status)
	if !ok {
		return nil, fmt.Errorf("escrow %q has unknown status %q", e.ID, status)
	}
	e.Status = st
	e.PendingOp = model.PendingOp(pendingOp)
	e.ParametersSource = model.ParametersSource(paramsSource)

	if e.Deadline, err = parseTime(deadline); err != nil {
		return nil, fmt.Errorf("parse deadline: %w", err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if e.DecisionAt, err = parseNullTime(decisionAt); err != nil {
		return nil, fmt.Errorf("parse decision_at: %w", err)
	}
	if e.SettledAt, err = parseNullTime(settledAt); err != nil {
		return nil, fmt.Errorf("parse settled_at: %w", err)
	}
	if e.PendingSince, err = parseNullTime(pendingSince); err != nil {
		return nil, fmt.Errorf("parse pending_since: %w", err)
	}

	if score.Valid {
		v := score.Float64
		e.LatestScore = &v
	}
	if confidence.Valid {
		v := confidence.Float64
		e.LatestConfidence = &v
	}

	if parentID.Valid {
		e.Milestone = &model.Milestone{
			ParentID:    parentID.String,
			Index:       int(milestoneIndex.Int64),
			Total:       int(milestoneTotal.Int64),
			Description: milestoneDesc.String,
		}
	}

	return &e, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
