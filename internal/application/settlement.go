package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ericfisherdev/impactescrow/internal/domain/condition"
	"github.com/ericfisherdev/impactescrow/internal/domain/model"
	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

// Unlock releases an Approved escrow to its beneficiary. Calling Unlock on an
// escrow that is already Unlocked returns it unchanged.
func (s *EscrowService) Unlock(ctx context.Context, id string) (*model.Escrow, error) {
	var out *model.Escrow
	err := s.retry.do(ctx, isConflict, func() error {
		var err error
		out, err = s.unlockOnce(ctx, id)
		return err
	})
	return out, err
}

// Cancel returns the funds of an Expired or Rejected escrow to its owner.
// Calling Cancel on an escrow that is already Cancelled returns it unchanged.
func (s *EscrowService) Cancel(ctx context.Context, id string) (*model.Escrow, error) {
	var out *model.Escrow
	err := s.retry.do(ctx, isConflict, func() error {
		var err error
		out, err = s.cancelOnce(ctx, id)
		return err
	})
	return out, err
}

// Expire moves an escrow whose deadline has passed to Expired. It refuses
// while a settlement is in flight. Calling Expire on an escrow that is
// already Expired returns it unchanged.
func (s *EscrowService) Expire(ctx context.Context, id string) (*model.Escrow, error) {
	var out *model.Escrow
	err := s.retry.do(ctx, isConflict, func() error {
		var err error
		out, err = s.expireOnce(ctx, id)
		return err
	})
	return out, err
}

func (s *EscrowService) unlockOnce(ctx context.Context, id string) (*model.Escrow, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if e, err = s.reconcile(ctx, e); err != nil {
		return nil, err
	}

	now := s.now()
	switch {
	case e.Status == model.EscrowStatusUnlocked:
		return e, nil
	case e.Status == model.EscrowStatusExpired:
		return nil, model.ErrEscrowExpired
	case e.Status != model.EscrowStatusApproved:
		return nil, fmt.Errorf("%w: escrow is %s", model.ErrEscrowNotApproved, e.Status)
	case e.IsPastDeadline(now):
		return nil, model.ErrEscrowExpired
	case e.HasSettlementInFlight(now, s.claimTTL):
		return nil, fmt.Errorf("%w: %s since %s", model.ErrSettlementInProgress, e.PendingOp, e.PendingSince.Format("15:04:05"))
	}

	claimed, err := s.claim(ctx, *e, model.PendingOpUnlock)
	if err != nil {
		return nil, err
	}

	ref := driven.EscrowRef{Owner: e.OwnerAddress, Sequence: e.LedgerSequence}
	obj, err := s.lookup(ctx, ref)
	if err != nil {
		s.releaseClaim(ctx, claimed)
		return nil, fmt.Errorf("%w: %w", model.ErrLedgerFinishFailed, err)
	}
	if obj == nil {
		return s.recoverFromHistory(ctx, claimed, ref)
	}

	cond, err := condition.ParseConditionHex(e.ConditionEncoded)
	if err != nil {
		s.releaseClaim(ctx, claimed)
		return nil, fmt.Errorf("stored condition for escrow %s: %w", id, err)
	}

	f, err := s.vault.Decrypt(e.EncryptedFulfillment)
	if err != nil {
		s.releaseClaim(ctx, claimed)
		s.alertDecryption(ctx, e, err)
		return nil, err
	}
	defer f.Wipe()
	if !condition.Verify(cond, f) {
		s.releaseClaim(ctx, claimed)
		err := fmt.Errorf("%w: fulfillment does not match stored condition", model.ErrDecryptionFailed)
		s.alertDecryption(ctx, e, err)
		return nil, err
	}

	encoded := f.Bytes()
	res, err := s.submit(ctx, func() (driven.LedgerResult, error) {
		return s.ledger.SubmitEscrowFinish(ctx, ref, cond.Bytes(), encoded)
	})
	clear(encoded)
	f.Wipe()

	return s.settle(ctx, claimed, res, err)
}

func (s *EscrowService) cancelOnce(ctx context.Context, id string) (*model.Escrow, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if e, err = s.reconcile(ctx, e); err != nil {
		return nil, err
	}

	now := s.now()
	switch {
	case e.Status == model.EscrowStatusCancelled:
		return e, nil
	case e.Status != model.EscrowStatusExpired && e.Status != model.EscrowStatusRejected:
		return nil, fmt.Errorf("%w: escrow is %s", model.ErrEscrowNotCancellable, e.Status)
	case e.HasSettlementInFlight(now, s.claimTTL):
		return nil, fmt.Errorf("%w: %s since %s", model.ErrSettlementInProgress, e.PendingOp, e.PendingSince.Format("15:04:05"))
	}

	claimed, err := s.claim(ctx, *e, model.PendingOpCancel)
	if err != nil {
		return nil, err
	}

	ref := driven.EscrowRef{Owner: e.OwnerAddress, Sequence: e.LedgerSequence}
	obj, err := s.lookup(ctx, ref)
	if err != nil {
		s.releaseClaim(ctx, claimed)
		return nil, fmt.Errorf("%w: %w", model.ErrLedgerCancelFailed, err)
	}
	if obj == nil {
		return s.recoverFromHistory(ctx, claimed, ref)
	}

	res, err := s.submit(ctx, func() (driven.LedgerResult, error) {
		return s.ledger.SubmitEscrowCancel(ctx, ref)
	})
	return s.settle(ctx, claimed, res, err)
}

func (s *EscrowService) expireOnce(ctx context.Context, id string) (*model.Escrow, error) {
	e, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if e, err = s.reconcile(ctx, e); err != nil {
		return nil, err
	}

	now := s.now()
	switch {
	case e.Status == model.EscrowStatusExpired:
		return e, nil
	case e.Status.IsTerminal():
		return nil, fmt.Errorf("%w: escrow is %s", model.ErrInvalidTransition, e.Status)
	case !e.IsPastDeadline(now):
		return nil, fmt.Errorf("%w: deadline is %s", model.ErrEscrowNotExpirable, e.Deadline.Format("2006-01-02T15:04:05Z07:00"))
	case e.HasSettlementInFlight(now, s.claimTTL):
		return nil, fmt.Errorf("%w: %s since %s", model.ErrSettlementInProgress, e.PendingOp, e.PendingSince.Format("15:04:05"))
	}

	next, err := model.NextStatus(e.Status, model.EventDeadlinePassed)
	if err != nil {
		return nil, err
	}
	expired := e.Clone()
	expired.Status = next
	expired.ClearClaim()
	expired.Version = e.Version + 1
	if err := s.escrows.CompareAndSwap(ctx, expired, e.Version); err != nil {
		return nil, err
	}

	slog.Info("escrow expired", "escrow_id", id, "from", e.Status, "deadline", e.Deadline)
	s.notify(ctx, model.NotificationEscrowExpired, &expired, "", "")
	return &expired, nil
}

// claim records that op is about to be submitted to the ledger. A stale
// claim left by a failed worker is replaced.
func (s *EscrowService) claim(ctx context.Context, e model.Escrow, op model.PendingOp) (model.Escrow, error) {
	claimed := e.Clone()
	claimed.PendingOp = op
	claimed.PendingSince = s.now()
	claimed.PendingTxRef = ""
	claimed.Version = e.Version + 1
	if err := s.escrows.CompareAndSwap(ctx, claimed, e.Version); err != nil {
		return model.Escrow{}, err
	}
	return claimed, nil
}

func (s *EscrowService) releaseClaim(ctx context.Context, claimed model.Escrow) {
	released := claimed.Clone()
	released.ClearClaim()
	released.Version = claimed.Version + 1
	if err := s.escrows.CompareAndSwap(ctx, released, claimed.Version); err != nil {
		slog.Error("failed to release settlement claim", "escrow_id", claimed.ID, "op", claimed.PendingOp, "error", err)
	}
}

// settle applies a ledger outcome to a claimed escrow. Only a confirmed
// result changes status. A result that is not yet final keeps the claim and
// records the transaction so a later call can resolve it.
func (s *EscrowService) settle(ctx context.Context, claimed model.Escrow, res driven.LedgerResult, err error) (*model.Escrow, error) {
	opErr := settlementError(claimed.PendingOp)

	if err != nil {
		if errors.Is(err, driven.ErrLedgerOutcomeUnknown) && res.TxRef != "" {
			s.recordInFlight(ctx, claimed, res.TxRef)
			return nil, fmt.Errorf("%w: outcome of %s unknown: %w", opErr, res.TxRef, err)
		}
		s.releaseClaim(ctx, claimed)
		return nil, fmt.Errorf("%w: %w", opErr, err)
	}

	switch res.Status {
	case driven.LedgerStatusConfirmed:
		return s.finalize(ctx, claimed, res.TxRef)
	case driven.LedgerStatusPending:
		s.recordInFlight(ctx, claimed, res.TxRef)
		return nil, fmt.Errorf("%w: awaiting ledger confirmation of %s", opErr, res.TxRef)
	default:
		s.releaseClaim(ctx, claimed)
		slog.Warn("ledger rejected settlement",
			"escrow_id", claimed.ID,
			"op", claimed.PendingOp,
			"result_code", res.ResultCode,
			"reason", res.Reason,
		)
		return nil, fmt.Errorf("%w: %w: %s %s", opErr, model.ErrLedgerRejected, res.ResultCode, res.Reason)
	}
}

func (s *EscrowService) recordInFlight(ctx context.Context, claimed model.Escrow, txRef string) {
	inFlight := claimed.Clone()
	inFlight.PendingTxRef = txRef
	inFlight.Version = claimed.Version + 1
	if err := s.escrows.CompareAndSwap(ctx, inFlight, claimed.Version); err != nil {
		slog.Error("failed to record in-flight settlement", "escrow_id", claimed.ID, "tx_ref", txRef, "error", err)
	}
}

// reconcile resolves a recorded in-flight settlement, or a stale claim whose
// transaction was never recorded, before any new decision is made about the
// escrow.
func (s *EscrowService) reconcile(ctx context.Context, e *model.Escrow) (*model.Escrow, error) {
	if e.PendingOp == model.PendingOpNone {
		return e, nil
	}
	if e.PendingTxRef == "" {
		if e.HasSettlementInFlight(s.now(), s.claimTTL) {
			return e, nil
		}
		return s.recoverAbandoned(ctx, e)
	}

	opErr := settlementError(e.PendingOp)
	res, err := s.ledger.TransactionStatus(ctx, e.PendingTxRef)
	if err != nil {
		return nil, fmt.Errorf("%w: checking %s: %w", opErr, e.PendingTxRef, err)
	}

	switch res.Status {
	case driven.LedgerStatusConfirmed:
		return s.finalize(ctx, *e, e.PendingTxRef)
	case driven.LedgerStatusPending:
		return nil, fmt.Errorf("%w: awaiting ledger confirmation of %s", opErr, e.PendingTxRef)
	default:
		slog.Warn("in-flight settlement was rejected by the ledger",
			"escrow_id", e.ID,
			"op", e.PendingOp,
			"tx_ref", e.PendingTxRef,
			"result_code", res.ResultCode,
		)
		cleared := e.Clone()
		cleared.ClearClaim()
		cleared.Version = e.Version + 1
		if err := s.escrows.CompareAndSwap(ctx, cleared, e.Version); err != nil {
			return nil, err
		}
		return &cleared, nil
	}
}

// recoverAbandoned checks whether a stale claim's transaction reached the
// ledger even though its reference was never recorded. While the escrow
// object is still held nothing was applied and the claim may be replaced.
func (s *EscrowService) recoverAbandoned(ctx context.Context, e *model.Escrow) (*model.Escrow, error) {
	ref := driven.EscrowRef{Owner: e.OwnerAddress, Sequence: e.LedgerSequence}
	obj, err := s.lookup(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("%w: checking abandoned %s: %w", settlementError(e.PendingOp), e.PendingOp, err)
	}
	if obj != nil {
		return e, nil
	}
	return s.recoverFromHistory(ctx, *e, ref)
}

// recoverFromHistory resolves a claimed escrow whose ledger object is gone.
// A validated settlement of the claimed kind is recorded as if it had just
// been confirmed; anything else releases the claim and reports a terminal
// ledger error.
func (s *EscrowService) recoverFromHistory(ctx context.Context, claimed model.Escrow, ref driven.EscrowRef) (*model.Escrow, error) {
	opErr := settlementError(claimed.PendingOp)

	var st *driven.LedgerSettlement
	err := s.retry.do(ctx, isLedgerTransient, func() error {
		var err error
		st, err = s.ledger.FindSettlement(ctx, ref)
		return err
	})
	if err != nil {
		s.releaseClaim(ctx, claimed)
		return nil, fmt.Errorf("%w: searching ledger history: %w", opErr, err)
	}

	if st != nil && st.Kind == settlementKind(claimed.PendingOp) {
		slog.Warn("recovered unrecorded settlement from ledger history",
			"escrow_id", claimed.ID, "op", claimed.PendingOp, "tx_ref", st.TxRef)
		return s.finalize(ctx, claimed, st.TxRef)
	}

	s.releaseClaim(ctx, claimed)
	if st != nil {
		slog.Error("escrow was settled on the ledger by another operation",
			"escrow_id", claimed.ID, "op", claimed.PendingOp, "ledger_op", st.Kind, "tx_ref", st.TxRef)
		return nil, fmt.Errorf("%w: %w: ledger %s in %s", opErr, model.ErrLedgerRejected, st.Kind, st.TxRef)
	}
	slog.Error("escrow is no longer held by the ledger", "escrow_id", claimed.ID, "sequence", ref.Sequence)
	return nil, fmt.Errorf("%w: %w: escrow no longer held by ledger", opErr, model.ErrLedgerRejected)
}

// finalize records a confirmed settlement. The ledger outcome is already
// final, so a concurrent write is reloaded and the outcome re-applied rather
// than dropped.
func (s *EscrowService) finalize(ctx context.Context, claimed model.Escrow, txRef string) (*model.Escrow, error) {
	op := claimed.PendingOp
	from := claimed.Status

	var (
		final    model.Escrow
		applied  bool
		attempts int
	)
	err := s.retry.do(ctx, isConflict, func() error {
		attempts++
		current := claimed
		if attempts > 1 {
			reloaded, err := s.load(ctx, claimed.ID)
			if err != nil {
				return err
			}
			current = *reloaded
		}
		if settledBy(current, op, txRef) {
			final = current
			return nil
		}
		if current.Status != from {
			return fmt.Errorf("%w: escrow moved to %s after ledger settled %s", model.ErrInvalidTransition, current.Status, txRef)
		}

		next, err := applySettlement(current, op, txRef, s.now().UTC())
		if err != nil {
			return err
		}
		if err := s.escrows.CompareAndSwap(ctx, next, current.Version); err != nil {
			return err
		}
		final, applied = next, true
		return nil
	})
	if err != nil {
		slog.Error("ledger settled but escrow update failed", "escrow_id", claimed.ID, "op", op, "tx_ref", txRef, "error", err)
		return nil, fmt.Errorf("recording settlement %s: %w", txRef, err)
	}
	if !applied {
		return &final, nil
	}

	slog.Info("escrow settled", "escrow_id", final.ID, "status", final.Status, "tx_ref", txRef)
	switch op {
	case model.PendingOpUnlock:
		s.notify(ctx, model.NotificationEscrowUnlocked, &final, txRef, "")
	case model.PendingOpCancel:
		s.notify(ctx, model.NotificationEscrowCancelled, &final, txRef, "")
	}
	return &final, nil
}

func (s *EscrowService) lookup(ctx context.Context, ref driven.EscrowRef) (*driven.LedgerEscrow, error) {
	var obj *driven.LedgerEscrow
	err := s.retry.do(ctx, isLedgerTransient, func() error {
		var err error
		obj, err = s.ledger.LookupEscrow(ctx, ref)
		return err
	})
	return obj, err
}

// submit retries a settlement transaction while the ledger reports it was
// not applied.
func (s *EscrowService) submit(ctx context.Context, send func() (driven.LedgerResult, error)) (driven.LedgerResult, error) {
	var res driven.LedgerResult
	err := s.retry.do(ctx, isLedgerTransient, func() error {
		var err error
		res, err = send()
		return err
	})
	return res, err
}

func (s *EscrowService) alertDecryption(ctx context.Context, e *model.Escrow, err error) {
	slog.Error("fulfillment decryption failed", "escrow_id", e.ID, "error", err)
	s.notify(ctx, model.NotificationDecryptionFailed, e, "", "stored fulfillment could not be decrypted")
}

func applySettlement(e model.Escrow, op model.PendingOp, txRef string, now time.Time) (model.Escrow, error) {
	event := model.EventCancelRequested
	if op == model.PendingOpUnlock {
		event = model.EventUnlockRequested
	}
	next, err := model.NextStatus(e.Status, event)
	if err != nil {
		return model.Escrow{}, err
	}

	out := e.Clone()
	out.Status = next
	out.SettledAt = now
	out.ClearClaim()
	out.Version = e.Version + 1
	if op == model.PendingOpUnlock {
		out.UnlockTxRef = txRef
	} else {
		out.CancelTxRef = txRef
	}
	return out, nil
}

func settledBy(e model.Escrow, op model.PendingOp, txRef string) bool {
	switch op {
	case model.PendingOpUnlock:
		return e.Status == model.EscrowStatusUnlocked && e.UnlockTxRef == txRef
	case model.PendingOpCancel:
		return e.Status == model.EscrowStatusCancelled && e.CancelTxRef == txRef
	}
	return false
}

func settlementKind(op model.PendingOp) driven.SettlementKind {
	if op == model.PendingOpCancel {
		return driven.SettlementCancel
	}
	return driven.SettlementFinish
}

func settlementError(op model.PendingOp) error {
	if op == model.PendingOpCancel {
		return model.ErrLedgerCancelFailed
	}
	return model.ErrLedgerFinishFailed
}
