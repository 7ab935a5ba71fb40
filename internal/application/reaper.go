package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

const defaultSweepBatch = 100

// SweepResult summarizes one reaper pass. Rejected counts cancels the ledger
// refused outright; they are also counted in Errors.
type SweepResult struct {
	Due       int
	Expired   int
	Cancelled int
	Skipped   int
	Errors    int
	Rejected  int
}

// sweepRequest represents a manual sweep trigger.
type sweepRequest struct {
	done chan sweepOutcome
}

type sweepOutcome struct {
	result SweepResult
	err    error
}

// Reaper periodically expires escrows whose deadline has passed and, when
// auto-cancel is enabled, returns expired funds to their owners.
type Reaper struct {
	escrows    *EscrowService
	store      driven.EscrowStore
	interval   time.Duration
	autoCancel bool
	batch      int
	sweepCh    chan sweepRequest
}

// ReaperOption configures a Reaper.
type ReaperOption func(*Reaper)

// WithSweepBatch sets the page size used when listing escrows.
func WithSweepBatch(n int) ReaperOption {
	return func(r *Reaper) {
		if n > 0 {
			r.batch = n
		}
	}
}

// NewReaper creates a Reaper that sweeps on interval.
func NewReaper(escrows *EscrowService, store driven.EscrowStore, interval time.Duration, autoCancel bool, opts ...ReaperOption) *Reaper {
	r := &Reaper{
		escrows:    escrows,
		store:      store,
		interval:   interval,
		autoCancel: autoCancel,
		batch:      defaultSweepBatch,
		sweepCh:    make(chan sweepRequest),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start runs an immediate sweep, then sweeps on the configured interval. It
// also serves manual sweep requests. Start blocks until the context is canceled.
func (r *Reaper) Start(ctx context.Context) {
	if _, err := r.Sweep(ctx); err != nil {
		slog.Error("initial sweep failed", "error", err)
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopped")
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				slog.Error("sweep failed", "error", err)
			}
		case req := <-r.sweepCh:
			res, err := r.Sweep(ctx)
			req.done <- sweepOutcome{result: res, err: err}
		}
	}
}

// SweepNow asks a running reaper for an immediate sweep and waits for it.
func (r *Reaper) SweepNow(ctx context.Context) (SweepResult, error) {
	done := make(chan sweepOutcome, 1)

	select {
	case r.sweepCh <- sweepRequest{done: done}:
	case <-ctx.Done():
		return SweepResult{}, ctx.Err()
	}

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return SweepResult{}, ctx.Err()
	}
}

// Sweep performs one pass. Per-escrow failures are logged and counted; only
// a failure to list escrows is returned.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	var res SweepResult

	if err := r.expireDue(ctx, &res); err != nil {
		return res, err
	}

	if r.autoCancel {
		if err := r.cancelExpired(ctx, &res); err != nil {
			return res, err
		}
	}

	slog.Info("sweep complete",
		"due", res.Due,
		"expired", res.Expired,
		"cancelled", res.Cancelled,
		"skipped", res.Skipped,
		"errors", res.Errors,
		"rejected", res.Rejected,
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return res, nil
}

// expireDue expires every escrow past its deadline, a page at a time.
// Escrows that fail to expire stay due and keep their place, so each page
// starts after them.
func (r *Reaper) expireDue(ctx context.Context, res *SweepResult) error {
	now := r.escrows.now()
	offset := 0
	for {
		due, err := r.store.ListDueForExpiry(ctx, now, r.batch, offset)
		if err != nil {
			return err
		}
		res.Due += len(due)

		for _, e := range due {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := r.escrows.Expire(ctx, e.ID); err != nil {
				offset++
				if errors.Is(err, model.ErrSettlementInProgress) {
					res.Skipped++
					slog.Debug("expiry deferred, settlement in flight", "escrow_id", e.ID)
					continue
				}
				res.Errors++
				slog.Error("escrow expiry failed", "escrow_id", e.ID, "error", err)
				continue
			}
			res.Expired++
		}

		if len(due) < r.batch {
			return nil
		}
	}
}

// cancelExpired submits ledger cancels for expired escrows, earliest deadline
// first, paging through every expired escrow. Escrows that stay expired keep
// their place in the ordering, so each page starts after them. Cancels the
// ledger refuses are retried on the next sweep.
func (r *Reaper) cancelExpired(ctx context.Context, res *SweepResult) error {
	offset := 0
	for {
		page, err := r.store.List(ctx, model.EscrowFilter{
			Status:     model.EscrowStatusExpired,
			ByDeadline: true,
			Limit:      r.batch,
			Offset:     offset,
		})
		if err != nil {
			return err
		}

		for _, e := range page {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := r.escrows.Cancel(ctx, e.ID); err != nil {
				offset++
				switch {
				case errors.Is(err, model.ErrSettlementInProgress):
					res.Skipped++
				case errors.Is(err, model.ErrLedgerRejected):
					res.Errors++
					res.Rejected++
					slog.Error("ledger rejected cancel of expired escrow", "escrow_id", e.ID, "deadline", e.Deadline, "error", err)
				default:
					res.Errors++
					slog.Warn("expired escrow cancel failed", "escrow_id", e.ID, "error", err)
				}
				continue
			}
			res.Cancelled++
		}

		if len(page) < r.batch {
			return nil
		}
	}
}
