// Package application contains use-case orchestration services.
package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/shopspring/decimal"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

// DefaultClaimTTL is how long a settlement claim blocks other settlement
// attempts before it is treated as abandoned.
const DefaultClaimTTL = 2 * time.Minute

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// classicAddress matches a base58 XRP Ledger classic account address.
var classicAddress = regexp.MustCompile(`^r[1-9A-HJ-NP-Za-km-z]{24,34}$`)

// errAwaitingFinality is returned internally while a submitted transaction
// has not reached a final outcome.
var errAwaitingFinality = errors.New("transaction awaiting finality")

// EscrowDeps groups the driven ports an EscrowService needs. Idempotency,
// Publisher and Parameters are optional.
type EscrowDeps struct {
	Escrows     driven.EscrowStore
	Evidence    driven.EvidenceStore
	Idempotency driven.IdempotencyStore
	Vault       driven.SecretVault
	Ledger      driven.Ledger
	Validator   driven.Validator
	Publisher   driven.NotificationPublisher
	Oracle      *OracleGateway
	Parameters  *ParameterProvider
}

// EscrowOption configures an EscrowService.
type EscrowOption func(*EscrowService)

// WithClock sets the time source. Tests use it to move across deadlines.
func WithClock(now func() time.Time) EscrowOption {
	return func(s *EscrowService) { s.now = now }
}

// WithIDGenerator overrides how escrow IDs are produced.
func WithIDGenerator(newID func() string) EscrowOption {
	return func(s *EscrowService) { s.newID = newID }
}

// WithClaimTTL sets how long a settlement claim is honoured.
func WithClaimTTL(ttl time.Duration) EscrowOption {
	return func(s *EscrowService) { s.claimTTL = ttl }
}

// WithRetryPolicy sets the bounds for internal retries.
func WithRetryPolicy(p RetryPolicy) EscrowOption {
	return func(s *EscrowService) { s.retry = p }
}

// WithAutoSettle makes an accepted verdict unlock the escrow immediately.
func WithAutoSettle(enabled bool) EscrowOption {
	return func(s *EscrowService) { s.autoSettle = enabled }
}

// EscrowService is the escrow lifecycle manager. It is the only component
// that changes escrow state, and every change is a versioned conditional
// write that follows model.NextStatus.
type EscrowService struct {
	escrows     driven.EscrowStore
	evidence    driven.EvidenceStore
	idempotency driven.IdempotencyStore
	vault       driven.SecretVault
	ledger      driven.Ledger
	validator   driven.Validator
	publisher   driven.NotificationPublisher
	oracle      *OracleGateway
	params      *ParameterProvider

	now        func() time.Time
	newID      func() string
	claimTTL   time.Duration
	retry      RetryPolicy
	autoSettle bool
	sanitizer  *bluemonday.Policy
}

// NewEscrowService creates an EscrowService.
func NewEscrowService(deps EscrowDeps, opts ...EscrowOption) *EscrowService {
	s := &EscrowService{
		escrows:     deps.Escrows,
		evidence:    deps.Evidence,
		idempotency: deps.Idempotency,
		vault:       deps.Vault,
		ledger:      deps.Ledger,
		validator:   deps.Validator,
		publisher:   deps.Publisher,
		oracle:      deps.Oracle,
		params:      deps.Parameters,
		now:         time.Now,
		newID:       uuid.NewString,
		claimTTL:    DefaultClaimTTL,
		retry:       DefaultRetryPolicy,
		sanitizer:   bluemonday.StrictPolicy(),
	}
	if s.params == nil {
		s.params = NewParameterProvider(nil, model.DefaultParameters())
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest describes a new escrow. A zero Deadline means the deadline is
// derived from the parameter provider.
type CreateRequest struct {
	OwnerAddress       string
	BeneficiaryAddress string
	AmountDrops        int64
	Deadline           time.Time
	Metadata           model.ProjectMetadata
	IdempotencyKey     string
}

// MilestoneRequest is one tranche of a milestone donation.
type MilestoneRequest struct {
	Percentage  int
	Description string
	Deadline    time.Time
}

// Create locks funds on the ledger under a fresh condition and persists the
// escrow as Pending. No record is written unless the ledger confirmed the lock.
func (s *EscrowService) Create(ctx context.Context, req CreateRequest) (*model.Escrow, error) {
	return s.createOne(ctx, req, nil)
}

// CreateMilestones splits one donation into independent escrows, one per
// milestone. Amounts are floored per tranche and the remainder goes to the
// last one. Creation stops at the first failure and the escrows created so
// far are returned with the error.
func (s *EscrowService) CreateMilestones(ctx context.Context, req CreateRequest, milestones []MilestoneRequest) ([]*model.Escrow, error) {
	amounts, err := splitAmount(req.AmountDrops, milestones)
	if err != nil {
		return nil, err
	}

	parentID := s.newID()
	created := make([]*model.Escrow, 0, len(milestones))
	for i, m := range milestones {
		child := req
		child.AmountDrops = amounts[i]
		if !m.Deadline.IsZero() {
			child.Deadline = m.Deadline
		}
		if req.IdempotencyKey != "" {
			child.IdempotencyKey = fmt.Sprintf("%s/%d", req.IdempotencyKey, i+1)
		}

		e, err := s.createOne(ctx, child, &model.Milestone{
			ParentID:    parentID,
			Index:       i + 1,
			Total:       len(milestones),
			Description: s.sanitizer.Sanitize(m.Description),
		})
		if err != nil {
			return created, fmt.Errorf("milestone %d of %d: %w", i+1, len(milestones), err)
		}
		created = append(created, e)
	}

	slog.Info("milestone escrows created", "parent_id", parentID, "count", len(created))
	return created, nil
}

// Get returns a single escrow.
func (s *EscrowService) Get(ctx context.Context, id string) (*model.Escrow, error) {
	return s.load(ctx, id)
}

// List returns escrows matching filter, newest first.
func (s *EscrowService) List(ctx context.Context, filter model.EscrowFilter) ([]model.Escrow, error) {
	if filter.Limit <= 0 {
		filter.Limit = defaultListLimit
	}
	if filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	return s.escrows.List(ctx, filter)
}

// Evidence returns the evaluated evidence recorded for an escrow.
func (s *EscrowService) Evidence(ctx context.Context, id string) ([]model.ValidationEvidence, error) {
	if _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	return s.evidence.ListByEscrow(ctx, id)
}

func (s *EscrowService) createOne(ctx context.Context, req CreateRequest, milestone *model.Milestone) (*model.Escrow, error) {
	if err := validateCreate(req); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	deadline, source := req.Deadline, model.ParametersSourceRequest
	if deadline.IsZero() {
		params := s.params.Parameters(ctx, req.Metadata.Region)
		deadline, source = params.Deadline(now), params.Source
	}
	// The ledger works in whole seconds.
	deadline = deadline.UTC().Truncate(time.Second)
	if !deadline.After(now) {
		return nil, fmt.Errorf("%w: %s", model.ErrInvalidDeadline, deadline.Format(time.RFC3339))
	}

	keyed := s.idempotency != nil && req.IdempotencyKey != ""
	if keyed {
		existingID, reserved, err := s.idempotency.Reserve(ctx, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("reserving idempotency key: %w", err)
		}
		if !reserved {
			if existingID == "" {
				return nil, fmt.Errorf("%w: a request with this idempotency key is in progress", model.ErrConcurrencyConflict)
			}
			slog.Info("idempotent create replayed", "escrow_id", existingID)
			return s.load(ctx, existingID)
		}
	}

	e, locked, err := s.lockAndPersist(ctx, req, milestone, now, deadline, source)

	if keyed {
		switch {
		case err == nil:
			if cerr := s.idempotency.Complete(ctx, req.IdempotencyKey, e.ID); cerr != nil {
				slog.Error("failed to complete idempotency key", "escrow_id", e.ID, "error", cerr)
			}
		case !locked:
			if rerr := s.idempotency.Release(ctx, req.IdempotencyKey); rerr != nil {
				slog.Error("failed to release idempotency key", "error", rerr)
			}
		default:
			// Funds may be locked without a record. Keep the key so a replay
			// cannot lock them twice.
		}
	}
	return e, err
}

// lockAndPersist reports locked=true once the ledger may hold the funds, even
// if persisting the record then fails.
func (s *EscrowService) lockAndPersist(
	ctx context.Context,
	req CreateRequest,
	milestone *model.Milestone,
	now, deadline time.Time,
	source model.ParametersSource,
) (*model.Escrow, bool, error) {
	f, cond, err := s.vault.GenerateSecret()
	if err != nil {
		return nil, false, fmt.Errorf("generating fulfillment: %w", err)
	}
	sealed, err := s.vault.Encrypt(f)
	f.Wipe()
	if err != nil {
		return nil, false, fmt.Errorf("sealing fulfillment: %w", err)
	}

	ledgerReq := driven.EscrowCreateRequest{
		Owner:       req.OwnerAddress,
		Beneficiary: req.BeneficiaryAddress,
		AmountDrops: req.AmountDrops,
		Condition:   cond.Bytes(),
		CancelAfter: deadline,
	}
	res, err := s.submitCreate(ctx, ledgerReq)
	if err != nil {
		// An unresolved outcome may still lock funds later.
		return nil, errors.Is(err, driven.ErrLedgerOutcomeUnknown), err
	}

	e := model.Escrow{
		ID:                   s.newID(),
		LedgerSequence:       res.Sequence,
		CreationTxRef:        res.TxRef,
		OwnerAddress:         req.OwnerAddress,
		BeneficiaryAddress:   req.BeneficiaryAddress,
		AmountDrops:          req.AmountDrops,
		ConditionEncoded:     cond.Hex(),
		EncryptedFulfillment: sealed,
		Deadline:             deadline,
		CreatedAt:            now,
		Status:               model.EscrowStatusPending,
		Version:              1,
		Metadata:             s.sanitizeMetadata(req.Metadata),
		Milestone:            milestone,
		ParametersSource:     source,
	}
	if err := s.escrows.Insert(ctx, e); err != nil {
		slog.Error("escrow locked on ledger but not persisted",
			"owner", e.OwnerAddress,
			"sequence", e.LedgerSequence,
			"tx_ref", e.CreationTxRef,
			"error", err,
		)
		return nil, true, fmt.Errorf("persisting escrow: %w", err)
	}

	slog.Info("escrow created",
		"escrow_id", e.ID,
		"sequence", e.LedgerSequence,
		"amount", e.AmountDisplay().String(),
		"deadline", e.Deadline,
		"parameters_source", e.ParametersSource,
	)
	s.notify(ctx, model.NotificationEscrowCreated, &e, e.CreationTxRef, "")
	return &e, true, nil
}

// submitCreate sends the create transaction and settles any ambiguity about
// its outcome before returning.
func (s *EscrowService) submitCreate(ctx context.Context, req driven.EscrowCreateRequest) (driven.LedgerResult, error) {
	var res driven.LedgerResult
	err := s.retry.do(ctx, isLedgerTransient, func() error {
		var err error
		res, err = s.ledger.SubmitEscrowCreate(ctx, req)
		return err
	})

	switch {
	case errors.Is(err, driven.ErrLedgerOutcomeUnknown):
		slog.Warn("escrow create outcome unknown, checking ledger", "owner", req.Owner, "sequence", res.Sequence)
		return s.confirmCreate(ctx, req, res)
	case err != nil:
		return res, fmt.Errorf("%w: %w", model.ErrLedgerSubmissionFailed, err)
	}

	switch res.Status {
	case driven.LedgerStatusConfirmed:
		return res, nil
	case driven.LedgerStatusPending:
		return s.confirmCreate(ctx, req, res)
	default:
		return res, fmt.Errorf("%w: %w: %s %s", model.ErrLedgerSubmissionFailed, model.ErrLedgerRejected, res.ResultCode, res.Reason)
	}
}

// confirmCreate decides whether an unconfirmed create took effect, first from
// the transaction's final status and otherwise from the escrow object itself.
func (s *EscrowService) confirmCreate(ctx context.Context, req driven.EscrowCreateRequest, res driven.LedgerResult) (driven.LedgerResult, error) {
	if res.TxRef != "" {
		final, err := s.awaitFinality(ctx, res.TxRef)
		if err == nil {
			if final.Sequence == 0 {
				final.Sequence = res.Sequence
			}
			if final.Status == driven.LedgerStatusConfirmed {
				return final, nil
			}
			return final, fmt.Errorf("%w: %w: %s %s", model.ErrLedgerSubmissionFailed, model.ErrLedgerRejected, final.ResultCode, final.Reason)
		}
	}

	var obj *driven.LedgerEscrow
	err := s.retry.do(ctx, isLedgerTransient, func() error {
		var err error
		obj, err = s.ledger.LookupEscrow(ctx, driven.EscrowRef{Owner: req.Owner, Sequence: res.Sequence})
		return err
	})
	if err != nil {
		return res, fmt.Errorf("%w: %w", model.ErrLedgerSubmissionFailed, err)
	}
	if obj == nil || !bytes.Equal(obj.Condition, req.Condition) {
		return res, fmt.Errorf("%w: %w: escrow not found on ledger", model.ErrLedgerSubmissionFailed, driven.ErrLedgerOutcomeUnknown)
	}

	res.Status = driven.LedgerStatusConfirmed
	return res, nil
}

// awaitFinality polls a transaction until it is confirmed or rejected, within
// the retry budget.
func (s *EscrowService) awaitFinality(ctx context.Context, txRef string) (driven.LedgerResult, error) {
	var res driven.LedgerResult
	err := s.retry.do(ctx, func(err error) bool {
		return isLedgerTransient(err) || errors.Is(err, errAwaitingFinality)
	}, func() error {
		var err error
		res, err = s.ledger.TransactionStatus(ctx, txRef)
		if err != nil {
			return err
		}
		if res.Status == driven.LedgerStatusPending {
			return errAwaitingFinality
		}
		return nil
	})
	return res, err
}

func (s *EscrowService) load(ctx context.Context, id string) (*model.Escrow, error) {
	e, err := s.escrows.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("loading escrow %s: %w", id, err)
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrEscrowNotFound, id)
	}
	return e, nil
}

// notify publishes a notification. Delivery failures are logged and never
// undo a persisted change.
func (s *EscrowService) notify(ctx context.Context, typ model.NotificationType, e *model.Escrow, txRef, reason string) {
	if s.publisher == nil {
		return
	}
	n := model.Notification{
		Type:       typ,
		EscrowID:   e.ID,
		Status:     e.Status,
		TxRef:      txRef,
		Reason:     reason,
		OccurredAt: s.now().UTC(),
	}
	if err := s.publisher.Publish(ctx, n); err != nil {
		slog.Error("failed to publish notification", "type", typ, "escrow_id", e.ID, "error", err)
	}
}

func (s *EscrowService) sanitizeMetadata(m model.ProjectMetadata) model.ProjectMetadata {
	return model.ProjectMetadata{
		ProjectID:   strings.TrimSpace(s.sanitizer.Sanitize(m.ProjectID)),
		ProjectName: strings.TrimSpace(s.sanitizer.Sanitize(m.ProjectName)),
		Description: strings.TrimSpace(s.sanitizer.Sanitize(m.Description)),
		Region:      strings.TrimSpace(s.sanitizer.Sanitize(m.Region)),
	}
}

func validateCreate(req CreateRequest) error {
	if req.AmountDrops <= 0 {
		return fmt.Errorf("%w: got %d", model.ErrInvalidAmount, req.AmountDrops)
	}
	if !classicAddress.MatchString(req.OwnerAddress) {
		return fmt.Errorf("%w: owner %q", model.ErrInvalidAddress, req.OwnerAddress)
	}
	if !classicAddress.MatchString(req.BeneficiaryAddress) {
		return fmt.Errorf("%w: beneficiary %q", model.ErrInvalidAddress, req.BeneficiaryAddress)
	}
	if req.OwnerAddress == req.BeneficiaryAddress {
		return fmt.Errorf("%w: owner and beneficiary are the same account", model.ErrInvalidAddress)
	}
	return nil
}

// splitAmount divides total by percentage. Each tranche is floored and the
// last one absorbs the remainder.
func splitAmount(total int64, milestones []MilestoneRequest) ([]int64, error) {
	if total <= 0 {
		return nil, fmt.Errorf("%w: got %d", model.ErrInvalidAmount, total)
	}
	if len(milestones) == 0 {
		return nil, fmt.Errorf("%w: no milestones", model.ErrInvalidSplit)
	}

	sum := 0
	for _, m := range milestones {
		if m.Percentage <= 0 {
			return nil, fmt.Errorf("%w: got %d%%", model.ErrInvalidSplit, m.Percentage)
		}
		sum += m.Percentage
	}
	if sum != 100 {
		return nil, fmt.Errorf("%w: sum is %d%%", model.ErrInvalidSplit, sum)
	}

	amounts := make([]int64, len(milestones))
	whole := decimal.NewFromInt(total)
	var allocated int64
	for i, m := range milestones {
		if i == len(milestones)-1 {
			amounts[i] = total - allocated
		} else {
			amounts[i] = whole.Mul(decimal.NewFromInt(int64(m.Percentage))).Div(decimal.NewFromInt(100)).Floor().IntPart()
		}
		if amounts[i] <= 0 {
			return nil, fmt.Errorf("%w: milestone %d would hold no funds", model.ErrInvalidSplit, i+1)
		}
		allocated += amounts[i]
	}
	return amounts, nil
}

func isLedgerTransient(err error) bool {
	return errors.Is(err, driven.ErrLedgerTransient)
}

func isConflict(err error) bool {
	return errors.Is(err, model.ErrConcurrencyConflict)
}
