package application_test

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/impactescrow/internal/adapter/driven/ledgersim"
	"github.com/ericfisherdev/impactescrow/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/impactescrow/internal/adapter/driven/vault"
	"github.com/ericfisherdev/impactescrow/internal/application"
	"github.com/ericfisherdev/impactescrow/internal/domain/condition"
	"github.com/ericfisherdev/impactescrow/internal/domain/model"
	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

const (
	donorAddress       = "rPT1Sjq2YGrBMTttX4GZHjKu9dyfzbpAYe"
	beneficiaryAddress = "rHb9CJAWyB4rj91VRWn96DkukG4bwdtyTh"
)

var (
	acceptVerdict       = model.Verdict{Score: 92, Confidence: 0.9, Verified: true, Reasoning: "planting verified"}
	rejectVerdict       = model.Verdict{Score: 20, Confidence: 0.5, Verified: true, Reasoning: "no planting found"}
	inconclusiveVerdict = model.Verdict{Score: 60, Confidence: 0.9, Verified: true, Reasoning: "partial coverage"}
)

var fastRetry = application.RetryPolicy{
	MaxRetries:      4,
	InitialInterval: time.Millisecond,
	MaxInterval:     5 * time.Millisecond,
}

// --- Test doubles ---

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubValidator struct {
	mu      sync.Mutex
	verdict model.Verdict
	err     error
	calls   int
}

func (v *stubValidator) Validate(_ context.Context, _ string, _ model.EvidenceSubmission) (model.Verdict, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.verdict, v.err
}

func (v *stubValidator) set(verdict model.Verdict, err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.verdict, v.err = verdict, err
}

func (v *stubValidator) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type recordingPublisher struct {
	mu    sync.Mutex
	notes []model.Notification
}

func (p *recordingPublisher) Publish(_ context.Context, n model.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notes = append(p.notes, n)
	return nil
}

func (p *recordingPublisher) types() []model.NotificationType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.NotificationType, 0, len(p.notes))
	for _, n := range p.notes {
		out = append(out, n.Type)
	}
	return out
}

type stubAdvisor struct {
	params model.Parameters
	err    error
}

func (a *stubAdvisor) Advise(_ context.Context, _ string) (model.Parameters, error) {
	return a.params, a.err
}

// --- Harness ---

type harness struct {
	svc       *application.EscrowService
	deps      application.EscrowDeps
	store     *sqlite.EscrowRepo
	ledger    *ledgersim.Ledger
	validator *stubValidator
	publisher *recordingPublisher
	clock     *testClock
	opts      []application.EscrowOption
}

type harnessConfig struct {
	ledgerOpts []ledgersim.Option
	deps       func(*application.EscrowDeps)
	opts       []application.EscrowOption
}

func newHarness(t *testing.T, opts ...application.EscrowOption) *harness {
	t.Helper()
	return newHarnessWith(t, harnessConfig{opts: opts})
}

func newHarnessWith(t *testing.T, cfg harnessConfig) *harness {
	t.Helper()

	db, err := sqlite.NewMemoryDB(context.Background(), t.Name())
	require.NoError(t, err)
	require.NoError(t, sqlite.RunMigrations(db.Writer))
	t.Cleanup(func() { _ = db.Close() })

	clock := &testClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	ledger := ledgersim.New(append([]ledgersim.Option{ledgersim.WithClock(clock.Now)}, cfg.ledgerOpts...)...)

	v, err := vault.New(bytes.Repeat([]byte{7}, vault.KeySize))
	require.NoError(t, err)

	oracle, err := application.NewOracleGateway(model.DefaultThresholds)
	require.NoError(t, err)

	h := &harness{
		store:     sqlite.NewEscrowRepo(db),
		ledger:    ledger,
		validator: &stubValidator{verdict: acceptVerdict},
		publisher: &recordingPublisher{},
		clock:     clock,
	}
	h.deps = application.EscrowDeps{
		Escrows:     h.store,
		Evidence:    sqlite.NewEvidenceRepo(db),
		Idempotency: sqlite.NewIdempotencyRepo(db),
		Vault:       v,
		Ledger:      ledger,
		Validator:   h.validator,
		Publisher:   h.publisher,
		Oracle:      oracle,
	}
	if cfg.deps != nil {
		cfg.deps(&h.deps)
	}

	h.opts = append([]application.EscrowOption{
		application.WithClock(clock.Now),
		application.WithRetryPolicy(fastRetry),
	}, cfg.opts...)
	h.svc = application.NewEscrowService(h.deps, h.opts...)
	return h
}

// service builds a second service over the same stores and ledger with
// modified dependencies.
func (h *harness) service(modify func(*application.EscrowDeps)) *application.EscrowService {
	deps := h.deps
	modify(&deps)
	return application.NewEscrowService(deps, h.opts...)
}

func (h *harness) createRequest() application.CreateRequest {
	return application.CreateRequest{
		OwnerAddress:       donorAddress,
		BeneficiaryAddress: beneficiaryAddress,
		AmountDrops:        5_000_000,
		Deadline:           h.clock.Now().Add(90 * 24 * time.Hour),
		Metadata: model.ProjectMetadata{
			ProjectID:   "proj-42",
			ProjectName: "Mangrove restoration",
			Region:      "kenya",
		},
	}
}

func (h *harness) create(t *testing.T) *model.Escrow {
	t.Helper()
	e, err := h.svc.Create(context.Background(), h.createRequest())
	require.NoError(t, err)
	return e
}

func (h *harness) submit(t *testing.T, id, ref string, verdict model.Verdict) *application.EvidenceResult {
	t.Helper()
	h.validator.set(verdict, nil)
	res, err := h.svc.SubmitEvidence(context.Background(), id, model.EvidenceSubmission{
		EvidenceRef: ref,
		Category:    "satellite",
		Payload:     []byte(`{"ndvi":0.71}`),
	})
	require.NoError(t, err)
	return res
}

func (h *harness) approved(t *testing.T) *model.Escrow {
	t.Helper()
	e := h.create(t)
	res := h.submit(t, e.ID, "ipfs://evidence-approve", acceptVerdict)
	require.Equal(t, model.EscrowStatusApproved, res.Escrow.Status)
	return res.Escrow
}

func (h *harness) reload(t *testing.T, id string) *model.Escrow {
	t.Helper()
	e, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, e)
	return e
}

// finishOnLedger releases the escrow directly on the ledger without going
// through the service, so the stored record does not see it.
func (h *harness) finishOnLedger(t *testing.T, e *model.Escrow) driven.LedgerResult {
	t.Helper()
	cond, err := condition.ParseConditionHex(e.ConditionEncoded)
	require.NoError(t, err)
	f, err := h.deps.Vault.Decrypt(e.EncryptedFulfillment)
	require.NoError(t, err)
	defer f.Wipe()

	ref := driven.EscrowRef{Owner: e.OwnerAddress, Sequence: e.LedgerSequence}
	res, err := h.ledger.SubmitEscrowFinish(context.Background(), ref, cond.Bytes(), f.Bytes())
	require.NoError(t, err)
	require.Equal(t, driven.LedgerStatusConfirmed, res.Status)
	return res
}

// claimStale records a settlement claim for op as a crashed worker would
// leave it, then moves the clock past the claim TTL.
func (h *harness) claimStale(t *testing.T, id string, op model.PendingOp) {
	t.Helper()
	current := h.reload(t, id)
	claimed := current.Clone()
	claimed.PendingOp = op
	claimed.PendingSince = h.clock.Now()
	claimed.Version = current.Version + 1
	require.NoError(t, h.store.CompareAndSwap(context.Background(), claimed, current.Version))
	h.clock.Advance(application.DefaultClaimTTL)
}
