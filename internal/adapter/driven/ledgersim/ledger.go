// Package ledgersim is an in-process ledger that applies the escrow rules of
// the XRP Ledger. It backs development mode and the engine's tests.
package ledgersim

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ericfisherdev/impactescrow/internal/domain/condition"
	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

// Ledger result codes used by the simulator. They mirror rippled's names.
const (
	CodeSuccess        = "tesSUCCESS"
	CodeNoTarget       = "tecNO_TARGET"
	CodeNoPermission   = "tecNO_PERMISSION"
	CodeConditionError = "tecCRYPTOCONDITION_ERROR"
	CodeMalformed      = "temMALFORMED"
)

// Operation names a ledger call for fault injection and counting.
type Operation string

const (
	OpCreate Operation = "create"
	OpFinish Operation = "finish"
	OpCancel Operation = "cancel"
	OpLookup Operation = "lookup"
)

// Compile-time interface satisfaction check.
var _ driven.Ledger = (*Ledger)(nil)

type escrowEntry struct {
	obj   driven.LedgerEscrow
	owner string
}

type fault struct {
	err   error
	apply bool
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu  sync.Mutex
	now func() time.Time

	enforceCancelAfter bool
	deferFinality      bool

	sequences   map[string]uint32
	escrows     map[driven.EscrowRef]*escrowEntry
	txs         map[string]driven.LedgerResult
	pending     map[string]driven.LedgerResult
	settlements map[driven.EscrowRef]driven.LedgerSettlement
	balances    map[string]int64
	faults      map[Operation][]fault
	submissions map[Operation]int
	txCounter   uint64
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock sets the time source used for CancelAfter checks.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithCancelAfterEnforced makes EscrowCancel fail before CancelAfter, as the
// real ledger does. By default early cancels are allowed.
func WithCancelAfterEnforced() Option {
	return func(l *Ledger) { l.enforceCancelAfter = true }
}

// WithDeferredFinality makes submissions report pending until ConfirmPending is called.
func WithDeferredFinality() Option {
	return func(l *Ledger) { l.deferFinality = true }
}

// New creates an empty simulated ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		now:         time.Now,
		sequences:   make(map[string]uint32),
		escrows:     make(map[driven.EscrowRef]*escrowEntry),
		txs:         make(map[string]driven.LedgerResult),
		pending:     make(map[string]driven.LedgerResult),
		settlements: make(map[driven.EscrowRef]driven.LedgerSettlement),
		balances:    make(map[string]int64),
		faults:      make(map[Operation][]fault),
		submissions: make(map[Operation]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// FailNext makes the next call to op return err without touching state.
func (l *Ledger) FailNext(op Operation, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = append(l.faults[op], fault{err: err})
}

// TimeoutAfterApply makes the next call to op take effect on the ledger and
// then return err, as when a response is lost after submission.
func (l *Ledger) TimeoutAfterApply(op Operation, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = append(l.faults[op], fault{err: err, apply: true})
}

// Submissions returns how many times op reached the ledger.
func (l *Ledger) Submissions(op Operation) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.submissions[op]
}

// Balance returns the net drops moved into (positive) or out of an account.
func (l *Ledger) Balance(address string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[address]
}

// EscrowCount returns the number of escrow objects still on the ledger.
func (l *Ledger) EscrowCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.escrows)
}

// ConfirmPending finalizes every deferred transaction.
func (l *Ledger) ConfirmPending() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ref, res := range l.pending {
		l.txs[ref] = res
		delete(l.pending, ref)
	}
}

// SubmitEscrowCreate locks AmountDrops from Owner under Condition.
func (l *Ledger) SubmitEscrowCreate(_ context.Context, req driven.EscrowCreateRequest) (driven.LedgerResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.submissions[OpCreate]++
	f, faulted := l.takeFault(OpCreate)
	if faulted && !f.apply {
		return driven.LedgerResult{}, f.err
	}

	seq := l.sequences[req.Owner] + 1
	l.sequences[req.Owner] = seq

	var res driven.LedgerResult
	switch {
	case req.AmountDrops <= 0 || req.Owner == "" || req.Beneficiary == "":
		res = l.reject(CodeMalformed, "malformed escrow create")
	case len(req.Condition) > 0 && !validCondition(req.Condition):
		res = l.reject(CodeMalformed, "malformed condition")
	default:
		ref := driven.EscrowRef{Owner: req.Owner, Sequence: seq}
		l.escrows[ref] = &escrowEntry{
			owner: req.Owner,
			obj: driven.LedgerEscrow{
				Ref:         ref,
				Beneficiary: req.Beneficiary,
				AmountDrops: req.AmountDrops,
				Condition:   append([]byte(nil), req.Condition...),
				CancelAfter: req.CancelAfter,
			},
		}
		l.balances[req.Owner] -= req.AmountDrops
		res = l.confirm()
	}
	res.Sequence = seq
	res = l.record(res)

	if faulted {
		return res, f.err
	}
	return res, nil
}

// SubmitEscrowFinish releases the escrow to its beneficiary when the
// fulfillment matches and CancelAfter has not passed.
func (l *Ledger) SubmitEscrowFinish(_ context.Context, ref driven.EscrowRef, cond, fulfillment []byte) (driven.LedgerResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.submissions[OpFinish]++
	f, faulted := l.takeFault(OpFinish)
	if faulted && !f.apply {
		return driven.LedgerResult{}, f.err
	}

	var res driven.LedgerResult
	entry, ok := l.escrows[ref]
	switch {
	case !ok:
		res = l.reject(CodeNoTarget, "escrow not found")
	case !entry.obj.CancelAfter.IsZero() && !l.now().Before(entry.obj.CancelAfter):
		res = l.reject(CodeNoPermission, "escrow has passed CancelAfter")
	case !l.fulfills(entry.obj.Condition, cond, fulfillment):
		res = l.reject(CodeConditionError, "fulfillment does not match condition")
	default:
		delete(l.escrows, ref)
		l.balances[entry.obj.Beneficiary] += entry.obj.AmountDrops
		res = l.confirm()
	}
	res = l.record(res)
	if res.ResultCode == CodeSuccess {
		l.settlements[ref] = driven.LedgerSettlement{TxRef: res.TxRef, Kind: driven.SettlementFinish}
	}

	if faulted {
		return res, f.err
	}
	return res, nil
}

// SubmitEscrowCancel returns the escrowed amount to its owner.
func (l *Ledger) SubmitEscrowCancel(_ context.Context, ref driven.EscrowRef) (driven.LedgerResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.submissions[OpCancel]++
	f, faulted := l.takeFault(OpCancel)
	if faulted && !f.apply {
		return driven.LedgerResult{}, f.err
	}

	var res driven.LedgerResult
	entry, ok := l.escrows[ref]
	switch {
	case !ok:
		res = l.reject(CodeNoTarget, "escrow not found")
	case l.enforceCancelAfter && (entry.obj.CancelAfter.IsZero() || l.now().Before(entry.obj.CancelAfter)):
		res = l.reject(CodeNoPermission, "escrow cannot be cancelled before CancelAfter")
	default:
		delete(l.escrows, ref)
		l.balances[entry.owner] += entry.obj.AmountDrops
		res = l.confirm()
	}
	res = l.record(res)
	if res.ResultCode == CodeSuccess {
		l.settlements[ref] = driven.LedgerSettlement{TxRef: res.TxRef, Kind: driven.SettlementCancel}
	}

	if faulted {
		return res, f.err
	}
	return res, nil
}

// LookupEscrow returns the escrow object or nil if it has been finished or cancelled.
func (l *Ledger) LookupEscrow(_ context.Context, ref driven.EscrowRef) (*driven.LedgerEscrow, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.submissions[OpLookup]++
	if f, ok := l.takeFault(OpLookup); ok {
		return nil, f.err
	}

	entry, ok := l.escrows[ref]
	if !ok {
		return nil, nil
	}
	obj := entry.obj
	obj.Condition = append([]byte(nil), obj.Condition...)
	return &obj, nil
}

// TransactionStatus reports a recorded transaction, or pending while deferred.
func (l *Ledger) TransactionStatus(_ context.Context, txRef string) (driven.LedgerResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if res, ok := l.txs[txRef]; ok {
		return res, nil
	}
	if res, ok := l.pending[txRef]; ok {
		res.Status = driven.LedgerStatusPending
		return res, nil
	}
	return driven.LedgerResult{}, fmt.Errorf("transaction %s: %w", txRef, driven.ErrLedgerTransient)
}

// FindSettlement returns the finish or cancel that removed the escrow once
// it is final.
func (l *Ledger) FindSettlement(_ context.Context, ref driven.EscrowRef) (*driven.LedgerSettlement, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.settlements[ref]
	if !ok {
		return nil, nil
	}
	if _, final := l.txs[st.TxRef]; !final {
		return nil, nil
	}
	return &st, nil
}

func (l *Ledger) fulfills(stored, cond, fulfillment []byte) bool {
	if len(cond) > 0 && !bytes.Equal(cond, stored) {
		return false
	}
	c, err := condition.ParseCondition(stored)
	if err != nil {
		return false
	}
	f, err := condition.ParseFulfillment(fulfillment)
	if err != nil {
		return false
	}
	defer f.Wipe()
	return condition.Verify(c, f)
}

func validCondition(b []byte) bool {
	_, err := condition.ParseCondition(b)
	return err == nil
}

func (l *Ledger) takeFault(op Operation) (fault, bool) {
	q := l.faults[op]
	if len(q) == 0 {
		return fault{}, false
	}
	l.faults[op] = q[1:]
	return q[0], true
}

func (l *Ledger) confirm() driven.LedgerResult {
	return driven.LedgerResult{Status: driven.LedgerStatusConfirmed, ResultCode: CodeSuccess}
}

func (l *Ledger) reject(code, reason string) driven.LedgerResult {
	return driven.LedgerResult{Status: driven.LedgerStatusRejected, ResultCode: code, Reason: reason}
}

// record assigns a transaction reference and stores the outcome. Deferred
// successes are reported pending and held until ConfirmPending.
func (l *Ledger) record(res driven.LedgerResult) driven.LedgerResult {
	l.txCounter++
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], l.txCounter)
	sum := sha256.Sum256(buf[:])
	res.TxRef = strings.ToUpper(hex.EncodeToString(sum[:]))

	if l.deferFinality && res.Status == driven.LedgerStatusConfirmed {
		l.pending[res.TxRef] = res
		res.Status = driven.LedgerStatusPending
		return res
	}
	l.txs[res.TxRef] = res
	return res
}
