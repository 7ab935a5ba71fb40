// Package xrpl implements the Ledger port against a rippled server over
// JSON-RPC. Transactions are signed by the server from configured seeds and
// submitted as signed blobs, so every submission has a known hash before it
// leaves the process.
package xrpl

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

// rippleEpochOffset is the number of seconds between the Unix epoch and the
// Ripple epoch (2000-01-01T00:00:00Z).
const rippleEpochOffset = 946684800

const (
	defaultLedgerWindow      = 20
	defaultRequestsPerSecond = 5
	defaultTimeout           = 30 * time.Second
	defaultPollInterval      = time.Second
)

// Compile-time interface satisfaction check.
var _ driven.Ledger = (*Ledger)(nil)

// Config configures the rippled client. Seeds are secrets and are never logged.
type Config struct {
	URL string

	// OperatorAddress and OperatorSeed sign EscrowFinish and EscrowCancel.
	OperatorAddress string
	OperatorSeed    string

	// Signers maps custodial owner addresses to the seeds that sign their
	// EscrowCreate transactions.
	Signers map[string]string

	RequestsPerSecond float64

	// Timeout bounds how long a submission waits for validation before it is
	// reported as pending.
	Timeout      time.Duration
	PollInterval time.Duration

	// LedgerWindow is added to the current ledger index to form LastLedgerSequence.
	LedgerWindow uint32

	HTTPClient *http.Client
}

// Ledger is a rippled JSON-RPC client.
type Ledger struct {
	url          string
	http         *http.Client
	limiter      *rate.Limiter
	operator     string
	operatorSeed string
	signers      map[string]string
	timeout      time.Duration
	pollInterval time.Duration
	window       uint32

	// submitMu serializes sequence allocation so concurrent submissions from
	// one account do not collide.
	submitMu sync.Mutex

	mu         sync.Mutex
	lastLedger map[string]uint32
}

// New validates cfg and returns a Ledger.
func New(cfg Config) (*Ledger, error) {
	if cfg.URL == "" {
		return nil, errors.New("xrpl: RPC URL is required")
	}
	if cfg.OperatorAddress == "" || cfg.OperatorSeed == "" {
		return nil, errors.New("xrpl: operator address and seed are required")
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.LedgerWindow == 0 {
		cfg.LedgerWindow = defaultLedgerWindow
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}

	signers := make(map[string]string, len(cfg.Signers))
	for addr, seed := range cfg.Signers {
		signers[addr] = seed
	}

	return &Ledger{
		url:          cfg.URL,
		http:         cfg.HTTPClient,
		limiter:      rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), int(cfg.RequestsPerSecond)+1),
		operator:     cfg.OperatorAddress,
		operatorSeed: cfg.OperatorSeed,
		signers:      signers,
		timeout:      cfg.Timeout,
		pollInterval: cfg.PollInterval,
		window:       cfg.LedgerWindow,
		lastLedger:   make(map[string]uint32),
	}, nil
}

// ToRippleTime converts t to seconds since the Ripple epoch.
func ToRippleTime(t time.Time) uint32 {
	return uint32(t.Unix() - rippleEpochOffset)
}

// FromRippleTime converts seconds since the Ripple epoch to a UTC time.
func FromRippleTime(s uint32) time.Time {
	return time.Unix(int64(s)+rippleEpochOffset, 0).UTC()
}

// SubmitEscrowCreate locks funds from a custodial owner account.
func (l *Ledger) SubmitEscrowCreate(ctx context.Context, req driven.EscrowCreateRequest) (driven.LedgerResult, error) {
	seed, ok := l.signers[req.Owner]
	if !ok {
		return driven.LedgerResult{}, fmt.Errorf("xrpl: no signing key configured for owner %s", req.Owner)
	}

	tx := map[string]any{
		"TransactionType": "EscrowCreate",
		"Destination":     req.Beneficiary,
		"Amount":          strconv.FormatInt(req.AmountDrops, 10),
		"CancelAfter":     ToRippleTime(req.CancelAfter),
	}
	if len(req.Condition) > 0 {
		tx["Condition"] = strings.ToUpper(hex.EncodeToString(req.Condition))
	}
	return l.submit(ctx, req.Owner, seed, tx)
}

// SubmitEscrowFinish releases an escrow using the operator account.
func (l *Ledger) SubmitEscrowFinish(ctx context.Context, ref driven.EscrowRef, cond, fulfillment []byte) (driven.LedgerResult, error) {
	tx := map[string]any{
		"TransactionType": "EscrowFinish",
		"Owner":           ref.Owner,
		"OfferSequence":   ref.Sequence,
		"Condition":       strings.ToUpper(hex.EncodeToString(cond)),
		"Fulfillment":     strings.ToUpper(hex.EncodeToString(fulfillment)),
	}
	return l.submit(ctx, l.operator, l.operatorSeed, tx)
}

// SubmitEscrowCancel returns an escrow to its owner using the operator account.
func (l *Ledger) SubmitEscrowCancel(ctx context.Context, ref driven.EscrowRef) (driven.LedgerResult, error) {
	tx := map[string]any{
		"TransactionType": "EscrowCancel",
		"Owner":           ref.Owner,
		"OfferSequence":   ref.Sequence,
	}
	return l.submit(ctx, l.operator, l.operatorSeed, tx)
}

type ledgerEntryResult struct {
	Node struct {
		Account     string `json:"Account"`
		Destination string `json:"Destination"`
		Amount      string `json:"Amount"`
		Condition   string `json:"Condition"`
		CancelAfter uint32 `json:"CancelAfter"`
	} `json:"node"`
}

// LookupEscrow reads the escrow object from the last validated ledger.
func (l *Ledger) LookupEscrow(ctx context.Context, ref driven.EscrowRef) (*driven.LedgerEscrow, error) {
	var entry ledgerEntryResult
	err := l.call(ctx, "ledger_entry", map[string]any{
		"escrow":       map[string]any{"owner": ref.Owner, "seq": ref.Sequence},
		"ledger_index": "validated",
	}, &entry)
	if isRPCCode(err, "entryNotFound") {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	amount, err := strconv.ParseInt(entry.Node.Amount, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("xrpl: escrow amount %q: %w", entry.Node.Amount, err)
	}
	cond, err := hex.DecodeString(entry.Node.Condition)
	if err != nil {
		return nil, fmt.Errorf("xrpl: escrow condition: %w", err)
	}

	obj := &driven.LedgerEscrow{
		Ref:         ref,
		Beneficiary: entry.Node.Destination,
		AmountDrops: amount,
		Condition:   cond,
	}
	if entry.Node.CancelAfter != 0 {
		obj.CancelAfter = FromRippleTime(entry.Node.CancelAfter)
	}
	return obj, nil
}

type txResult struct {
	Hash      string `json:"hash"`
	Sequence  uint32 `json:"Sequence"`
	Validated bool   `json:"validated"`
	Meta      struct {
		TransactionResult string `json:"TransactionResult"`
	} `json:"meta"`
}

// TransactionStatus reports the validated outcome of a transaction. A
// transaction that is not found after its LastLedgerSequence has been
// validated can never succeed and is reported as rejected.
func (l *Ledger) TransactionStatus(ctx context.Context, txRef string) (driven.LedgerResult, error) {
	var tx txResult
	err := l.call(ctx, "tx", map[string]any{"transaction": txRef, "binary": false}, &tx)
	if isRPCCode(err, "txnNotFound") {
		expired, eerr := l.expired(ctx, txRef)
		if eerr != nil {
			return driven.LedgerResult{}, eerr
		}
		if expired {
			l.forget(txRef)
			return driven.LedgerResult{
				TxRef:      txRef,
				Status:     driven.LedgerStatusRejected,
				ResultCode: "tefMAX_LEDGER",
				Reason:     "transaction expired before validation",
			}, nil
		}
		return driven.LedgerResult{TxRef: txRef, Status: driven.LedgerStatusPending}, nil
	}
	if err != nil {
		return driven.LedgerResult{}, err
	}

	res := driven.LedgerResult{TxRef: txRef, Sequence: tx.Sequence, ResultCode: tx.Meta.TransactionResult}
	switch {
	case !tx.Validated:
		res.Status = driven.LedgerStatusPending
	case tx.Meta.TransactionResult == "tesSUCCESS":
		res.Status = driven.LedgerStatusConfirmed
	default:
		res.Status = driven.LedgerStatusRejected
		res.Reason = "transaction failed in validated ledger"
	}
	if res.Status != driven.LedgerStatusPending {
		l.forget(txRef)
	}
	return res, nil
}

// maxHistoryPages bounds how far back FindSettlement walks account history.
const maxHistoryPages = 10

type accountTxResult struct {
	Transactions []struct {
		Tx struct {
			TransactionType string `json:"TransactionType"`
			Owner           string `json:"Owner"`
			OfferSequence   uint32 `json:"OfferSequence"`
			Hash            string `json:"hash"`
		} `json:"tx"`
		Meta struct {
			TransactionResult string `json:"TransactionResult"`
		} `json:"meta"`
		Validated bool `json:"validated"`
	} `json:"transactions"`
	Marker json.RawMessage `json:"marker"`
}

// FindSettlement walks the operator account's validated history, newest
// first, for the EscrowFinish or EscrowCancel that removed the escrow.
func (l *Ledger) FindSettlement(ctx context.Context, ref driven.EscrowRef) (*driven.LedgerSettlement, error) {
	params := map[string]any{
		"account":          l.operator,
		"ledger_index_min": -1,
		"ledger_index_max": -1,
		"limit":            200,
		"forward":          false,
	}

	for range maxHistoryPages {
		var page accountTxResult
		if err := l.call(ctx, "account_tx", params, &page); err != nil {
			return nil, err
		}

		for _, entry := range page.Transactions {
			if !entry.Validated || entry.Meta.TransactionResult != "tesSUCCESS" {
				continue
			}
			if entry.Tx.Owner != ref.Owner || entry.Tx.OfferSequence != ref.Sequence {
				continue
			}
			switch entry.Tx.TransactionType {
			case "EscrowFinish":
				return &driven.LedgerSettlement{TxRef: entry.Tx.Hash, Kind: driven.SettlementFinish}, nil
			case "EscrowCancel":
				return &driven.LedgerSettlement{TxRef: entry.Tx.Hash, Kind: driven.SettlementCancel}, nil
			}
		}

		if len(page.Marker) == 0 || string(page.Marker) == "null" {
			return nil, nil
		}
		params["marker"] = page.Marker
	}

	slog.Warn("settlement not found within history window",
		"owner", ref.Owner, "sequence", ref.Sequence, "pages", maxHistoryPages)
	return nil, nil
}

type accountInfoResult struct {
	AccountData struct {
		Sequence uint32 `json:"Sequence"`
	} `json:"account_data"`
}

type ledgerCurrentResult struct {
	LedgerCurrentIndex uint32 `json:"ledger_current_index"`
}

type signResult struct {
	TxBlob string `json:"tx_blob"`
	TxJSON struct {
		Hash string `json:"hash"`
	} `json:"tx_json"`
}

type submitResult struct {
	EngineResult        string `json:"engine_result"`
	EngineResultMessage string `json:"engine_result_message"`
}

// submit fills in the account sequence and expiry window, signs, submits and
// waits for validation. Once the signed blob may have reached the network,
// failures are reported as driven.ErrLedgerOutcomeUnknown together with the
// transaction hash and sequence.
func (l *Ledger) submit(ctx context.Context, account, seed string, tx map[string]any) (driven.LedgerResult, error) {
	res, pending, err := l.signAndSubmit(ctx, account, seed, tx)
	if err != nil || !pending {
		return res, err
	}
	return l.awaitValidation(ctx, res)
}

func (l *Ledger) signAndSubmit(ctx context.Context, account, seed string, tx map[string]any) (driven.LedgerResult, bool, error) {
	l.submitMu.Lock()
	defer l.submitMu.Unlock()

	txType, _ := tx["TransactionType"].(string)

	var info accountInfoResult
	if err := l.call(ctx, "account_info", map[string]any{"account": account, "ledger_index": "current"}, &info); err != nil {
		return driven.LedgerResult{}, false, err
	}
	var current ledgerCurrentResult
	if err := l.call(ctx, "ledger_current", map[string]any{}, &current); err != nil {
		return driven.LedgerResult{}, false, err
	}

	seq := info.AccountData.Sequence
	lastLedger := current.LedgerCurrentIndex + l.window
	tx["Account"] = account
	tx["Sequence"] = seq
	tx["LastLedgerSequence"] = lastLedger

	var signed signResult
	if err := l.call(ctx, "sign", map[string]any{
		"tx_json":      tx,
		"secret":       seed,
		"fee_mult_max": 1000,
	}, &signed); err != nil {
		return driven.LedgerResult{}, false, fmt.Errorf("signing %s: %w", txType, err)
	}

	res := driven.LedgerResult{TxRef: signed.TxJSON.Hash, Sequence: seq}
	l.remember(res.TxRef, lastLedger)

	var sub submitResult
	if err := l.call(ctx, "submit", map[string]any{"tx_blob": signed.TxBlob}, &sub); err != nil {
		if errors.Is(err, driven.ErrLedgerTransient) {
			return res, false, fmt.Errorf("submitting %s %s: %w (%v)", txType, res.TxRef, driven.ErrLedgerOutcomeUnknown, err)
		}
		return res, false, err
	}

	res.ResultCode = sub.EngineResult
	slog.Info("xrpl transaction submitted",
		"type", txType,
		"hash", res.TxRef,
		"sequence", seq,
		"engine_result", sub.EngineResult,
	)

	switch classify(sub.EngineResult) {
	case classLocal:
		return driven.LedgerResult{}, false, fmt.Errorf("%s %s: %s: %w", txType, sub.EngineResult, sub.EngineResultMessage, driven.ErrLedgerTransient)
	case classRejected:
		res.Status = driven.LedgerStatusRejected
		res.Reason = sub.EngineResultMessage
		return res, false, nil
	default:
		res.Status = driven.LedgerStatusPending
		return res, true, nil
	}
}

// awaitValidation polls until the transaction reaches a validated ledger or
// the timeout elapses, in which case the result is reported as pending.
func (l *Ledger) awaitValidation(ctx context.Context, res driven.LedgerResult) (driven.LedgerResult, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		status, err := l.TransactionStatus(ctx, res.TxRef)
		if err == nil && status.Status != driven.LedgerStatusPending {
			status.Sequence = res.Sequence
			return status, nil
		}
		if err != nil && !errors.Is(err, driven.ErrLedgerTransient) {
			slog.Warn("xrpl transaction status check failed", "hash", res.TxRef, "error", err)
		}

		select {
		case <-ctx.Done():
			res.Status = driven.LedgerStatusPending
			return res, nil
		case <-ticker.C:
		}
	}
}

type validatedLedgerResult struct {
	LedgerIndex uint32 `json:"ledger_index"`
}

// expired reports whether the last validated ledger is past the transaction's
// LastLedgerSequence. Transactions this process did not submit never expire.
func (l *Ledger) expired(ctx context.Context, txRef string) (bool, error) {
	l.mu.Lock()
	lastLedger, ok := l.lastLedger[txRef]
	l.mu.Unlock()
	if !ok {
		return false, nil
	}

	var validated validatedLedgerResult
	if err := l.call(ctx, "ledger", map[string]any{"ledger_index": "validated"}, &validated); err != nil {
		return false, err
	}
	return validated.LedgerIndex > lastLedger, nil
}

func (l *Ledger) remember(txRef string, lastLedger uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastLedger[txRef] = lastLedger
}

func (l *Ledger) forget(txRef string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lastLedger, txRef)
}

func isRPCCode(err error, code string) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}
