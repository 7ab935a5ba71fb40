package xrpl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

// rpcRequest is the JSON body sent to a rippled JSON-RPC endpoint.
type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// rpcEnvelope wraps every rippled response.
type rpcEnvelope struct {
	Result json.RawMessage `json:"result"`
}

// rpcStatus is embedded in every result to report method-level failures.
type rpcStatus struct {
	Status       string `json:"status"`
	Error        string `json:"error"`
	ErrorMessage string `json:"error_message"`
}

// RPCError is a method-level error reported by rippled.
type RPCError struct {
	Method  string
	Code    string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rippled %s: %s: %s", e.Method, e.Code, e.Message)
	}
	return fmt.Sprintf("rippled %s: %s", e.Method, e.Code)
}

// transientRPCCodes are server conditions that clear on their own.
var transientRPCCodes = map[string]bool{
	"tooBusy":   true,
	"noNetwork": true,
	"noCurrent": true,
	"noClosed":  true,
	"slowDown":  true,
}

// call invokes method and decodes the result into out. Transport failures and
// transient server conditions wrap driven.ErrLedgerTransient.
func (l *Ledger) call(ctx context.Context, method string, params, out any) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w: %w", method, driven.ErrLedgerTransient, err)
	}

	body, err := json.Marshal(rpcRequest{Method: method, Params: []any{params}})
	if err != nil {
		return fmt.Errorf("marshaling %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s request failed: %w: %w", method, driven.ErrLedgerTransient, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("%s returned HTTP %d: %w", method, resp.StatusCode, driven.ErrLedgerTransient)
		}
		return fmt.Errorf("%s returned HTTP %d", method, resp.StatusCode)
	}

	var env rpcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding %s response: %w: %w", method, driven.ErrLedgerTransient, err)
	}

	var status rpcStatus
	if err := json.Unmarshal(env.Result, &status); err != nil {
		return fmt.Errorf("decoding %s status: %w", method, err)
	}
	if status.Status == "error" || status.Error != "" {
		rpcErr := &RPCError{Method: method, Code: status.Error, Message: status.ErrorMessage}
		if transientRPCCodes[status.Error] {
			return fmt.Errorf("%w: %w", rpcErr, driven.ErrLedgerTransient)
		}
		return rpcErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("decoding %s result: %w", method, err)
	}
	return nil
}
