// Package oracle implements the Validator port: an HTTP client for the
// external evidence scoring service and a passthrough for verdicts pushed by
// that service alongside the evidence. The two are exclusive: when a client is
// configured every submission is scored by it.
package oracle

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

// Compile-time interface satisfaction checks.
var (
	_ driven.Validator = (*Client)(nil)
	_ driven.Validator = Passthrough{}
)

const defaultTimeout = 10 * time.Second

// Client calls POST {baseURL}/validate on the scoring service.
type Client struct {
	http     *http.Client
	endpoint string
}

// NewClient returns a Client for baseURL. A zero timeout uses the default.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return NewClientWithHTTPClient(&http.Client{Timeout: timeout}, baseURL)
}

// NewClientWithHTTPClient returns a Client using httpClient, for tests.
func NewClientWithHTTPClient(httpClient *http.Client, baseURL string) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing validator URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("validator URL %q must be absolute", baseURL)
	}
	return &Client{http: httpClient, endpoint: u.String() + "/validate"}, nil
}

type validateRequest struct {
	EscrowID    string `json:"escrow_id"`
	EvidenceRef string `json:"evidence_ref"`
	Category    string `json:"category,omitempty"`
	Payload     string `json:"payload,omitempty"`
}

type validateResponse struct {
	Score      *float64 `json:"score"`
	Confidence *float64 `json:"confidence"`
	Verified   bool     `json:"verified"`
	Reasoning  string   `json:"reasoning"`
}

// Validate submits the evidence and returns the service's verdict. A verdict
// attached to sub is ignored. Every failure wraps model.ErrValidationUnavailable.
func (c *Client) Validate(ctx context.Context, escrowID string, sub model.EvidenceSubmission) (model.Verdict, error) {
	body, err := json.Marshal(validateRequest{
		EscrowID:    escrowID,
		EvidenceRef: sub.EvidenceRef,
		Category:    sub.Category,
		Payload:     base64.StdEncoding.EncodeToString(sub.Payload),
	})
	if err != nil {
		return model.Verdict{}, fmt.Errorf("marshaling validate request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return model.Verdict{}, fmt.Errorf("creating validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Verdict{}, fmt.Errorf("%w: %w", model.ErrValidationUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return model.Verdict{}, fmt.Errorf("%w: validator returned HTTP %d: %s",
			model.ErrValidationUnavailable, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var out validateResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return model.Verdict{}, fmt.Errorf("%w: decoding verdict: %w", model.ErrValidationUnavailable, err)
	}
	if out.Score == nil || out.Confidence == nil {
		return model.Verdict{}, fmt.Errorf("%w: verdict missing score or confidence", model.ErrValidationUnavailable)
	}

	return model.Verdict{
		Score:      *out.Score,
		Confidence: *out.Confidence,
		Verified:   out.Verified,
		Reasoning:  out.Reasoning,
	}, nil
}

// errNoVerdict is returned by Passthrough when the submission carries no verdict.
var errNoVerdict = errors.New("submission carries no verdict")

// Passthrough accepts a verdict the scoring service pushed together with the
// evidence. Submissions without one are treated as a validator outage. The
// HTTP layer only attaches verdicts that carry a valid signature.
type Passthrough struct{}

// Validate returns the verdict attached to sub.
func (Passthrough) Validate(_ context.Context, _ string, sub model.EvidenceSubmission) (model.Verdict, error) {
	if sub.Verdict == nil {
		return model.Verdict{}, fmt.Errorf("%w: %w", model.ErrValidationUnavailable, errNoVerdict)
	}
	return *sub.Verdict, nil
}
