// Package governance implements the ParameterAdvisor port against the
// governance advisory service.
package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gregjones/httpcache"

	"github.com/ericfisherdev/impactescrow/internal/domain/model"
	"github.com/ericfisherdev/impactescrow/internal/domain/port/driven"
)

// Compile-time interface satisfaction check.
var _ driven.ParameterAdvisor = (*Client)(nil)

// Client fetches advisory parameters. Responses are cached in memory and
// revalidated with ETag conditional requests.
type Client struct {
	http     *http.Client
	endpoint string
}

// NewClient returns a Client for baseURL with an in-memory httpcache transport.
func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	cacheTransport := httpcache.NewMemoryCacheTransport()
	cacheTransport.MarkCachedResponses = true
	return NewClientWithTransport(cacheTransport, baseURL, timeout)
}

// NewClientWithTransport returns a Client using rt, for tests.
func NewClientWithTransport(rt http.RoundTripper, baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing governance URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("governance URL %q must be absolute", baseURL)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		http:     &http.Client{Transport: rt, Timeout: timeout},
		endpoint: u.String() + "/governance/parameters",
	}, nil
}

type parametersResponse struct {
	TimeoutDays int `json:"timeout_days"`
}

// Advise returns the advisory parameters for region. The caller decides what
// to do on failure.
func (c *Client) Advise(ctx context.Context, region string) (model.Parameters, error) {
	endpoint := c.endpoint
	if region != "" {
		endpoint += "?" + url.Values{"region": {region}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return model.Parameters{}, fmt.Errorf("creating governance request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return model.Parameters{}, fmt.Errorf("fetching governance parameters: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return model.Parameters{}, fmt.Errorf("governance service returned HTTP %d", resp.StatusCode)
	}

	// Read to EOF so the cache transport stores the body.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return model.Parameters{}, fmt.Errorf("reading governance parameters: %w", err)
	}

	var out parametersResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return model.Parameters{}, fmt.Errorf("decoding governance parameters: %w", err)
	}

	slog.Debug("governance parameters fetched",
		"region", region,
		"timeout_days", out.TimeoutDays,
		"cached", resp.Header.Get(httpcache.XFromCache) != "",
	)

	return model.Parameters{TimeoutDays: out.TimeoutDays, Source: model.ParametersSourceAdvisory}, nil
}
