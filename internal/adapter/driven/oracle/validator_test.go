package oracle_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ericfisherdev/impactescrow/internal/adapter/driven/oracle"
	"github.com/ericfisherdev/impactescrow/internal/domain/model"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *oracle.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := oracle.NewClientWithHTTPClient(server.Client(), server.URL+"/")
	require.NoError(t, err)
	return c
}

var submission = model.EvidenceSubmission{
	EvidenceRef: "ipfs://bafy123",
	Category:    "satellite",
	Payload:     []byte("ndvi report"),
}

func TestClient_Validate(t *testing.T) {
	var got map[string]string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/validate", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"score":91.5,"confidence":0.93,"verified":true,"reasoning":"canopy restored"}`))
	})

	v, err := c.Validate(context.Background(), "esc-1", submission)
	require.NoError(t, err)

	assert.Equal(t, model.Verdict{Score: 91.5, Confidence: 0.93, Verified: true, Reasoning: "canopy restored"}, v)
	assert.Equal(t, "esc-1", got["escrow_id"])
	assert.Equal(t, "ipfs://bafy123", got["evidence_ref"])
	assert.Equal(t, "satellite", got["category"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("ndvi report")), got["payload"])
}

func TestClient_Validate_Unavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "model loading", http.StatusServiceUnavailable)
			},
		},
		{
			name: "client error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "bad evidence", http.StatusBadRequest)
			},
		},
		{
			name: "malformed body",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"score":`))
			},
		},
		{
			name: "missing score",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(`{"confidence":0.9,"verified":true}`))
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, tc.handler)

			_, err := c.Validate(context.Background(), "esc-1", submission)
			require.ErrorIs(t, err, model.ErrValidationUnavailable)
		})
	}
}

func TestClient_Validate_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(server.Close)
	t.Cleanup(func() { close(release) })

	c, err := oracle.NewClient(server.URL, 50*time.Millisecond)
	require.NoError(t, err)

	_, err = c.Validate(context.Background(), "esc-1", submission)
	require.ErrorIs(t, err, model.ErrValidationUnavailable)
}

func TestNewClient_RejectsRelativeURL(t *testing.T) {
	_, err := oracle.NewClient("validator.local", time.Second)
	require.Error(t, err)
}

func TestPassthrough(t *testing.T) {
	_, err := oracle.Passthrough{}.Validate(context.Background(), "esc-1", submission)
	require.ErrorIs(t, err, model.ErrValidationUnavailable)

	pushed := submission
	pushed.Verdict = &model.Verdict{Score: 20, Confidence: 0.7, Verified: true}

	v, err := oracle.Passthrough{}.Validate(context.Background(), "esc-1", pushed)
	require.NoError(t, err)
	assert.Equal(t, *pushed.Verdict, v)
}

func TestClient_Validate_IgnoresAttachedVerdict(t *testing.T) {
	calls := 0
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.NotContains(t, body, "verdict")
		assert.NotContains(t, body, "score")
		_, _ = w.Write([]byte(`{"score":10,"confidence":0.9,"verified":true,"reasoning":"no canopy"}`))
	})

	pushed := submission
	pushed.Verdict = &model.Verdict{Score: 100, Confidence: 1, Verified: true, Reasoning: "trust me"}

	v, err := c.Validate(context.Background(), "esc-1", pushed)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 10.0, v.Score)
	assert.Equal(t, "no canopy", v.Reasoning)
}
