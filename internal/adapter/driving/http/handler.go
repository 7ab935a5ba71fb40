package httphandler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ericfisherdev/impactescrow/internal/application"
	"github.com/ericfisherdev/impactescrow/internal/domain/model"
)

const (
	maxCreateBody   = 64 << 10
	maxEvidenceBody = 4 << 20

	idempotencyHeader    = "Idempotency-Key"
	maxIdempotencyKeyLen = 200

	// verdictSignatureHeader carries "sha256=" followed by the hex HMAC-SHA256
	// of the raw request body under the shared verdict secret.
	verdictSignatureHeader = "X-Verdict-Signature"
)

// Handler is the HTTP driving adapter that serves the REST API.
type Handler struct {
	escrows *application.EscrowService
	reaper  *application.Reaper
	health  *application.HealthService
	logger  *slog.Logger

	verdictSecret []byte
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithVerdictSecret enables verdicts pushed with evidence, authenticated by
// an HMAC of the request body under secret. Without it pushed verdicts are
// refused.
func WithVerdictSecret(secret string) HandlerOption {
	return func(h *Handler) {
		if secret != "" {
			h.verdictSecret = []byte(secret)
		}
	}
}

// NewHandler creates a Handler. reaper and health may be nil; the sweep
// endpoint then reports 503 and the health endpoint always reports ok.
func NewHandler(
	escrows *application.EscrowService,
	reaper *application.Reaper,
	health *application.HealthService,
	logger *slog.Logger,
	opts ...HandlerOption,
) *Handler {
	h := &Handler{
		escrows: escrows,
		reaper:  reaper,
		health:  health,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/escrows", h.CreateEscrow)
	mux.HandleFunc("POST /api/v1/escrows/milestones", h.CreateMilestones)
	mux.HandleFunc("GET /api/v1/escrows", h.ListEscrows)
	mux.HandleFunc("GET /api/v1/escrows/{id}", h.GetEscrow)
	mux.HandleFunc("GET /api/v1/escrows/{id}/evidence", h.ListEvidence)
	mux.HandleFunc("POST /api/v1/escrows/{id}/evidence", h.SubmitEvidence)
	mux.HandleFunc("POST /api/v1/escrows/{id}/unlock", h.Unlock)
	mux.HandleFunc("POST /api/v1/escrows/{id}/cancel", h.Cancel)
	mux.HandleFunc("POST /api/v1/admin/sweep", h.Sweep)
	mux.HandleFunc("GET /api/v1/health", h.Health)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// CreateEscrow locks funds under a fresh condition. Requests carrying the same
// Idempotency-Key return the escrow created by the first one.
func (h *Handler) CreateEscrow(w http.ResponseWriter, r *http.Request) {
	key, ok := idempotencyKey(w, r)
	if !ok {
		return
	}

	var req CreateEscrowRequest
	if !decodeBody(w, r, maxCreateBody, &req) {
		return
	}

	e, err := h.escrows.Create(r.Context(), req.toCreateRequest(key))
	if err != nil {
		h.writeServiceError(w, "create escrow", err)
		return
	}

	writeJSON(w, http.StatusCreated, toEscrowResponse(*e))
}

// CreateMilestones splits one donation into per-milestone escrows.
func (h *Handler) CreateMilestones(w http.ResponseWriter, r *http.Request) {
	key, ok := idempotencyKey(w, r)
	if !ok {
		return
	}

	var req CreateMilestonesRequest
	if !decodeBody(w, r, maxCreateBody, &req) {
		return
	}
	if len(req.Milestones) == 0 {
		writeError(w, http.StatusBadRequest, "at least one milestone is required")
		return
	}

	milestones := make([]application.MilestoneRequest, 0, len(req.Milestones))
	for _, m := range req.Milestones {
		mr := application.MilestoneRequest{Percentage: m.Percentage, Description: m.Description}
		if m.Deadline != nil {
			mr.Deadline = *m.Deadline
		}
		milestones = append(milestones, mr)
	}

	created, err := h.escrows.CreateMilestones(r.Context(), req.toCreateRequest(key), milestones)
	if err != nil {
		if len(created) == 0 {
			h.writeServiceError(w, "create milestones", err)
			return
		}
		status, body := h.errorBody("create milestones", err)
		writeJSON(w, status, milestoneErrorResponse{errorResponse: body, Created: toEscrowResponses(created)})
		return
	}

	writeJSON(w, http.StatusCreated, toEscrowResponses(created))
}

// ListEscrows returns escrows filtered by status, owner or milestone parent.
func (h *Handler) ListEscrows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	filter := model.EscrowFilter{
		OwnerAddress: q.Get("owner"),
		ParentID:     q.Get("parent_id"),
	}
	if s := q.Get("status"); s != "" {
		status, ok := model.ParseEscrowStatus(s)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown status: "+s)
			return
		}
		filter.Status = status
	}
	if s := q.Get("limit"); s != "" {
		limit, err := strconv.Atoi(s)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = limit
	}

	escrows, err := h.escrows.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, "list escrows", err)
		return
	}

	resp := make([]EscrowResponse, 0, len(escrows))
	for _, e := range escrows {
		resp = append(resp, toEscrowResponse(e))
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetEscrow returns a single escrow.
func (h *Handler) GetEscrow(w http.ResponseWriter, r *http.Request) {
	e, err := h.escrows.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "get escrow", err)
		return
	}

	writeJSON(w, http.StatusOK, toEscrowResponse(*e))
}

// ListEvidence returns the evidence evaluated for an escrow.
func (h *Handler) ListEvidence(w http.ResponseWriter, r *http.Request) {
	records, err := h.escrows.Evidence(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "list evidence", err)
		return
	}

	resp := make([]EvidenceResponse, 0, len(records))
	for _, ev := range records {
		resp = append(resp, toEvidenceResponse(ev))
	}

	writeJSON(w, http.StatusOK, resp)
}

// SubmitEvidence validates evidence and applies the oracle decision. A pushed
// verdict is only accepted with a valid X-Verdict-Signature.
func (h *Handler) SubmitEvidence(w http.ResponseWriter, r *http.Request) {
	raw, ok := readBody(w, r, maxEvidenceBody)
	if !ok {
		return
	}
	var req SubmitEvidenceRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Verdict != nil {
		if len(h.verdictSecret) == 0 {
			writeError(w, http.StatusForbidden, "pushed verdicts are not accepted")
			return
		}
		if !validSignature(h.verdictSecret, raw, r.Header.Get(verdictSignatureHeader)) {
			h.logger.Warn("rejected unsigned verdict", "escrow_id", r.PathValue("id"), "remote", r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "invalid verdict signature")
			return
		}
	}

	res, err := h.escrows.SubmitEvidence(r.Context(), r.PathValue("id"), req.toSubmission())
	if err != nil {
		h.writeServiceError(w, "submit evidence", err)
		return
	}

	writeJSON(w, http.StatusOK, EvidenceResultResponse{
		Decision: string(res.Decision),
		Escrow:   toEscrowResponse(*res.Escrow),
		Evidence: toEvidenceResponse(res.Evidence),
	})
}

// Unlock releases an approved escrow to its beneficiary.
func (h *Handler) Unlock(w http.ResponseWriter, r *http.Request) {
	e, err := h.escrows.Unlock(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "unlock escrow", err)
		return
	}

	writeJSON(w, http.StatusOK, toEscrowResponse(*e))
}

// Cancel returns an expired or rejected escrow to its owner.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	e, err := h.escrows.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeServiceError(w, "cancel escrow", err)
		return
	}

	writeJSON(w, http.StatusOK, toEscrowResponse(*e))
}

// Sweep runs an expiry sweep immediately.
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	if h.reaper == nil {
		writeError(w, http.StatusServiceUnavailable, "expiry reaper is not running")
		return
	}

	res, err := h.reaper.SweepNow(r.Context())
	if err != nil {
		h.logger.Error("manual sweep failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "sweep did not complete")
		return
	}

	writeJSON(w, http.StatusOK, toSweepResponse(res))
}

// Health reports whether the engine's dependencies are reachable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.health == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: string(application.HealthOK), Time: formatTime(time.Now())})
		return
	}

	report := h.health.Check(r.Context())
	status := http.StatusOK
	if report.Status != application.HealthOK {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, HealthResponse{
		Status:     string(report.Status),
		Time:       formatTime(report.CheckedAt),
		Components: report.Components,
	})
}

// errorStatus maps an engine error kind to an HTTP status code.
var errorStatus = map[model.ErrorKind]int{
	model.KindValidationInput:      http.StatusBadRequest,
	model.KindNotFound:             http.StatusNotFound,
	model.KindInvalidState:         http.StatusConflict,
	model.KindConcurrencyConflict:  http.StatusConflict,
	model.KindDuplicateEvidence:    http.StatusConflict,
	model.KindLedgerTransient:      http.StatusServiceUnavailable,
	model.KindValidatorUnavailable: http.StatusServiceUnavailable,
	model.KindLedgerTerminal:       http.StatusBadGateway,
	model.KindDecryptionFailure:    http.StatusInternalServerError,
}

// errorBody classifies err and logs it at a level matching its kind.
// Internal and decryption failures are reported without detail.
func (h *Handler) errorBody(op string, err error) (int, errorResponse) {
	kind := model.KindOf(err)
	status, ok := errorStatus[kind]
	if !ok {
		status = http.StatusInternalServerError
	}

	switch {
	case status >= http.StatusInternalServerError && kind != model.KindLedgerTransient && kind != model.KindValidatorUnavailable:
		h.logger.Error(op+" failed", "kind", kind, "error", err)
		return status, errorResponse{Error: "internal server error", Kind: string(kind)}
	case kind == model.KindDuplicateEvidence:
		h.logger.Info(op+" rejected duplicate evidence", "error", err)
	case status >= http.StatusInternalServerError:
		h.logger.Warn(op+" failed", "kind", kind, "error", err)
	}

	return status, errorResponse{Error: err.Error(), Kind: string(kind)}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	status, body := h.errorBody(op, err)
	writeJSON(w, status, body)
}

// decodeBody reads a JSON body of at most limit bytes into v. It writes a 400
// response and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// readBody reads at most limit bytes of the request body, writing a 413 or
// 400 response on failure.
func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	return raw, true
}

// SignVerdictBody returns the X-Verdict-Signature value for body.
func SignVerdictBody(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func validSignature(secret, body []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// idempotencyKey returns the optional Idempotency-Key header. It writes a 400
// response and returns false if the key is malformed.
func idempotencyKey(w http.ResponseWriter, r *http.Request) (string, bool) {
	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	if len(key) > maxIdempotencyKeyLen || strings.ContainsAny(key, "\r\n") {
		writeError(w, http.StatusBadRequest, "invalid Idempotency-Key header")
		return "", false
	}
	return key, true
}
