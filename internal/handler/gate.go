package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/server/middleware"
	"github.com/keygate/keygate/internal/service"
)

// GateHandler serves the endpoints protected services call: key
// validation, session exchange, admission and usage reporting.
type GateHandler struct {
	keys     *service.KeyService
	sessions *service.SessionService
}

// NewGateHandler creates a new GateHandler.
func NewGateHandler(keys *service.KeyService, sessions *service.SessionService) *GateHandler {
	return &GateHandler{keys: keys, sessions: sessions}
}

type validateRequest struct {
	APIKey string `json:"api_key"`
}

type validateResponse struct {
	Valid          bool              `json:"valid"`
	Reason         service.Reason    `json:"reason,omitempty"`
	Credential     *model.Credential `json:"credential,omitempty"`
	Role           model.Role        `json:"role,omitempty"`
	QuotaRemaining *int              `json:"quota_remaining,omitempty"`
	RateRemaining  *int              `json:"rate_remaining,omitempty"`
}

// Validate handles POST /api/v1/keys/validate. It never consumes quota. An
// invalid key is reported in a 200 body; only a store failure is an error.
func (h *GateHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.APIKey == "" {
		writeError(w, http.StatusBadRequest, "api_key is required")
		return
	}

	v, err := h.keys.Validate(r.Context(), req.APIKey)
	if err != nil {
		writeServiceError(w, err, "Failed to validate API key")
		return
	}
	if !v.Valid {
		writeJSON(w, http.StatusOK, validateResponse{Reason: v.Reason})
		return
	}

	res, err := h.keys.Inspect(r.Context(), v.Credential.ID)
	if errors.Is(err, service.ErrNotFound) {
		// Deleted between the two reads.
		writeJSON(w, http.StatusOK, validateResponse{Reason: service.ReasonNotFound})
		return
	}
	if err != nil {
		writeServiceError(w, err, "Failed to validate API key")
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{
		Valid:          true,
		Credential:     v.Credential,
		Role:           v.Role,
		QuotaRemaining: &res.QuotaRemaining,
		RateRemaining:  &res.RateRemaining,
	})
}

type sessionResponse struct {
	SessionToken string     `json:"session_token"`
	TokenType    string     `json:"token_type"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ExpiresIn    int64      `json:"expires_in"`
	CredentialID int64      `json:"credential_id"`
	Role         model.Role `json:"role"`
}

// Session handles POST /api/v1/session. Sessions can only be opened with a
// key, so an existing session cannot extend itself.
func (h *GateHandler) Session(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	if p.Method != "api_key" {
		writeError(w, http.StatusBadRequest, "Sessions must be created with an API key")
		return
	}
	token, expires, err := h.sessions.Issue(r.Context(), p.Credential)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create session")
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		SessionToken: token,
		TokenType:    "Bearer",
		ExpiresAt:    expires,
		ExpiresIn:    int64(time.Until(expires).Seconds()),
		CredentialID: p.CredentialID(),
		Role:         p.Role,
	})
}

// Admit handles POST /api/v1/admit for the calling credential. A rejection
// is a 429 whose context carries the reason and the remaining budgets.
func (h *GateHandler) Admit(w http.ResponseWriter, r *http.Request) {
	p := middleware.GetPrincipal(r.Context())
	res, err := h.keys.Admit(r.Context(), p.CredentialID())
	if err != nil {
		writeServiceError(w, err, "Failed to admit request")
		return
	}

	w.Header().Set("X-Quota-Remaining", strconv.Itoa(res.QuotaRemaining))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.RateRemaining))
	if !res.Allowed {
		if res.Reason == service.ReasonRateLimited {
			w.Header().Set("Retry-After", strconv.Itoa(int(service.RateWindow.Seconds())))
		}
		writeError(w, http.StatusTooManyRequests, string(res.Reason), map[string]interface{}{
			"reason":          res.Reason,
			"quota_remaining": res.QuotaRemaining,
			"rate_remaining":  res.RateRemaining,
		})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RecordUsage handles POST /api/v1/usage for the calling credential.
func (h *GateHandler) RecordUsage(w http.ResponseWriter, r *http.Request) {
	var req service.UsageReport
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	p := middleware.GetPrincipal(r.Context())
	if err := h.keys.RecordUsage(r.Context(), p.CredentialID(), req); err != nil {
		writeServiceError(w, err, "Failed to record usage")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}
