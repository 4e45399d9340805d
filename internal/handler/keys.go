package handler

import (
	"net/http"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/server/middleware"
	"github.com/keygate/keygate/internal/service"
)

// KeyHandler serves the administrative credential endpoints. Routes are
// mounted behind RequireRole(admin); each handler additionally checks that
// the caller may manage the target credential's role.
type KeyHandler struct {
	keys *service.KeyService
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(keys *service.KeyService) *KeyHandler {
	return &KeyHandler{keys: keys}
}

// createKeyResponse carries the plaintext secret alongside the stored record.
// The secret appears in this response only.
type createKeyResponse struct {
	Key string `json:"api_key"`
	*model.Credential
}

// List handles GET /api/v1/keys.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	creds, err := h.keys.List(r.Context(), service.ListFilter{
		Owner:  queryString(r, "owner"),
		Status: model.Status(queryString(r, "status")),
		Limit:  clampInt(queryInt(r, "limit", 100), 1, 1000),
	})
	if err != nil {
		writeServiceError(w, err, "Failed to list API keys")
		return
	}
	if creds == nil {
		creds = []model.Credential{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: creds,
		Meta:     &model.ResponseMeta{Count: len(creds)},
	})
}

// Create handles POST /api/v1/keys.
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req service.IssueRequest
	if err := readJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	target := req.Role
	if target == "" {
		target = model.RoleUser
	}
	p := middleware.GetPrincipal(r.Context())
	if !model.CanCreate(p.Role, target) {
		writeError(w, http.StatusForbidden, "Role "+string(p.Role)+" cannot create "+string(target)+" keys")
		return
	}

	secret, cred, err := h.keys.Issue(r.Context(), req)
	if err != nil {
		writeServiceError(w, err, "Failed to create API key")
		return
	}
	writeJSON(w, http.StatusCreated, createKeyResponse{Key: secret, Credential: cred})
}

// Get handles GET /api/v1/keys/{id}.
func (h *KeyHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}
	cred, err := h.keys.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "Failed to get API key")
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

// Update handles PUT /api/v1/keys/{id}. Role and status are not updatable,
// so the body is decoded strictly and such fields are rejected.
func (h *KeyHandler) Update(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.managed(w, r)
	if !ok {
		return
	}
	var req service.UpdateRequest
	if err := readStrictJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	updated, err := h.keys.Update(r.Context(), cred.ID, req)
	if err != nil {
		writeServiceError(w, err, "Failed to update API key")
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// Revoke handles POST /api/v1/keys/{id}/revoke.
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.managed(w, r)
	if !ok {
		return
	}
	revoked, err := h.keys.Revoke(r.Context(), cred.ID)
	if err != nil {
		writeServiceError(w, err, "Failed to revoke API key")
		return
	}
	if !revoked {
		writeError(w, http.StatusConflict, "API key is already revoked")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "API key revoked",
	})
}

// Delete handles DELETE /api/v1/keys/{id}.
func (h *KeyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	cred, ok := h.managed(w, r)
	if !ok {
		return
	}
	deleted, err := h.keys.Delete(r.Context(), cred.ID)
	if err != nil {
		writeServiceError(w, err, "Failed to delete API key")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "API key not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"message": "API key deleted",
	})
}

// Usage handles GET /api/v1/keys/{id}/usage.
func (h *KeyHandler) Usage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid key ID")
		return
	}
	if id == model.SuperCredentialID {
		writeError(w, http.StatusNotFound, "The super-credential has no usage history")
		return
	}
	if _, ok := h.managed(w, r); !ok {
		return
	}
	sum, err := h.keys.Usage(r.Context(), id, clampInt(queryInt(r, "limit", 50), 1, 1000))
	if err != nil {
		writeServiceError(w, err, "Failed to load usage")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// managed resolves the {id} credential and checks that the caller may
// manage it. It writes the error response itself and reports false on
// failure.
func (h *KeyHandler) managed(w http.ResponseWriter, r *http.Request) (*model.Credential, bool) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "Invalid key ID")
		return nil, false
	}
	cred, err := h.keys.Get(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "Failed to get API key")
		return nil, false
	}
	if cred.IsSuper() {
		writeError(w, http.StatusBadRequest, "The super-credential is configured, not stored, and cannot be modified")
		return nil, false
	}
	p := middleware.GetPrincipal(r.Context())
	if !model.CanCreate(p.Role, cred.Role) {
		writeError(w, http.StatusForbidden, "Role "+string(p.Role)+" cannot manage "+string(cred.Role)+" keys")
		return nil, false
	}
	return cred, true
}
