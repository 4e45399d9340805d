package handler

import (
	"net/http"

	"github.com/keygate/keygate/internal/service"
)

// SystemHandler serves the liveness and readiness probes.
type SystemHandler struct {
	keys *service.KeyService
}

// NewSystemHandler creates a new SystemHandler.
func NewSystemHandler(keys *service.KeyService) *SystemHandler {
	return &SystemHandler{keys: keys}
}

// Health handles GET /healthz.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /readyz. It fails while the credential store is
// unreachable.
func (h *SystemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := h.keys.Ready(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Credential store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
