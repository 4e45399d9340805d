package handler

import (
	"net/http"

	"github.com/keygate/keygate/internal/openapi"
)

// OpenAPIHandler serves the OpenAPI document for this server. The document
// is static for the life of the process.
type OpenAPIHandler struct {
	version string
	header  string
}

// NewOpenAPIHandler creates a new OpenAPIHandler.
func NewOpenAPIHandler(version, apiKeyHeader string) *OpenAPIHandler {
	return &OpenAPIHandler{version: version, header: apiKeyHeader}
}

// ServeSpec handles GET /openapi.json. The server URL is taken from the
// request so the document works behind any host name.
func (h *OpenAPIHandler) ServeSpec(w http.ResponseWriter, r *http.Request) {
	scheme := "http"
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	writeJSON(w, http.StatusOK, openapi.Generate(h.version, scheme+"://"+r.Host, h.header))
}
