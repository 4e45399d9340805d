package openapi

import (
	"net/http"
	"sort"
	"strconv"

	"github.com/getkin/kin-openapi/openapi3"
)

// Generate builds the OpenAPI 3.1 document describing the keygate HTTP API.
// header is the API key header the server reads.
func Generate(version, baseURL, header string) *openapi3.T {
	if header == "" {
		header = "X-API-Key"
	}
	doc := &openapi3.T{
		OpenAPI: "3.1.0",
		Info: &openapi3.Info{
			Title:       "Keygate API",
			Description: "API key issuance, validation, and per-key quota and rate-limit admission.",
			Version:     version,
		},
	}
	if baseURL != "" {
		doc.Servers = openapi3.Servers{{URL: baseURL}}
	}

	components := openapi3.NewComponents()
	components.Schemas = componentSchemas()
	components.SecuritySchemes = openapi3.SecuritySchemes{
		"apiKey": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{Type: "apiKey", In: "header", Name: header},
		},
		"bearerAuth": &openapi3.SecuritySchemeRef{
			Value: &openapi3.SecurityScheme{
				Type:         "http",
				Scheme:       "bearer",
				Description:  "An API key or a session token from POST /api/v1/session.",
				BearerFormat: "JWT",
			},
		},
	}
	doc.Components = &components
	doc.Security = openapi3.SecurityRequirements{
		{"apiKey": {}},
		{"bearerAuth": {}},
	}

	doc.Paths = openapi3.NewPaths()
	addSystemPaths(doc)
	addGatePaths(doc)
	addKeyPaths(doc)
	return doc
}

// ─── Paths ──────────────────────────────────────────────────────────────────

func addSystemPaths(doc *openapi3.T) {
	status := object(openapi3.Schemas{"status": str("")}, "status")
	doc.Paths.Set("/healthz", &openapi3.PathItem{
		Get: public(operation("system", "health", "Liveness probe", nil,
			http.StatusOK, "Process is up", status)),
	})
	doc.Paths.Set("/readyz", &openapi3.PathItem{
		Get: public(operation("system", "ready", "Readiness probe; pings the credential store", nil,
			http.StatusOK, "Store reachable", status, http.StatusServiceUnavailable)),
	})
	doc.Paths.Set("/openapi.json", &openapi3.PathItem{
		Get: public(operation("system", "openapi", "This document", nil,
			http.StatusOK, "OpenAPI document", &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}})),
	})
}

func addGatePaths(doc *openapi3.T) {
	validate := operation("gate", "validateKey", "Validate an API key without consuming quota",
		ref("ValidateRequest"), http.StatusOK, "Validation result; invalid keys are reported in the body",
		ref("ValidateResponse"), http.StatusBadRequest, http.StatusTooManyRequests, http.StatusServiceUnavailable)
	doc.Paths.Set("/api/v1/keys/validate", &openapi3.PathItem{Post: public(validate)})

	doc.Paths.Set("/api/v1/session", &openapi3.PathItem{
		Post: operation("gate", "createSession", "Exchange an admin API key for a session token", nil,
			http.StatusOK, "Session token", ref("Session"),
			http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests),
	})

	admit := operation("gate", "admit", "Admit one unit of usage for the calling key", nil,
		http.StatusOK, "Admitted", ref("Admission"),
		http.StatusUnauthorized, http.StatusTooManyRequests, http.StatusServiceUnavailable)
	admit.Description = "Checks the daily quota, then the per-minute rate limit. A rejection is a 429 whose error context carries reason, quota_remaining and rate_remaining."
	doc.Paths.Set("/api/v1/admit", &openapi3.PathItem{Post: admit})

	doc.Paths.Set("/api/v1/usage", &openapi3.PathItem{
		Post: operation("gate", "recordUsage", "Record the outcome of an admitted operation",
			ref("UsageReport"), http.StatusOK, "Recorded", success(),
			http.StatusBadRequest, http.StatusUnauthorized, http.StatusServiceUnavailable),
	})
}

func addKeyPaths(doc *openapi3.T) {
	list := operation("keys", "listKeys", "List API keys, newest first", nil,
		http.StatusOK, "API keys", object(openapi3.Schemas{
			"resource": array(ref("Credential")),
			"meta":     object(openapi3.Schemas{"count": integer("int32")}),
		}, "resource"), http.StatusUnauthorized, http.StatusForbidden)
	list.Parameters = openapi3.Parameters{
		queryParam("owner", "Only keys owned by this email.", openapi3.NewStringSchema()),
		queryParam("status", "active or revoked.", openapi3.NewStringSchema().WithEnum("active", "revoked")),
		queryParam("limit", "Maximum keys returned (1-1000, default 100).", openapi3.NewIntegerSchema()),
	}
	create := operation("keys", "createKey", "Issue an API key", ref("CredentialCreate"),
		http.StatusCreated, "Issued; api_key is shown only in this response", ref("CreatedCredential"),
		http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden)
	create.Description = "Admins may issue user keys only; superadmins may issue any role."
	doc.Paths.Set("/api/v1/keys", &openapi3.PathItem{Get: list, Post: create})

	id := openapi3.Parameters{&openapi3.ParameterRef{
		Value: openapi3.NewPathParameter("id").WithSchema(openapi3.NewInt64Schema()),
	}}
	item := &openapi3.PathItem{
		Parameters: id,
		Get: operation("keys", "getKey", "Get an API key", nil,
			http.StatusOK, "API key", ref("Credential"), http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound),
		Put: operation("keys", "updateKey", "Update name, organization, or limits", ref("CredentialUpdate"),
			http.StatusOK, "Updated API key", ref("Credential"),
			http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound),
		Delete: operation("keys", "deleteKey", "Delete an API key and its usage history", nil,
			http.StatusOK, "Deleted", success(), http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound),
	}
	doc.Paths.Set("/api/v1/keys/{id}", item)

	doc.Paths.Set("/api/v1/keys/{id}/revoke", &openapi3.PathItem{
		Parameters: id,
		Post: operation("keys", "revokeKey", "Revoke an API key permanently", nil,
			http.StatusOK, "Revoked", success(),
			http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusConflict),
	})

	usage := operation("keys", "keyUsage", "Usage summary and recent events", nil,
		http.StatusOK, "Usage summary", ref("UsageSummary"), http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound)
	usage.Parameters = openapi3.Parameters{
		queryParam("limit", "Maximum events returned (default 50).", openapi3.NewIntegerSchema()),
	}
	doc.Paths.Set("/api/v1/keys/{id}/usage", &openapi3.PathItem{Parameters: id, Get: usage})
}

// ─── Schemas ────────────────────────────────────────────────────────────────

func componentSchemas() openapi3.Schemas {
	role := enum("user", "admin", "superadmin")
	credential := object(openapi3.Schemas{
		"id":                    integer("int64"),
		"key_prefix":            str("Display prefix of the secret"),
		"owner":                 str("Owner email"),
		"organization":          nullable(str("")),
		"name":                  str(""),
		"role":                  role,
		"status":                enum("active", "revoked"),
		"daily_quota":           integer("int32"),
		"rate_limit_per_minute": integer("int32"),
		"current_daily_usage":   integer("int32"),
		"last_quota_reset":      withFormat(str("UTC day of the last quota reset"), "date"),
		"created_at":            withFormat(str(""), "date-time"),
		"last_used_at":          nullable(withFormat(str(""), "date-time")),
		"revoked_at":            nullable(withFormat(str(""), "date-time")),
	}, "id", "key_prefix", "owner", "name", "role", "status", "daily_quota", "rate_limit_per_minute")

	created := object(openapi3.Schemas{"api_key": str("Plaintext secret")}, "api_key")
	for name, s := range credential.Value.Properties {
		created.Value.Properties[name] = s
	}
	created.Value.Required = append(created.Value.Required, credential.Value.Required...)

	event := object(openapi3.Schemas{
		"id":            integer("int64"),
		"credential_id": integer("int64"),
		"occurred_at":   withFormat(str(""), "date-time"),
		"outcome":       enum("pending", "success", "failure"),
		"latency_ms":    nullable(integer("int64")),
		"error":         nullable(str("")),
		"service":       str(""),
	}, "id", "credential_id", "occurred_at", "outcome")

	return openapi3.Schemas{
		"ErrorResponse": object(openapi3.Schemas{
			"error": object(openapi3.Schemas{
				"code":    integer("int32"),
				"message": str(""),
				"context": &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"object"}}},
			}, "code", "message"),
		}, "error"),
		"Credential":        credential,
		"CreatedCredential": created,
		"CredentialCreate": object(openapi3.Schemas{
			"name":                  str(""),
			"owner":                 str("Owner email"),
			"organization":          str(""),
			"role":                  role,
			"daily_quota":           integer("int32"),
			"rate_limit_per_minute": integer("int32"),
		}, "name", "owner"),
		"CredentialUpdate": object(openapi3.Schemas{
			"name":                  str(""),
			"organization":          str(""),
			"daily_quota":           integer("int32"),
			"rate_limit_per_minute": integer("int32"),
		}),
		"ValidateRequest": object(openapi3.Schemas{"api_key": str("")}, "api_key"),
		"ValidateResponse": object(openapi3.Schemas{
			"valid":           boolean(),
			"reason":          str("Why the key is invalid"),
			"credential":      ref("Credential"),
			"role":            role,
			"quota_remaining": integer("int32"),
			"rate_remaining":  integer("int32"),
		}, "valid"),
		"Admission": object(openapi3.Schemas{
			"allowed":         boolean(),
			"reason":          str(""),
			"quota_remaining": integer("int32"),
			"rate_remaining":  integer("int32"),
		}, "allowed", "quota_remaining", "rate_remaining"),
		"UsageReport": object(openapi3.Schemas{
			"success":    boolean(),
			"latency_ms": integer("int64"),
			"error":      str(""),
			"service":    str(""),
		}, "success"),
		"UsageEvent": event,
		"UsageSummary": object(openapi3.Schemas{
			"credential":   ref("Credential"),
			"events":       array(ref("UsageEvent")),
			"total":        integer("int64"),
			"succeeded":    integer("int64"),
			"failed":       integer("int64"),
			"pending":      integer("int64"),
			"success_rate": &openapi3.SchemaRef{Value: openapi3.NewFloat64Schema()},
		}, "credential", "events"),
		"Session": object(openapi3.Schemas{
			"session_token": str(""),
			"token_type":    str(""),
			"expires_at":    withFormat(str(""), "date-time"),
			"expires_in":    integer("int64"),
			"credential_id": integer("int64"),
			"role":          role,
		}, "session_token", "token_type", "expires_in"),
	}
}

// ─── Builders ───────────────────────────────────────────────────────────────

// operation builds an operation with a success response and the listed
// error responses.
func operation(tag, id, summary string, body *openapi3.SchemaRef, status int, desc string, resp *openapi3.SchemaRef, errs ...int) *openapi3.Operation {
	op := &openapi3.Operation{
		Tags:        []string{tag},
		Summary:     summary,
		OperationID: id,
		Responses:   newResponses(status, desc, resp, errs...),
	}
	if body != nil {
		op.RequestBody = &openapi3.RequestBodyRef{
			Value: &openapi3.RequestBody{
				Required: true,
				Content:  openapi3.NewContentWithJSONSchemaRef(body),
			},
		}
	}
	return op
}

// public marks op as requiring no credentials.
func public(op *openapi3.Operation) *openapi3.Operation {
	op.Security = &openapi3.SecurityRequirements{}
	return op
}

func newResponses(status int, description string, schema *openapi3.SchemaRef, errs ...int) *openapi3.Responses {
	responses := openapi3.NewResponses()
	responses.Set(strconv.Itoa(status), &openapi3.ResponseRef{
		Value: &openapi3.Response{
			Description: &description,
			Content:     openapi3.NewContentWithJSONSchemaRef(schema),
		},
	})

	errs = append(errs, http.StatusInternalServerError)
	sort.Ints(errs)
	errorRef := ref("ErrorResponse")
	for _, code := range errs {
		desc := http.StatusText(code)
		responses.Set(strconv.Itoa(code), &openapi3.ResponseRef{
			Value: &openapi3.Response{
				Description: &desc,
				Content:     openapi3.NewContentWithJSONSchemaRef(errorRef),
			},
		})
	}
	return responses
}

func queryParam(name, desc string, schema *openapi3.Schema) *openapi3.ParameterRef {
	return &openapi3.ParameterRef{
		Value: openapi3.NewQueryParameter(name).WithDescription(desc).WithSchema(schema),
	}
}

func ref(name string) *openapi3.SchemaRef {
	return openapi3.NewSchemaRef("#/components/schemas/"+name, nil)
}

func object(props openapi3.Schemas, required ...string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{
		Type:       &openapi3.Types{"object"},
		Properties: props,
		Required:   required,
	}}
}

func array(items *openapi3.SchemaRef) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"array"}, Items: items}}
}

func str(desc string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"string"}, Description: desc}}
}

func enum(values ...interface{}) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: openapi3.NewStringSchema().WithEnum(values...)}
}

func integer(format string) *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"integer"}, Format: format}}
}

func boolean() *openapi3.SchemaRef {
	return &openapi3.SchemaRef{Value: &openapi3.Schema{Type: &openapi3.Types{"boolean"}}}
}

func success() *openapi3.SchemaRef {
	return object(openapi3.Schemas{"success": boolean(), "message": str("")}, "success")
}

func withFormat(s *openapi3.SchemaRef, format string) *openapi3.SchemaRef {
	s.Value.Format = format
	return s
}

func nullable(s *openapi3.SchemaRef) *openapi3.SchemaRef {
	s.Value.Nullable = true
	return s
}
