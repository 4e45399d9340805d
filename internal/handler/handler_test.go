package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/server/middleware"
	"github.com/keygate/keygate/internal/service"
	"github.com/keygate/keygate/internal/store"
)

const testSuperKey = "handler-super-key"

type testEnv struct {
	t        *testing.T
	keys     *service.KeyService
	sessions *service.SessionService
	router   chi.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewStore("")
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	keys := service.NewKeyService(st, service.Options{
		SuperKey: testSuperKey,
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	sessions := service.NewSessionService(keys, "handler-test", time.Hour)

	gate := NewGateHandler(keys, sessions)
	kh := NewKeyHandler(keys)
	sys := NewSystemHandler(keys)
	oas := NewOpenAPIHandler("test", "X-API-Key")

	r := chi.NewRouter()
	r.Get("/healthz", sys.Health)
	r.Get("/readyz", sys.Ready)
	r.Get("/openapi.json", oas.ServeSpec)
	r.Post("/api/v1/keys/validate", gate.Validate)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(keys, sessions, "X-API-Key"))
		r.Post("/api/v1/admit", gate.Admit)
		r.Post("/api/v1/usage", gate.RecordUsage)
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(model.RoleAdmin))
			r.Post("/api/v1/session", gate.Session)
			r.Get("/api/v1/keys", kh.List)
			r.Post("/api/v1/keys", kh.Create)
			r.Get("/api/v1/keys/{id}", kh.Get)
			r.Put("/api/v1/keys/{id}", kh.Update)
			r.Delete("/api/v1/keys/{id}", kh.Delete)
			r.Post("/api/v1/keys/{id}/revoke", kh.Revoke)
			r.Get("/api/v1/keys/{id}/usage", kh.Usage)
		})
	})

	return &testEnv{t: t, keys: keys, sessions: sessions, router: r}
}

// issue creates a credential directly through the service.
func (e *testEnv) issue(role model.Role, quota, rate int) (string, *model.Credential) {
	e.t.Helper()
	secret, cred, err := e.keys.Issue(context.Background(), service.IssueRequest{
		Name:               "test-" + string(role),
		Owner:              "dev@example.com",
		Role:               role,
		DailyQuota:         quota,
		RateLimitPerMinute: rate,
	})
	if err != nil {
		e.t.Fatalf("Issue: %v", err)
	}
	return secret, cred
}

func (e *testEnv) do(method, path, key string, body interface{}) *httptest.ResponseRecorder {
	e.t.Helper()
	var rdr io.Reader
	if body != nil {
		if s, ok := body.(string); ok {
			rdr = strings.NewReader(s)
		} else {
			b, err := json.Marshal(body)
			if err != nil {
				e.t.Fatalf("marshal: %v", err)
			}
			rdr = bytes.NewReader(b)
		}
	}
	req := httptest.NewRequest(method, path, rdr)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(rr.Body).Decode(v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func contextWithRoute(r *http.Request, rctx *chi.Context) context.Context {
	return context.WithValue(r.Context(), chi.RouteCtxKey, rctx)
}

func keyPath(id int64, suffix string) string {
	return "/api/v1/keys/" + strconv.FormatInt(id, 10) + suffix
}

// ---------------------------------------------------------------------------
// System
// ---------------------------------------------------------------------------

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		if rr := env.do("GET", path, "", nil); rr.Code != http.StatusOK {
			t.Errorf("%s: %d", path, rr.Code)
		}
	}
}

func TestServeSpecUsesRequestHost(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do("GET", "/openapi.json", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var doc struct {
		Servers []struct {
			URL string `json:"url"`
		} `json:"servers"`
	}
	decode(t, rr, &doc)
	if len(doc.Servers) != 1 || doc.Servers[0].URL != "http://example.com" {
		t.Errorf("servers = %+v", doc.Servers)
	}
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidateEndpoint(t *testing.T) {
	env := newTestEnv(t)
	secret, cred := env.issue(model.RoleUser, 5, 10)

	rr := env.do("POST", "/api/v1/keys/validate", "", map[string]string{"api_key": secret})
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rr.Code, rr.Body.String())
	}
	var got validateResponse
	decode(t, rr, &got)
	if !got.Valid || got.Credential == nil || got.Credential.ID != cred.ID || got.Role != model.RoleUser {
		t.Fatalf("unexpected response %+v", got)
	}
	if got.QuotaRemaining == nil || *got.QuotaRemaining != 5 || *got.RateRemaining != 10 {
		t.Errorf("remaining = %v/%v, want 5/10", got.QuotaRemaining, got.RateRemaining)
	}
	if strings.Contains(rr.Body.String(), cred.SecretHash) {
		t.Error("secret hash exposed")
	}

	// Validation never consumes quota.
	env.do("POST", "/api/v1/keys/validate", "", map[string]string{"api_key": secret})
	c, _ := env.keys.Get(context.Background(), cred.ID)
	if c.CurrentDailyUsage != 0 {
		t.Errorf("usage = %d after validate, want 0", c.CurrentDailyUsage)
	}
}

func TestValidateEndpointRejections(t *testing.T) {
	env := newTestEnv(t)
	secret, cred := env.issue(model.RoleUser, 5, 10)
	env.keys.Revoke(context.Background(), cred.ID)

	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantReason service.Reason
	}{
		{"bad format", map[string]string{"api_key": "not-a-key"}, http.StatusOK, service.ReasonInvalidFormat},
		{"unknown", map[string]string{"api_key": service.SecretPrefix + "0000"}, http.StatusOK, service.ReasonNotFound},
		{"revoked", map[string]string{"api_key": secret}, http.StatusOK, service.ReasonNotFound},
		{"missing", map[string]string{}, http.StatusBadRequest, ""},
		{"malformed", "{", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do("POST", "/api/v1/keys/validate", "", tt.body)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if tt.wantStatus != http.StatusOK {
				return
			}
			var got validateResponse
			decode(t, rr, &got)
			if got.Valid || got.Reason != tt.wantReason || got.Credential != nil {
				t.Errorf("unexpected response %+v", got)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Admission and usage
// ---------------------------------------------------------------------------

func TestAdmitQuota(t *testing.T) {
	env := newTestEnv(t)
	secret, _ := env.issue(model.RoleUser, 2, 100)

	for i := 0; i < 2; i++ {
		rr := env.do("POST", "/api/v1/admit", secret, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("admit %d: %d", i, rr.Code)
		}
		if got := rr.Header().Get("X-Quota-Remaining"); got != strconv.Itoa(1-i) {
			t.Errorf("admit %d: X-Quota-Remaining = %q", i, got)
		}
	}

	rr := env.do("POST", "/api/v1/admit", secret, nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third admit: %d, want 429", rr.Code)
	}
	var body model.ErrorResponse
	decode(t, rr, &body)
	if body.Error.Message != string(service.ReasonQuotaExceeded) {
		t.Errorf("message = %q", body.Error.Message)
	}
	if body.Error.Context["quota_remaining"] != float64(0) {
		t.Errorf("context = %v", body.Error.Context)
	}
	if rr.Header().Get("Retry-After") != "" {
		t.Error("quota rejection should not suggest a retry")
	}
}

func TestAdmitRateLimit(t *testing.T) {
	env := newTestEnv(t)
	secret, _ := env.issue(model.RoleUser, 100, 1)

	if rr := env.do("POST", "/api/v1/admit", secret, nil); rr.Code != http.StatusOK {
		t.Fatalf("first admit: %d", rr.Code)
	}
	rr := env.do("POST", "/api/v1/admit", secret, nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second admit: %d, want 429", rr.Code)
	}
	var body model.ErrorResponse
	decode(t, rr, &body)
	if body.Error.Message != string(service.ReasonRateLimited) {
		t.Errorf("message = %q", body.Error.Message)
	}
	if rr.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q", rr.Header().Get("Retry-After"))
	}
}

func TestAdmitSuperKeyUnlimited(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do("POST", "/api/v1/admit", testSuperKey, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var got service.AdmissionResult
	decode(t, rr, &got)
	if !got.Allowed || got.QuotaRemaining != model.Unlimited || got.RateRemaining != model.Unlimited {
		t.Errorf("unexpected result %+v", got)
	}
}

func TestRecordUsageEndpoint(t *testing.T) {
	env := newTestEnv(t)
	secret, cred := env.issue(model.RoleUser, 10, 10)
	admin, _ := env.issue(model.RoleAdmin, 10, 10)

	env.do("POST", "/api/v1/admit", secret, nil)
	rr := env.do("POST", "/api/v1/usage", secret, map[string]interface{}{
		"success": true, "latency_ms": 12, "service": "search",
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("usage: %d %s", rr.Code, rr.Body.String())
	}

	if rr := env.do("POST", "/api/v1/usage", secret, map[string]interface{}{"success": false, "latency_ms": -1}); rr.Code != http.StatusBadRequest {
		t.Errorf("negative latency: %d, want 400", rr.Code)
	}

	rr = env.do("GET", keyPath(cred.ID, "/usage"), admin, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("summary: %d", rr.Code)
	}
	var sum model.UsageSummary
	decode(t, rr, &sum)
	if sum.Succeeded != 1 || sum.Pending != 0 || len(sum.Events) != 1 || sum.Events[0].Service != "search" {
		t.Errorf("unexpected summary %+v", sum)
	}
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

func TestSessionEndpoint(t *testing.T) {
	env := newTestEnv(t)
	admin, cred := env.issue(model.RoleAdmin, 10, 10)
	user, _ := env.issue(model.RoleUser, 10, 10)

	rr := env.do("POST", "/api/v1/session", admin, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("session: %d %s", rr.Code, rr.Body.String())
	}
	var got sessionResponse
	decode(t, rr, &got)
	if got.TokenType != "Bearer" || got.CredentialID != cred.ID || got.ExpiresIn <= 0 {
		t.Errorf("unexpected session %+v", got)
	}

	// The token works as a bearer credential.
	req := httptest.NewRequest("GET", "/api/v1/keys", nil)
	req.Header.Set("Authorization", "Bearer "+got.SessionToken)
	out := httptest.NewRecorder()
	env.router.ServeHTTP(out, req)
	if out.Code != http.StatusOK {
		t.Errorf("list with session: %d", out.Code)
	}

	// A session cannot mint another session.
	req = httptest.NewRequest("POST", "/api/v1/session", nil)
	req.Header.Set("Authorization", "Bearer "+got.SessionToken)
	out = httptest.NewRecorder()
	env.router.ServeHTTP(out, req)
	if out.Code != http.StatusBadRequest {
		t.Errorf("session from session: %d, want 400", out.Code)
	}

	if rr := env.do("POST", "/api/v1/session", user, nil); rr.Code != http.StatusForbidden {
		t.Errorf("user session: %d, want 403", rr.Code)
	}
}

// ---------------------------------------------------------------------------
// Key administration
// ---------------------------------------------------------------------------

func TestCreateKeyRoles(t *testing.T) {
	env := newTestEnv(t)
	admin, _ := env.issue(model.RoleAdmin, 10, 10)
	user, _ := env.issue(model.RoleUser, 10, 10)

	tests := []struct {
		name   string
		actor  string
		role   model.Role
		status int
	}{
		{"admin creates user", admin, model.RoleUser, http.StatusCreated},
		{"admin creates default", admin, "", http.StatusCreated},
		{"admin creates admin", admin, model.RoleAdmin, http.StatusForbidden},
		{"admin creates superadmin", admin, model.RoleSuperAdmin, http.StatusForbidden},
		{"superadmin creates admin", testSuperKey, model.RoleAdmin, http.StatusCreated},
		{"superadmin creates superadmin", testSuperKey, model.RoleSuperAdmin, http.StatusCreated},
		{"user creates user", user, model.RoleUser, http.StatusForbidden},
		{"unknown role", testSuperKey, model.Role("root"), http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do("POST", "/api/v1/keys", tt.actor, map[string]interface{}{
				"name": "svc", "owner": "svc@example.com", "role": tt.role,
			})
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rr.Code, tt.status, rr.Body.String())
			}
			if tt.status != http.StatusCreated {
				return
			}
			var got createKeyResponse
			decode(t, rr, &got)
			if !strings.HasPrefix(got.Key, service.SecretPrefix) || got.Credential == nil || got.ID == 0 {
				t.Errorf("unexpected response %+v", got)
			}
			if !strings.HasPrefix(got.Key, strings.TrimSuffix(got.DisplayPrefix, "...")) {
				t.Errorf("prefix %q does not match key", got.DisplayPrefix)
			}
		})
	}
}

func TestCreateKeyValidation(t *testing.T) {
	env := newTestEnv(t)
	admin, _ := env.issue(model.RoleAdmin, 10, 10)

	for _, body := range []interface{}{
		map[string]interface{}{"owner": "svc@example.com"},
		map[string]interface{}{"name": "svc", "owner": "not-an-email"},
		map[string]interface{}{"name": "svc", "owner": "svc@example.com", "daily_quota": -1},
		"{",
	} {
		if rr := env.do("POST", "/api/v1/keys", admin, body); rr.Code != http.StatusBadRequest {
			t.Errorf("%v: %d, want 400", body, rr.Code)
		}
	}
}

func TestListAndGetKeys(t *testing.T) {
	env := newTestEnv(t)
	admin, _ := env.issue(model.RoleAdmin, 10, 10)
	_, cred := env.issue(model.RoleUser, 10, 10)

	rr := env.do("GET", "/api/v1/keys?limit=10", admin, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list: %d", rr.Code)
	}
	var list struct {
		Resource []model.Credential `json:"resource"`
		Meta     model.ResponseMeta `json:"meta"`
	}
	decode(t, rr, &list)
	if list.Meta.Count != 2 || len(list.Resource) != 2 || list.Resource[0].ID != cred.ID {
		t.Errorf("unexpected list %+v", list)
	}

	if rr := env.do("GET", "/api/v1/keys?status=expired", admin, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("bad status filter: %d, want 400", rr.Code)
	}
	if rr := env.do("GET", keyPath(cred.ID, ""), admin, nil); rr.Code != http.StatusOK {
		t.Errorf("get: %d", rr.Code)
	}
	if rr := env.do("GET", keyPath(9999, ""), admin, nil); rr.Code != http.StatusNotFound {
		t.Errorf("get missing: %d, want 404", rr.Code)
	}
	if rr := env.do("GET", "/api/v1/keys/abc", admin, nil); rr.Code != http.StatusBadRequest {
		t.Errorf("get bad id: %d, want 400", rr.Code)
	}
}

func TestUpdateKey(t *testing.T) {
	env := newTestEnv(t)
	admin, adminCred := env.issue(model.RoleAdmin, 10, 10)
	_, cred := env.issue(model.RoleUser, 10, 10)

	rr := env.do("PUT", keyPath(cred.ID, ""), admin, map[string]interface{}{"name": "renamed", "daily_quota": 50})
	if rr.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rr.Code, rr.Body.String())
	}
	var got model.Credential
	decode(t, rr, &got)
	if got.Name != "renamed" || got.DailyQuota != 50 || got.RateLimitPerMinute != 10 {
		t.Errorf("unexpected credential %+v", got)
	}

	tests := []struct {
		name   string
		id     int64
		body   interface{}
		status int
	}{
		{"role is not updatable", cred.ID, map[string]interface{}{"role": "admin"}, http.StatusBadRequest},
		{"status is not updatable", cred.ID, map[string]interface{}{"status": "active"}, http.StatusBadRequest},
		{"empty update", cred.ID, map[string]interface{}{}, http.StatusBadRequest},
		{"zero quota", cred.ID, map[string]interface{}{"daily_quota": 0}, http.StatusBadRequest},
		{"admin cannot manage admin", adminCred.ID, map[string]interface{}{"name": "x"}, http.StatusForbidden},
		{"missing", 9999, map[string]interface{}{"name": "x"}, http.StatusNotFound},
		{"super-credential", model.SuperCredentialID, map[string]interface{}{"name": "x"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			actor := admin
			if tt.id == model.SuperCredentialID {
				actor = testSuperKey
			}
			if rr := env.do("PUT", keyPath(tt.id, ""), actor, tt.body); rr.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", rr.Code, tt.status, rr.Body.String())
			}
		})
	}
}

func TestRevokeKey(t *testing.T) {
	env := newTestEnv(t)
	admin, _ := env.issue(model.RoleAdmin, 10, 10)
	secret, cred := env.issue(model.RoleUser, 10, 10)

	if rr := env.do("POST", keyPath(cred.ID, "/revoke"), admin, nil); rr.Code != http.StatusOK {
		t.Fatalf("revoke: %d", rr.Code)
	}
	if rr := env.do("POST", keyPath(cred.ID, "/revoke"), admin, nil); rr.Code != http.StatusConflict {
		t.Errorf("second revoke: %d, want 409", rr.Code)
	}
	if rr := env.do("POST", "/api/v1/admit", secret, nil); rr.Code != http.StatusUnauthorized {
		t.Errorf("admit with revoked key: %d, want 401", rr.Code)
	}

	// The record survives revocation.
	rr := env.do("GET", keyPath(cred.ID, ""), admin, nil)
	var got model.Credential
	decode(t, rr, &got)
	if got.Status != model.StatusRevoked || got.RevokedAt == nil {
		t.Errorf("unexpected credential %+v", got)
	}
}

func TestDeleteKey(t *testing.T) {
	env := newTestEnv(t)
	admin, adminCred := env.issue(model.RoleAdmin, 10, 10)
	_, cred := env.issue(model.RoleUser, 10, 10)

	if rr := env.do("DELETE", keyPath(adminCred.ID, ""), admin, nil); rr.Code != http.StatusForbidden {
		t.Errorf("admin deleting admin: %d, want 403", rr.Code)
	}
	if rr := env.do("DELETE", keyPath(cred.ID, ""), admin, nil); rr.Code != http.StatusOK {
		t.Fatalf("delete: %d", rr.Code)
	}
	if rr := env.do("DELETE", keyPath(cred.ID, ""), admin, nil); rr.Code != http.StatusNotFound {
		t.Errorf("second delete: %d, want 404", rr.Code)
	}
	if rr := env.do("DELETE", keyPath(adminCred.ID, ""), testSuperKey, nil); rr.Code != http.StatusOK {
		t.Errorf("superadmin deleting admin: %d", rr.Code)
	}
}

func TestKeyEndpointsRequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	user, cred := env.issue(model.RoleUser, 10, 10)

	for _, tt := range []struct{ method, path string }{
		{"GET", "/api/v1/keys"},
		{"POST", "/api/v1/keys"},
		{"GET", keyPath(cred.ID, "")},
		{"POST", keyPath(cred.ID, "/revoke")},
		{"GET", keyPath(cred.ID, "/usage")},
	} {
		if rr := env.do(tt.method, tt.path, user, nil); rr.Code != http.StatusForbidden {
			t.Errorf("%s %s as user: %d, want 403", tt.method, tt.path, rr.Code)
		}
		if rr := env.do(tt.method, tt.path, "", nil); rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s anonymous: %d, want 401", tt.method, tt.path, rr.Code)
		}
	}
}

func TestKeyUsageRequiresManagingRole(t *testing.T) {
	env := newTestEnv(t)
	admin, adminCred := env.issue(model.RoleAdmin, 10, 10)
	_, user := env.issue(model.RoleUser, 10, 10)
	_, sa := env.issue(model.RoleSuperAdmin, 10, 10)

	tests := []struct {
		name   string
		key    string
		id     int64
		status int
	}{
		{"admin on user key", admin, user.ID, http.StatusOK},
		{"admin on superadmin key", admin, sa.ID, http.StatusForbidden},
		{"admin on admin key", admin, adminCred.ID, http.StatusForbidden},
		{"superadmin on superadmin key", testSuperKey, sa.ID, http.StatusOK},
		{"super-credential id", testSuperKey, model.SuperCredentialID, http.StatusNotFound},
		{"missing key", testSuperKey, 9999, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do("GET", keyPath(tt.id, "/usage"), tt.key, nil)
			if rr.Code != tt.status {
				t.Errorf("status = %d, want %d (%s)", rr.Code, tt.status, rr.Body.String())
			}
		})
	}
}
