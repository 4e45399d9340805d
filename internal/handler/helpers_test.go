package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

// ---------------------------------------------------------------------------
// query helper tests
// ---------------------------------------------------------------------------

func TestQueryInt(t *testing.T) {
	tests := []struct {
		name       string
		url        string
		key        string
		defaultVal int
		want       int
	}{
		{"returns default for missing param", "/test", "limit", 25, 25},
		{"parses integer param", "/test?limit=100", "limit", 25, 100},
		{"returns default for non-integer", "/test?limit=abc", "limit", 25, 25},
		{"parses zero", "/test?limit=0", "limit", 10, 0},
		{"parses negative", "/test?limit=-5", "limit", 0, -5},
		{"returns default for empty value", "/test?limit=", "limit", 25, 25},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			got := queryInt(r, tt.key, tt.defaultVal)
			if got != tt.want {
				t.Errorf("queryInt(%q, %d) = %d, want %d", tt.key, tt.defaultVal, got, tt.want)
			}
		})
	}
}

func TestQueryString(t *testing.T) {
	tests := []struct {
		name string
		url  string
		key  string
		want string
	}{
		{"returns value", "/test?owner=dev@example.com", "owner", "dev@example.com"},
		{"returns empty for missing", "/test", "owner", ""},
		{"returns empty string for empty", "/test?owner=", "owner", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			got := queryString(r, tt.key)
			if got != tt.want {
				t.Errorf("queryString(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestClampInt(t *testing.T) {
	tests := []struct {
		name string
		val  int
		min  int
		max  int
		want int
	}{
		{"within range", 50, 1, 100, 50},
		{"at min", 1, 1, 100, 1},
		{"at max", 100, 1, 100, 100},
		{"below min clamps to min", -5, 1, 100, 1},
		{"above max clamps to max", 500, 1, 100, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clampInt(tt.val, tt.min, tt.max); got != tt.want {
				t.Errorf("clampInt(%d, %d, %d) = %d, want %d", tt.val, tt.min, tt.max, got, tt.want)
			}
		})
	}
}

func TestPathID(t *testing.T) {
	tests := []struct {
		param  string
		want   int64
		wantOK bool
	}{
		{"42", 42, true},
		{"-1", -1, true},
		{"abc", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.param, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/v1/keys/"+tt.param, nil)
			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("id", tt.param)
			r = r.WithContext(contextWithRoute(r, rctx))

			got, ok := pathID(r)
			if ok != tt.wantOK || (ok && got != tt.want) {
				t.Errorf("pathID(%q) = %d, %v; want %d, %v", tt.param, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// response helper tests
// ---------------------------------------------------------------------------

func TestWriteErrorEnvelope(t *testing.T) {
	rr := httptest.NewRecorder()
	writeError(rr, http.StatusTooManyRequests, "rate limit exceeded", map[string]interface{}{"rate_remaining": 0})

	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body model.ErrorResponse
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Error.Code != http.StatusTooManyRequests || body.Error.Message != "rate limit exceeded" {
		t.Errorf("unexpected envelope %+v", body.Error)
	}
	if body.Error.Context["rate_remaining"] != float64(0) {
		t.Errorf("context = %v", body.Error.Context)
	}
}

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", service.ErrNotFound, http.StatusNotFound},
		{"invalid request", fmt.Errorf("%w: name is required", service.ErrInvalidRequest), http.StatusBadRequest},
		{"empty update", service.ErrEmptyUpdate, http.StatusBadRequest},
		{"store unavailable", fmt.Errorf("%w: %w", service.ErrStoreUnavailable, errors.New("dial tcp: refused")), http.StatusServiceUnavailable},
		{"collision", service.ErrCollision, http.StatusInternalServerError},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeServiceError(rr, tt.err, "fallback")
			if rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
			if strings.Contains(rr.Body.String(), "dial tcp") {
				t.Error("store error cause leaked to the client")
			}
		})
	}
}
