package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/service"
)

type contextKeyAuth string

const (
	// AuthPrincipalKey is the context key for the authenticated principal.
	AuthPrincipalKey contextKeyAuth = "auth_principal"
)

// Principal represents the authenticated identity making the request.
type Principal struct {
	Method     string // "api_key" or "session"
	Credential *model.Credential
	Role       model.Role
}

// CredentialID returns the ID of the credential behind the principal.
func (p *Principal) CredentialID() int64 {
	return p.Credential.ID
}

// Authenticate returns an HTTP middleware that resolves the caller to a
// credential. It accepts:
//
//  1. A secret in the configured API key header (X-API-Key by default)
//  2. Authorization: Bearer <secret>
//  3. Authorization: Bearer <session token> issued by POST /api/v1/session
//
// A bearer value is first checked as a secret. One that is not a valid key
// and is shaped like a JWT is then checked as a session token. On success a
// Principal is attached to the request context. Store failures yield 503,
// never 401.
func Authenticate(keys *service.KeyService, sessions *service.SessionService, header string) func(http.Handler) http.Handler {
	if header == "" {
		header = "X-API-Key"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			secret := r.Header.Get(header)
			bearer := false
			if secret == "" {
				secret, bearer = bearerToken(r)
			}
			if secret == "" {
				writeAuthError(w, http.StatusUnauthorized,
					"Authentication required. Provide "+header+" header or Bearer token.")
				return
			}

			var principal *Principal
			v, err := keys.Validate(r.Context(), secret)
			switch {
			case err != nil:
				writeAuthError(w, http.StatusServiceUnavailable, "Credential store unavailable")
				return

			case v.Valid:
				principal = &Principal{Method: "api_key", Credential: v.Credential, Role: v.Role}

			case bearer && sessions != nil && isSessionToken(secret):
				cred, err := sessions.Authenticate(r.Context(), secret)
				if errors.Is(err, service.ErrInvalidSession) {
					writeAuthError(w, http.StatusUnauthorized, "Invalid or expired session")
					return
				}
				if err != nil {
					writeAuthError(w, http.StatusServiceUnavailable, "Credential store unavailable")
					return
				}
				principal = &Principal{Method: "session", Credential: cred, Role: cred.Role}

			default:
				writeAuthError(w, http.StatusUnauthorized, string(v.Reason))
				return
			}

			noteCredential(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// RequireRole returns an HTTP middleware that admits only principals whose
// role is at least required. It must be used after Authenticate.
func RequireRole(required model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := GetPrincipal(r.Context())
			if principal == nil {
				writeAuthError(w, http.StatusUnauthorized, "Authentication required")
				return
			}
			if !model.Authorize(principal.Role, required) {
				writeAuthError(w, http.StatusForbidden, "Requires role "+string(required)+" or higher")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// GetPrincipal extracts the authenticated principal from the context.
// Returns nil if no principal is present (i.e., unauthenticated request).
func GetPrincipal(ctx context.Context) *Principal {
	if p, ok := ctx.Value(AuthPrincipalKey).(*Principal); ok {
		return p
	}
	return nil
}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, AuthPrincipalKey, p)
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) < 7 || !strings.EqualFold(h[:7], "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(h[7:])
	return token, token != ""
}

// isSessionToken reports whether token has the three-segment JWT shape.
func isSessionToken(token string) bool {
	return !strings.HasPrefix(token, service.SecretPrefix) && strings.Count(token, ".") == 2
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(model.ErrorResponse{
		Error: model.ErrorDetail{Code: status, Message: message},
	})
}
