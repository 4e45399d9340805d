package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/keygate/keygate/internal/model"
)

const sessionIssuer = "keygate"

// SessionService exchanges a validated credential for a short-lived signed
// session token. Tokens carry only the credential ID: every use re-reads the
// credential, so revocation and quota changes apply immediately.
type SessionService struct {
	keys   *KeyService
	secret []byte
	ttl    time.Duration
}

// NewSessionService creates a session service signing with secret.
func NewSessionService(keys *KeyService, secret string, ttl time.Duration) *SessionService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SessionService{keys: keys, secret: []byte(secret), ttl: ttl}
}

// RandomSigningSecret returns a per-process signing secret for use when none
// is configured. Sessions do not survive a restart with it.
func RandomSigningSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate signing secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

type sessionClaims struct {
	Role model.Role `json:"role"`
	jwt.RegisteredClaims
}

// Issue creates a signed session token for cred.
func (s *SessionService) Issue(ctx context.Context, cred *model.Credential) (string, time.Time, error) {
	now := s.keys.now()
	expires := now.Add(s.ttl)
	claims := sessionClaims{
		Role: cred.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(cred.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
			Issuer:    sessionIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, expires, nil
}

// Authenticate verifies a session token and returns the current state of
// the credential behind it. Revoked or deleted credentials fail with
// ErrInvalidSession.
func (s *SessionService) Authenticate(ctx context.Context, tokenStr string) (*model.Credential, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.secret, nil
	}, jwt.WithIssuer(sessionIssuer), jwt.WithTimeFunc(s.keys.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return nil, ErrInvalidSession
	}

	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, ErrInvalidSession
	}

	cred, err := s.keys.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, err
	}
	if !cred.IsActive() {
		return nil, ErrInvalidSession
	}
	return cred, nil
}
