package service

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/keygate/keygate/internal/model"
	"github.com/keygate/keygate/internal/store"
)

// SecretPrefix marks every issued secret. Presented values without it are
// rejected before hashing.
const SecretPrefix = "kg_"

// RateWindow is the length of the sliding rate-limit window.
const RateWindow = time.Minute

const displayPrefixLen = 12

// CredentialStore is the persistence the key service needs.
type CredentialStore interface {
	Ping(ctx context.Context) error
	CreateCredential(ctx context.Context, cred *model.Credential) error
	GetCredential(ctx context.Context, id int64) (*model.Credential, error)
	GetCredentialByHash(ctx context.Context, hash string) (*model.Credential, error)
	ListCredentials(ctx context.Context, f store.ListFilter) ([]model.Credential, error)
	UpdateCredential(ctx context.Context, id int64, u store.CredentialUpdate) error
	RevokeCredential(ctx context.Context, id int64, now time.Time) (bool, error)
	DeleteCredential(ctx context.Context, id int64) (bool, error)
	Admit(ctx context.Context, id int64, now time.Time, window time.Duration) (*store.Admission, error)
	Inspect(ctx context.Context, id int64, now time.Time, window time.Duration) (*store.Admission, error)
	RecordUsage(ctx context.Context, id int64, r store.UsageReport, now time.Time) error
	ListUsageEvents(ctx context.Context, id int64, limit int) ([]model.UsageEvent, error)
	UsageCounts(ctx context.Context, id int64) (map[model.Outcome]int64, error)
}

// Options configures a KeyService. Zero values fall back to defaults.
type Options struct {
	// SuperKey is the reserved super-credential. Empty disables the bypass.
	SuperKey          string
	DefaultDailyQuota int
	DefaultRateLimit  int
	// Timeout bounds every store call.
	Timeout time.Duration

	Now            func() time.Time
	GenerateSecret func() (string, error)
	Logger         *slog.Logger
}

// KeyService issues, validates and governs credentials.
type KeyService struct {
	store             CredentialStore
	superKey          []byte
	defaultDailyQuota int
	defaultRateLimit  int
	timeout           time.Duration
	now               func() time.Time
	generate          func() (string, error)
	logger            *slog.Logger
}

// NewKeyService creates a key service over st.
func NewKeyService(st CredentialStore, opts Options) *KeyService {
	s := &KeyService{
		store:             st,
		defaultDailyQuota: opts.DefaultDailyQuota,
		defaultRateLimit:  opts.DefaultRateLimit,
		timeout:           opts.Timeout,
		now:               opts.Now,
		generate:          opts.GenerateSecret,
		logger:            opts.Logger,
	}
	if opts.SuperKey != "" {
		s.superKey = []byte(opts.SuperKey)
	}
	if s.defaultDailyQuota <= 0 {
		s.defaultDailyQuota = 100
	}
	if s.defaultRateLimit <= 0 {
		s.defaultRateLimit = 60
	}
	if s.timeout <= 0 {
		s.timeout = 5 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.generate == nil {
		s.generate = GenerateSecret
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// GenerateSecret returns a new secret: the kg_ prefix followed by 256 bits
// of randomness, hex encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return SecretPrefix + hex.EncodeToString(b), nil
}

// SuperKeyEnabled reports whether a super-credential is configured.
func (s *KeyService) SuperKeyEnabled() bool {
	return len(s.superKey) > 0
}

// Ready reports whether the store is reachable.
func (s *KeyService) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Issue
// ---------------------------------------------------------------------------

// IssueRequest describes a credential to create. Zero limits fall back to
// the configured defaults; an empty role means user.
type IssueRequest struct {
	Name               string     `json:"name"`
	Owner              string     `json:"owner"`
	Organization       *string    `json:"organization,omitempty"`
	Role               model.Role `json:"role"`
	DailyQuota         int        `json:"daily_quota"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute"`
}

func (s *KeyService) normalizeIssue(req IssueRequest) (IssueRequest, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Owner = strings.TrimSpace(req.Owner)
	if req.Name == "" {
		return req, invalidf("name is required")
	}
	if !strings.Contains(req.Owner, "@") {
		return req, invalidf("owner must be an email address")
	}
	if req.Role == "" {
		req.Role = model.RoleUser
	}
	if !req.Role.Valid() {
		return req, invalidf("unknown role %q", req.Role)
	}
	if req.DailyQuota < 0 || req.RateLimitPerMinute < 0 {
		return req, invalidf("daily_quota and rate_limit_per_minute must be positive")
	}
	if req.DailyQuota == 0 {
		req.DailyQuota = s.defaultDailyQuota
	}
	if req.RateLimitPerMinute == 0 {
		req.RateLimitPerMinute = s.defaultRateLimit
	}
	return req, nil
}

// Issue creates a credential and returns its plaintext secret. The secret is
// never stored and cannot be recovered. A hash collision is retried once.
func (s *KeyService) Issue(ctx context.Context, req IssueRequest) (string, *model.Credential, error) {
	req, err := s.normalizeIssue(req)
	if err != nil {
		return "", nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	now := s.now()
	for attempt := 0; attempt < 2; attempt++ {
		secret, err := s.generate()
		if err != nil {
			return "", nil, err
		}
		cred := &model.Credential{
			SecretHash:         store.HashSecret(secret),
			DisplayPrefix:      displayPrefix(secret),
			Owner:              req.Owner,
			Organization:       req.Organization,
			Name:               req.Name,
			Role:               req.Role,
			Status:             model.StatusActive,
			DailyQuota:         req.DailyQuota,
			RateLimitPerMinute: req.RateLimitPerMinute,
			LastQuotaReset:     model.QuotaDay(now),
			CreatedAt:          now.UTC(),
		}
		err = s.store.CreateCredential(ctx, cred)
		if errors.Is(err, store.ErrDuplicateHash) {
			s.logger.Warn("secret hash collision, regenerating", "attempt", attempt+1)
			continue
		}
		if err != nil {
			return "", nil, storeErr(err)
		}
		s.logger.Info("credential issued", "id", cred.ID, "owner", cred.Owner, "role", cred.Role)
		return secret, cred, nil
	}
	return "", nil, ErrCollision
}

func displayPrefix(secret string) string {
	if len(secret) <= displayPrefixLen {
		return secret + "..."
	}
	return secret[:displayPrefixLen] + "..."
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

// Validation is the result of resolving a presented secret.
type Validation struct {
	Valid      bool
	Credential *model.Credential
	Role       model.Role
	Reason     Reason
}

// Validate resolves a presented secret to its credential. It never mutates
// state. A store failure is returned as ErrStoreUnavailable, never as an
// invalid key.
func (s *KeyService) Validate(ctx context.Context, secret string) (*Validation, error) {
	if s.isSuperKey(secret) {
		return &Validation{Valid: true, Credential: model.SuperCredential(s.now()), Role: model.RoleSuperAdmin}, nil
	}
	if !strings.HasPrefix(secret, SecretPrefix) {
		return &Validation{Reason: ReasonInvalidFormat}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cred, err := s.store.GetCredentialByHash(ctx, store.HashSecret(secret))
	if errors.Is(err, store.ErrNotFound) {
		return &Validation{Reason: ReasonNotFound}, nil
	}
	if err != nil {
		return nil, storeErr(err)
	}
	if !cred.IsActive() {
		return &Validation{Reason: ReasonNotFound}, nil
	}

	s.normalizeRole(cred)
	return &Validation{Valid: true, Credential: cred, Role: cred.Role}, nil
}

func (s *KeyService) isSuperKey(secret string) bool {
	if len(s.superKey) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), s.superKey) == 1
}

// normalizeRole downgrades an unrecognized stored role to user.
func (s *KeyService) normalizeRole(cred *model.Credential) {
	if _, ok := model.ParseRole(string(cred.Role)); ok {
		return
	}
	s.logger.Warn("credential has unknown role, treating as user", "id", cred.ID, "role", string(cred.Role))
	cred.Role = model.RoleUser
}

// ---------------------------------------------------------------------------
// Admission
// ---------------------------------------------------------------------------

// AdmissionResult is the decision for one unit of usage.
type AdmissionResult struct {
	Allowed        bool   `json:"allowed"`
	Reason         Reason `json:"reason,omitempty"`
	QuotaRemaining int    `json:"quota_remaining"`
	RateRemaining  int    `json:"rate_remaining"`
}

func unlimitedResult() *AdmissionResult {
	return &AdmissionResult{Allowed: true, QuotaRemaining: model.Unlimited, RateRemaining: model.Unlimited}
}

func resultFrom(a *store.Admission) *AdmissionResult {
	c := a.Credential
	r := &AdmissionResult{
		QuotaRemaining: max(0, c.DailyQuota-c.CurrentDailyUsage),
		RateRemaining:  max(0, c.RateLimitPerMinute-a.WindowCount),
	}
	switch a.Decision {
	case store.DecisionAllowed:
		r.Allowed = true
	case store.DecisionInactive:
		r.Reason = ReasonNotFound
		r.QuotaRemaining, r.RateRemaining = 0, 0
	case store.DecisionQuotaExceeded:
		r.Reason = ReasonQuotaExceeded
	case store.DecisionRateLimited:
		r.Reason = ReasonRateLimited
	}
	return r
}

// Admit decides whether the credential may perform one more operation now.
// Quota is checked before the rate limit. An allowed decision reserves the
// unit and appends a pending usage event atomically. The super-credential is
// always admitted and never touches the store.
func (s *KeyService) Admit(ctx context.Context, credentialID int64) (*AdmissionResult, error) {
	if credentialID == model.SuperCredentialID {
		return unlimitedResult(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	a, err := s.store.Admit(ctx, credentialID, s.now(), RateWindow)
	if err != nil {
		return nil, storeErr(err)
	}
	res := resultFrom(a)
	if !res.Allowed {
		s.logger.Debug("admission rejected", "id", credentialID, "reason", res.Reason)
	}
	return res, nil
}

// Inspect reports what Admit would decide without consuming anything.
func (s *KeyService) Inspect(ctx context.Context, credentialID int64) (*AdmissionResult, error) {
	if credentialID == model.SuperCredentialID {
		return unlimitedResult(), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	a, err := s.store.Inspect(ctx, credentialID, s.now(), RateWindow)
	if err != nil {
		return nil, storeErr(err)
	}
	return resultFrom(a), nil
}

// UsageReport is the outcome of a protected operation.
type UsageReport struct {
	Success   bool    `json:"success"`
	LatencyMs *int64  `json:"latency_ms,omitempty"`
	Error     *string `json:"error,omitempty"`
	Service   string  `json:"service,omitempty"`
}

// RecordUsage records the outcome of an admitted operation. It finalizes
// the pending event appended by Admit, or appends a finished event and
// counts it when Admit was skipped. A no-op for the super-credential.
func (s *KeyService) RecordUsage(ctx context.Context, credentialID int64, r UsageReport) error {
	if credentialID == model.SuperCredentialID {
		return nil
	}
	if r.LatencyMs != nil && *r.LatencyMs < 0 {
		return invalidf("latency_ms must not be negative")
	}

	outcome := model.OutcomeFailure
	if r.Success {
		outcome = model.OutcomeSuccess
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.store.RecordUsage(ctx, credentialID, store.UsageReport{
		Outcome:   outcome,
		LatencyMs: r.LatencyMs,
		Error:     r.Error,
		Service:   r.Service,
	}, s.now())
	if err != nil {
		return storeErr(err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Administration
// ---------------------------------------------------------------------------

// Get returns a credential by ID. The synthetic super-credential is
// returned for its reserved ID when configured.
func (s *KeyService) Get(ctx context.Context, id int64) (*model.Credential, error) {
	if id == model.SuperCredentialID {
		if !s.SuperKeyEnabled() {
			return nil, ErrNotFound
		}
		return model.SuperCredential(s.now()), nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cred, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	s.normalizeRole(cred)
	return cred, nil
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	Owner  string
	Status model.Status
	Limit  int
}

// List returns credentials newest first.
func (s *KeyService) List(ctx context.Context, f ListFilter) ([]model.Credential, error) {
	if f.Status != "" && f.Status != model.StatusActive && f.Status != model.StatusRevoked {
		return nil, invalidf("unknown status %q", f.Status)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	creds, err := s.store.ListCredentials(ctx, store.ListFilter{Owner: f.Owner, Status: f.Status, Limit: f.Limit})
	if err != nil {
		return nil, storeErr(err)
	}
	for i := range creds {
		s.normalizeRole(&creds[i])
	}
	return creds, nil
}

// UpdateRequest changes administrative fields. Nil fields are untouched.
// Role and status cannot be changed through this path.
type UpdateRequest struct {
	Name               *string `json:"name,omitempty"`
	Organization       *string `json:"organization,omitempty"`
	DailyQuota         *int    `json:"daily_quota,omitempty"`
	RateLimitPerMinute *int    `json:"rate_limit_per_minute,omitempty"`
}

// Update applies req and returns the updated credential.
func (s *KeyService) Update(ctx context.Context, id int64, req UpdateRequest) (*model.Credential, error) {
	u := store.CredentialUpdate{
		Name:               req.Name,
		Organization:       req.Organization,
		DailyQuota:         req.DailyQuota,
		RateLimitPerMinute: req.RateLimitPerMinute,
	}
	if u.Empty() {
		return nil, ErrEmptyUpdate
	}
	if u.Name != nil {
		name := strings.TrimSpace(*u.Name)
		if name == "" {
			return nil, invalidf("name must not be empty")
		}
		u.Name = &name
	}
	if (u.DailyQuota != nil && *u.DailyQuota <= 0) || (u.RateLimitPerMinute != nil && *u.RateLimitPerMinute <= 0) {
		return nil, invalidf("daily_quota and rate_limit_per_minute must be positive")
	}
	if id == model.SuperCredentialID {
		return nil, ErrNotFound
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.store.UpdateCredential(ctx, id, u); err != nil {
		return nil, storeErr(err)
	}
	cred, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	s.normalizeRole(cred)
	return cred, nil
}

// Revoke permanently deactivates a credential. It reports true only for an
// active to revoked transition.
func (s *KeyService) Revoke(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ok, err := s.store.RevokeCredential(ctx, id, s.now())
	if err != nil {
		return false, storeErr(err)
	}
	if ok {
		s.logger.Info("credential revoked", "id", id)
	}
	return ok, nil
}

// Delete removes a credential and its usage history.
func (s *KeyService) Delete(ctx context.Context, id int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	ok, err := s.store.DeleteCredential(ctx, id)
	if err != nil {
		return false, storeErr(err)
	}
	if ok {
		s.logger.Info("credential deleted", "id", id)
	}
	return ok, nil
}

// Usage summarizes the recent usage of a credential.
func (s *KeyService) Usage(ctx context.Context, id int64, limit int) (*model.UsageSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cred, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}
	s.normalizeRole(cred)

	events, err := s.store.ListUsageEvents(ctx, id, limit)
	if err != nil {
		return nil, storeErr(err)
	}
	counts, err := s.store.UsageCounts(ctx, id)
	if err != nil {
		return nil, storeErr(err)
	}

	sum := &model.UsageSummary{
		Credential: cred,
		Events:     events,
		Succeeded:  counts[model.OutcomeSuccess],
		Failed:     counts[model.OutcomeFailure],
		Pending:    counts[model.OutcomePending],
	}
	sum.Total = sum.Succeeded + sum.Failed + sum.Pending
	if finished := sum.Succeeded + sum.Failed; finished > 0 {
		sum.SuccessRate = float64(sum.Succeeded) / float64(finished)
	}
	return sum, nil
}
