package model

import "time"

// Status is the lifecycle state of a credential. The only transition is
// active -> revoked.
type Status string

const (
	StatusActive  Status = "active"
	StatusRevoked Status = "revoked"
)

// Unlimited is the sentinel quota, rate, and remaining value used for the
// super-credential.
const Unlimited = -1

// SuperCredentialID is the synthetic ID carried by the super-credential. It
// is never assigned to a stored row.
const SuperCredentialID int64 = -1

// QuotaDayLayout is the layout of LastQuotaReset: a UTC calendar day.
const QuotaDayLayout = "2006-01-02"

// Credential represents one issued API key. The plaintext secret is never
// stored; only its SHA-256 hash and a short display prefix are persisted.
type Credential struct {
	ID                 int64      `json:"id" db:"id"`
	SecretHash         string     `json:"-" db:"secret_hash"`               // SHA-256 hash, never expose
	DisplayPrefix      string     `json:"key_prefix" db:"display_prefix"`   // First 12 chars + "..."
	Owner              string     `json:"owner" db:"owner"`
	Organization       *string    `json:"organization,omitempty" db:"organization"`
	Name               string     `json:"name" db:"name"`
	Role               Role       `json:"role" db:"role"`
	Status             Status     `json:"status" db:"status"`
	DailyQuota         int        `json:"daily_quota" db:"daily_quota"`
	RateLimitPerMinute int        `json:"rate_limit_per_minute" db:"rate_limit_per_minute"`
	CurrentDailyUsage  int        `json:"current_daily_usage" db:"current_daily_usage"`
	LastQuotaReset     string     `json:"last_quota_reset" db:"last_quota_reset"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	LastUsedAt         *time.Time `json:"last_used_at,omitempty" db:"last_used_at"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
}

// IsActive reports whether the credential may still authenticate.
func (c *Credential) IsActive() bool {
	return c.Status == StatusActive
}

// IsSuper reports whether c is the synthetic super-credential.
func (c *Credential) IsSuper() bool {
	return c.ID == SuperCredentialID
}

// QuotaDay returns the quota day that t falls on.
func QuotaDay(t time.Time) string {
	return t.UTC().Format(QuotaDayLayout)
}

// SuperCredential builds the synthetic, never-persisted record returned when
// the configured super-credential is presented.
func SuperCredential(now time.Time) *Credential {
	org := "System"
	return &Credential{
		ID:                 SuperCredentialID,
		DisplayPrefix:      "super...",
		Owner:              "superadmin@system.local",
		Organization:       &org,
		Name:               "Super Administrator",
		Role:               RoleSuperAdmin,
		Status:             StatusActive,
		DailyQuota:         Unlimited,
		RateLimitPerMinute: Unlimited,
		LastQuotaReset:     QuotaDay(now),
		CreatedAt:          now.UTC(),
	}
}
