package model

import "time"

// Outcome is the result recorded on a usage event.
type Outcome string

const (
	// OutcomePending marks an event appended at admission whose protected
	// operation has not reported back yet.
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// UsageEvent is one admitted use of a credential. Events are append-only and
// feed the rolling rate-limit window.
type UsageEvent struct {
	ID           int64     `json:"id"`
	CredentialID int64     `json:"credential_id"`
	OccurredAt   time.Time `json:"occurred_at"`
	Outcome      Outcome   `json:"outcome"`
	LatencyMs    *int64    `json:"latency_ms,omitempty"`
	Error        *string   `json:"error,omitempty"`
	Service      string    `json:"service,omitempty"`
}

// UsageSummary aggregates recent usage of a single credential.
type UsageSummary struct {
	Credential  *Credential  `json:"credential"`
	Events      []UsageEvent `json:"events"`
	Total       int64        `json:"total"`
	Succeeded   int64        `json:"succeeded"`
	Failed      int64        `json:"failed"`
	Pending     int64        `json:"pending"`
	SuccessRate float64      `json:"success_rate"`
}
