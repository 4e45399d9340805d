package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/keygate/keygate/internal/model"
)

// Decision is the outcome of an admission check.
type Decision int

const (
	DecisionAllowed Decision = iota
	DecisionInactive
	DecisionQuotaExceeded
	DecisionRateLimited
)

// Admission is the state of a credential as seen by an admission check.
// Credential reflects the committed row, including any lazy quota reset and
// the reservation made on an allowed decision. WindowCount counts the
// events inside the rate-limit window, including a new reservation.
type Admission struct {
	Credential  *model.Credential
	Decision    Decision
	WindowCount int
}

// UsageReport is the outcome of a protected operation.
type UsageReport struct {
	Outcome   model.Outcome
	LatencyMs *int64
	Error     *string
	Service   string
}

type usageEventRow struct {
	ID           int64          `db:"id"`
	CredentialID int64          `db:"credential_id"`
	OccurredAtMs int64          `db:"occurred_at_ms"`
	Outcome      string         `db:"outcome"`
	LatencyMs    sql.NullInt64  `db:"latency_ms"`
	ErrorMessage sql.NullString `db:"error_message"`
	ServiceName  string         `db:"service_name"`
}

func (r usageEventRow) toModel() model.UsageEvent {
	ev := model.UsageEvent{
		ID:           r.ID,
		CredentialID: r.CredentialID,
		OccurredAt:   time.UnixMilli(r.OccurredAtMs).UTC(),
		Outcome:      model.Outcome(r.Outcome),
		Service:      r.ServiceName,
	}
	if r.LatencyMs.Valid {
		v := r.LatencyMs.Int64
		ev.LatencyMs = &v
	}
	if r.ErrorMessage.Valid {
		v := r.ErrorMessage.String
		ev.Error = &v
	}
	return ev
}

// lockCredential reads a credential row inside tx, taking a row lock where
// the engine supports one.
func (s *Store) lockCredential(ctx context.Context, tx *sqlx.Tx, id int64) (*model.Credential, error) {
	var cred model.Credential
	q := tx.Rebind("SELECT " + credentialColumns + " FROM credentials WHERE id = ?" + s.dialect.lockClause)
	if err := tx.GetContext(ctx, &cred, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock credential: %w", err)
	}
	return &cred, nil
}

// resetIfStale zeroes the daily counter when the stored quota day is not
// today's.
func resetIfStale(ctx context.Context, tx *sqlx.Tx, cred *model.Credential, now time.Time) error {
	today := model.QuotaDay(now)
	if cred.LastQuotaReset == today {
		return nil
	}
	q := tx.Rebind("UPDATE credentials SET current_daily_usage = 0, last_quota_reset = ? WHERE id = ?")
	if _, err := tx.ExecContext(ctx, q, today, cred.ID); err != nil {
		return fmt.Errorf("reset daily usage: %w", err)
	}
	cred.CurrentDailyUsage = 0
	cred.LastQuotaReset = today
	return nil
}

// queryer is satisfied by both *sqlx.DB and *sqlx.Tx.
type queryer interface {
	sqlx.QueryerContext
	Rebind(string) string
}

func countWindow(ctx context.Context, q queryer, id int64, since time.Time) (int, error) {
	var n int
	query := q.Rebind("SELECT COUNT(*) FROM usage_events WHERE credential_id = ? AND occurred_at_ms > ?")
	if err := sqlx.GetContext(ctx, q, &n, query, id, since.UnixMilli()); err != nil {
		return 0, fmt.Errorf("count rate window: %w", err)
	}
	return n, nil
}

// Admit evaluates the daily quota and then the sliding rate window for a
// credential. On an allowed decision it reserves one unit of quota and
// appends a pending usage event stamped now, in the same transaction as the
// checks. A lazy quota reset is committed whatever the decision.
func (s *Store) Admit(ctx context.Context, id int64, now time.Time, window time.Duration) (*Admission, error) {
	var a *Admission
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		cred, err := s.lockCredential(ctx, tx, id)
		if err != nil {
			return err
		}
		a = &Admission{Credential: cred}

		if !cred.IsActive() {
			a.Decision = DecisionInactive
			return nil
		}
		if err := resetIfStale(ctx, tx, cred, now); err != nil {
			return err
		}
		count, err := countWindow(ctx, tx, id, now.Add(-window))
		if err != nil {
			return err
		}
		a.WindowCount = count

		if cred.CurrentDailyUsage >= cred.DailyQuota {
			a.Decision = DecisionQuotaExceeded
			return nil
		}
		if count >= cred.RateLimitPerMinute {
			a.Decision = DecisionRateLimited
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			tx.Rebind("UPDATE credentials SET current_daily_usage = current_daily_usage + 1 WHERE id = ?"), id); err != nil {
			return fmt.Errorf("reserve quota: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			tx.Rebind("INSERT INTO usage_events (credential_id, occurred_at_ms, outcome, service_name) VALUES (?, ?, ?, ?)"),
			id, now.UnixMilli(), string(model.OutcomePending), ""); err != nil {
			return fmt.Errorf("append usage event: %w", err)
		}
		cred.CurrentDailyUsage++
		a.WindowCount++
		a.Decision = DecisionAllowed
		return nil
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Inspect reports what Admit would decide without reserving anything or
// committing a lazy reset. The returned credential shows a zero counter when
// its quota day is stale.
func (s *Store) Inspect(ctx context.Context, id int64, now time.Time, window time.Duration) (*Admission, error) {
	cred, err := s.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	a := &Admission{Credential: cred}
	if !cred.IsActive() {
		a.Decision = DecisionInactive
		return a, nil
	}
	if cred.LastQuotaReset != model.QuotaDay(now) {
		cred.CurrentDailyUsage = 0
		cred.LastQuotaReset = model.QuotaDay(now)
	}

	count, err := countWindow(ctx, s.db, id, now.Add(-window))
	if err != nil {
		return nil, err
	}
	a.WindowCount = count

	switch {
	case cred.CurrentDailyUsage >= cred.DailyQuota:
		a.Decision = DecisionQuotaExceeded
	case count >= cred.RateLimitPerMinute:
		a.Decision = DecisionRateLimited
	default:
		a.Decision = DecisionAllowed
	}
	return a, nil
}

// RecordUsage finalizes the oldest pending event of a credential with the
// reported outcome and stamps last_used_at. When no pending event exists a
// finished event is appended and the daily counter incremented together.
func (s *Store) RecordUsage(ctx context.Context, id int64, r UsageReport, now time.Time) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		cred, err := s.lockCredential(ctx, tx, id)
		if err != nil {
			return err
		}

		var pendingID int64
		err = tx.GetContext(ctx, &pendingID, tx.Rebind(
			"SELECT id FROM usage_events WHERE credential_id = ? AND outcome = ? ORDER BY id LIMIT 1"),
			id, string(model.OutcomePending))
		switch {
		case err == nil:
			q := "UPDATE usage_events SET outcome = ?, latency_ms = ?, error_message = ?"
			args := []interface{}{string(r.Outcome), r.LatencyMs, r.Error}
			if r.Service != "" {
				q += ", service_name = ?"
				args = append(args, r.Service)
			}
			q += " WHERE id = ?"
			args = append(args, pendingID)
			if _, err := tx.ExecContext(ctx, tx.Rebind(q), args...); err != nil {
				return fmt.Errorf("finalize usage event: %w", err)
			}
		case errors.Is(err, sql.ErrNoRows):
			if err := resetIfStale(ctx, tx, cred, now); err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(
				`INSERT INTO usage_events (credential_id, occurred_at_ms, outcome, latency_ms, error_message, service_name)
				 VALUES (?, ?, ?, ?, ?, ?)`),
				id, now.UnixMilli(), string(r.Outcome), r.LatencyMs, r.Error, r.Service); err != nil {
				return fmt.Errorf("append usage event: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				tx.Rebind("UPDATE credentials SET current_daily_usage = current_daily_usage + 1 WHERE id = ?"), id); err != nil {
				return fmt.Errorf("increment daily usage: %w", err)
			}
		default:
			return fmt.Errorf("find pending usage event: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			tx.Rebind("UPDATE credentials SET last_used_at = ? WHERE id = ?"), now.UTC(), id); err != nil {
			return fmt.Errorf("update last used: %w", err)
		}
		return nil
	})
}

// ListUsageEvents returns the most recent events of a credential, newest
// first.
func (s *Store) ListUsageEvents(ctx context.Context, id int64, limit int) ([]model.UsageEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.Rebind(fmt.Sprintf(`SELECT id, credential_id, occurred_at_ms, outcome, latency_ms, error_message, service_name
		FROM usage_events WHERE credential_id = ? ORDER BY occurred_at_ms DESC, id DESC LIMIT %d`, limit))

	var rows []usageEventRow
	if err := s.db.SelectContext(ctx, &rows, q, id); err != nil {
		return nil, fmt.Errorf("list usage events: %w", err)
	}
	events := make([]model.UsageEvent, len(rows))
	for i, r := range rows {
		events[i] = r.toModel()
	}
	return events, nil
}

// UsageCounts returns the number of events per outcome for a credential.
func (s *Store) UsageCounts(ctx context.Context, id int64) (map[model.Outcome]int64, error) {
	var rows []struct {
		Outcome string `db:"outcome"`
		N       int64  `db:"n"`
	}
	q := s.db.Rebind("SELECT outcome, COUNT(*) AS n FROM usage_events WHERE credential_id = ? GROUP BY outcome")
	if err := s.db.SelectContext(ctx, &rows, q, id); err != nil {
		return nil, fmt.Errorf("count usage events: %w", err)
	}
	counts := make(map[model.Outcome]int64, len(rows))
	for _, r := range rows {
		counts[model.Outcome(r.Outcome)] = r.N
	}
	return counts, nil
}
