package ledger

import (
	"context"
	"fmt"
	"time"

	"rugcomposer/db"
)

// UsageSnapshot is the user's render usage for the current UTC day.
// Limit is derived as Remaining + Used; DailyLimitHint is the configured
// nominal allowance, reported for display only.
type UsageSnapshot struct {
	Limit          int       `json:"limit"`
	Used           int       `json:"used"`
	Remaining      int       `json:"remaining"`
	ResetAt        time.Time `json:"resetAt"`
	DailyLimitHint int       `json:"dailyLimitHint"`
}

// UsageSnapshot returns today's usage for userID.
func (l *Ledger) UsageSnapshot(ctx context.Context, userID string, dailyLimitHint int) (UsageSnapshot, error) {
	remaining, err := l.Balance(ctx, userID)
	if err != nil {
		return UsageSnapshot{}, err
	}

	dayStart := StartOfUTCDay(l.now())
	var spent int
	err = l.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM ledger_entries
		WHERE user_id = ? AND reason = ? AND created_at >= ?`,
		userID, ReasonRender, db.FormatTimestamp(dayStart),
	).Scan(&spent)
	if err != nil {
		return UsageSnapshot{}, fmt.Errorf("ledger: failed to sum usage: %w", err)
	}

	used := -spent
	return UsageSnapshot{
		Limit:          remaining + used,
		Used:           used,
		Remaining:      remaining,
		ResetAt:        dayStart.Add(24 * time.Hour),
		DailyLimitHint: dailyLimitHint,
	}, nil
}

// StartOfUTCDay returns midnight UTC of t's UTC date.
func StartOfUTCDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
