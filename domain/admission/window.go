// Package admission provides pure window evaluation for rate admission.
// All functions are deterministic - same input always produces same output.
package admission

import (
	"fmt"
	"time"
)

// Period identifies a configured window duration class.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodMonthly Period = "monthly"
)

// EvalOrder is the fixed order windows are evaluated in.
// Evaluation short-circuits on the first violated window.
var EvalOrder = []Period{PeriodHourly, PeriodDaily, PeriodMonthly}

// Window is a configured admission window (value type).
type Window struct {
	Period Period
	Limit  int64 // Max requests per window
}

// Duration returns the nominal length of the window.
// Monthly windows use 30 days for the sliding lookback; the reset
// instant still snaps to the true calendar boundary.
func (w Window) Duration() time.Duration {
	switch w.Period {
	case PeriodHourly:
		return time.Hour
	case PeriodDaily:
		return 24 * time.Hour
	case PeriodMonthly:
		return 30 * 24 * time.Hour
	default:
		return time.Hour
	}
}

// Reasons for denial
const (
	ReasonWindowExceeded = "rate_limit_exceeded"
)

// Decision represents the outcome of an admission check (value type).
type Decision struct {
	Allowed      bool
	CurrentUsage int64
	Limit        int64
	Remaining    int64     // Clamped >= 0
	ResetAt      time.Time // Next aligned boundary of the violated/tightest window
	Period       Period    // The window the decision was made on
	Reason       string    // If not allowed, why
	Message      string    // Advisory text (fail-open, denial detail)
}

// NextReset returns the next aligned boundary for a period after now:
// top of the next hour, midnight of the next day, or the first of the
// next month. All boundaries are computed in UTC.
// This is a PURE function.
func NextReset(p Period, now time.Time) time.Time {
	t := now.UTC()
	switch p {
	case PeriodHourly:
		return t.Truncate(time.Hour).Add(time.Hour)
	case PeriodDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	default:
		return t.Truncate(time.Hour).Add(time.Hour)
	}
}

// WindowStart returns the sliding lookback start for counting usage.
// This is a PURE function.
func WindowStart(w Window, now time.Time) time.Time {
	return now.Add(-w.Duration())
}

// AlignedStart returns the aligned start of the current window, used as
// the fast-path counter bucket key. Counters keyed on an aligned start
// never decrease within the window and go stale after the boundary.
// This is a PURE function.
func AlignedStart(p Period, now time.Time) time.Time {
	t := now.UTC()
	switch p {
	case PeriodHourly:
		return t.Truncate(time.Hour)
	case PeriodDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return t.Truncate(time.Hour)
	}
}

// Judge decides whether a request is admitted by a single window given
// the current usage count. This is a PURE function.
func Judge(w Window, count int64, now time.Time) Decision {
	resetAt := NextReset(w.Period, now)

	remaining := w.Limit - count
	if remaining < 0 {
		remaining = 0
	}

	if count >= w.Limit {
		return Decision{
			Allowed:      false,
			CurrentUsage: count,
			Limit:        w.Limit,
			Remaining:    0,
			ResetAt:      resetAt,
			Period:       w.Period,
			Reason:       ReasonWindowExceeded,
			Message: fmt.Sprintf("%s request limit reached (%d/%d), resets at %s",
				w.Period, count, w.Limit, resetAt.Format(time.RFC3339)),
		}
	}

	return Decision{
		Allowed:      true,
		CurrentUsage: count,
		Limit:        w.Limit,
		Remaining:    remaining,
		ResetAt:      resetAt,
		Period:       w.Period,
	}
}

// WarnThreshold returns the fraction of the limit at which a window
// emits an alert before denial: 0.9 for monthly, 0.8 otherwise.
// This is a PURE function.
func WarnThreshold(p Period) float64 {
	if p == PeriodMonthly {
		return 0.9
	}
	return 0.8
}

// NearLimit reports whether usage has crossed the window's warn
// threshold. This is a PURE function.
func NearLimit(w Window, count int64) bool {
	if w.Limit <= 0 {
		return false
	}
	return float64(count) >= WarnThreshold(w.Period)*float64(w.Limit)
}

// UsagePercent returns usage as a percentage of the limit.
// This is a PURE function.
func UsagePercent(count, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(count) / float64(limit) * 100
}
