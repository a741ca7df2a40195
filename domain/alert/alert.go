// Package alert provides quota alert types and the dedup rule.
package alert

import (
	"fmt"
	"time"

	"github.com/meridiancrm/gatekeep/domain/admission"
)

// Kind classifies an alert by severity.
type Kind string

const (
	KindWarning  Kind = "warning"
	KindCritical Kind = "critical"
	KindExceeded Kind = "exceeded"
)

// DedupWindow bounds alert volume: at most one alert of a given
// (tenant, kind, period) within any rolling span of this length.
const DedupWindow = time.Hour

// Alert is an append-only quota alert (immutable value type).
type Alert struct {
	ID           string
	TenantID     string
	UserID       string
	Kind         Kind
	Period       admission.Period
	CurrentUsage int64
	Limit        int64
	UsagePercent float64
	Message      string
	CreatedAt    time.Time
}

// ShouldRaise reports whether a new alert may be created given when the
// last alert of the same (tenant, kind, period) was raised. A zero
// lastRaised means no prior alert exists. This is a PURE function.
func ShouldRaise(lastRaised, now time.Time) bool {
	if lastRaised.IsZero() {
		return true
	}
	return now.Sub(lastRaised) >= DedupWindow
}

// KindFor returns the alert kind for a near-limit condition on a window:
// critical for the monthly 90% threshold, warning otherwise.
// This is a PURE function.
func KindFor(p admission.Period) Kind {
	if p == admission.PeriodMonthly {
		return KindCritical
	}
	return KindWarning
}

// New builds an alert with a rendered message. Usage percentage is
// reported to one decimal place. This is a PURE function.
func New(id, tenantID, userID string, kind Kind, period admission.Period, currentUsage, limit int64, now time.Time) Alert {
	pct := admission.UsagePercent(currentUsage, limit)

	var msg string
	switch kind {
	case KindExceeded:
		msg = fmt.Sprintf("%s quota exceeded: %d/%d requests (%.1f%%)", period, currentUsage, limit, pct)
	case KindCritical:
		msg = fmt.Sprintf("%s quota critical: %d/%d requests (%.1f%%)", period, currentUsage, limit, pct)
	default:
		msg = fmt.Sprintf("%s quota warning: %d/%d requests (%.1f%%)", period, currentUsage, limit, pct)
	}

	return Alert{
		ID:           id,
		TenantID:     tenantID,
		UserID:       userID,
		Kind:         kind,
		Period:       period,
		CurrentUsage: currentUsage,
		Limit:        limit,
		UsagePercent: pct,
		Message:      msg,
		CreatedAt:    now,
	}
}
