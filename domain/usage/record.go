// Package usage provides usage record types and aggregation functions.
// All functions are pure - no side effects.
package usage

import "time"

// Scope identifies whose usage is being counted (value type).
type Scope struct {
	TenantID string
	UserID   string
	Endpoint string
}

// Record is a single request outcome (immutable value type).
// Records are append-only: created once per request, never mutated,
// retained as the source of truth window evaluation counts against.
type Record struct {
	ID               string
	TenantID         string
	UserID           string
	Endpoint         string
	Method           string
	StatusCode       int
	LatencyMs        int64 // 0 when unknown (rejected before the handler ran)
	WasRateLimited   bool
	WasQuotaExceeded bool
	ErrorMessage     string
	CreatedAt        time.Time
}

// Scope returns the counting scope of the record.
func (r Record) Scope() Scope {
	return Scope{TenantID: r.TenantID, UserID: r.UserID, Endpoint: r.Endpoint}
}

// Summary is aggregated usage for a period (value type).
type Summary struct {
	TenantID     string
	PeriodStart  time.Time
	PeriodEnd    time.Time
	RequestCount int64
	LimitedCount int64 // Requests rejected by a window
	ErrorCount   int64 // 4xx + 5xx responses
	AvgLatencyMs int64
}

// Aggregate combines multiple records into a summary.
// This is a PURE function.
func Aggregate(records []Record, periodStart, periodEnd time.Time) Summary {
	summary := Summary{
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
	}
	if len(records) == 0 {
		return summary
	}

	var totalLatency int64
	for _, r := range records {
		if summary.TenantID == "" {
			summary.TenantID = r.TenantID
		}

		summary.RequestCount++
		totalLatency += r.LatencyMs

		if r.WasRateLimited || r.WasQuotaExceeded {
			summary.LimitedCount++
		}
		if r.StatusCode >= 400 {
			summary.ErrorCount++
		}
	}

	summary.AvgLatencyMs = totalLatency / summary.RequestCount
	return summary
}

// CountSince counts records in scope with CreatedAt >= since. Denied
// requests are retained for audit but never consume quota, so
// rate-limited records are excluded. Store adapters push this into a
// query; the memory adapter and tests share this reference
// implementation. This is a PURE function.
func CountSince(records []Record, scope Scope, since time.Time) int64 {
	var n int64
	for _, r := range records {
		if r.WasRateLimited {
			continue
		}
		if r.Scope() == scope && !r.CreatedAt.Before(since) {
			n++
		}
	}
	return n
}
