// Package ports defines interfaces (contracts) between layers.
// These interfaces enable dependency injection and testability.
// Implementations live in adapters/.
package ports

import (
	"context"
	"time"

	"github.com/meridiancrm/gatekeep/domain/admission"
	"github.com/meridiancrm/gatekeep/domain/alert"
	"github.com/meridiancrm/gatekeep/domain/usage"
)

// -----------------------------------------------------------------------------
// Infrastructure Ports
// -----------------------------------------------------------------------------

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// IDGenerator generates unique identifiers.
type IDGenerator interface {
	New() string
}

// -----------------------------------------------------------------------------
// Data Store Ports
// -----------------------------------------------------------------------------

// UsageStore persists append-only usage records.
type UsageStore interface {
	// InsertBatch appends usage records. Records are never updated or
	// deleted by this subsystem; retention is an external concern.
	InsertBatch(ctx context.Context, records []usage.Record) error

	// CountSince counts records in scope created at or after since.
	CountSince(ctx context.Context, scope usage.Scope, since time.Time) (int64, error)

	// Recent returns the newest records for a tenant.
	Recent(ctx context.Context, tenantID string, limit int) ([]usage.Record, error)
}

// CounterStore maintains fast-path window counters, upsert-incremented
// and keyed by (scope, period, aligned window start).
type CounterStore interface {
	// Bump increments the current aligned bucket of every window.
	Bump(ctx context.Context, scope usage.Scope, windows []admission.Window, now time.Time) error

	// Count returns the current aligned bucket's value for one window.
	Count(ctx context.Context, scope usage.Scope, w admission.Window, now time.Time) (int64, error)
}

// AlertStore persists quota alerts.
type AlertStore interface {
	// LastRaised returns when the newest alert of (tenant, kind, period)
	// was created, or the zero time if none exists.
	LastRaised(ctx context.Context, tenantID string, kind alert.Kind, period admission.Period) (time.Time, error)

	// Insert appends an alert.
	Insert(ctx context.Context, a alert.Alert) error
}

// CreditStore reads and consumes prepaid credit balances.
type CreditStore interface {
	// Balance returns the tenant's credit balance.
	// Returns credit.ErrNotFound if the organization entity is missing.
	Balance(ctx context.Context, tenantID string) (int64, error)

	// Consume atomically decrements the balance by amount if and only
	// if balance >= amount, and returns the new balance. Returns
	// credit.ErrInsufficient without changing the balance otherwise.
	Consume(ctx context.Context, tenantID string, amount int64) (int64, error)
}

// -----------------------------------------------------------------------------
// Event Ports
// -----------------------------------------------------------------------------

// UsageRecorder accepts usage records for async processing.
type UsageRecorder interface {
	// Record queues a usage record for persistence.
	// This must be non-blocking relative to the response path.
	Record(rec usage.Record)

	// Flush forces immediate processing of queued records.
	Flush(ctx context.Context) error

	// Close stops the recorder and flushes remaining records.
	Close() error
}
