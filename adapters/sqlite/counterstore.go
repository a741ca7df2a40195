package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/meridiancrm/gatekeep/domain/admission"
	"github.com/meridiancrm/gatekeep/domain/usage"
	"github.com/meridiancrm/gatekeep/ports"
)

// CounterStore implements ports.CounterStore using SQLite.
// Counters are upsert-incremented so the count for a given aligned
// bucket never decreases; stale buckets are simply never read again.
type CounterStore struct {
	db *DB
}

// NewCounterStore creates a new SQLite counter store.
func NewCounterStore(db *DB) *CounterStore {
	return &CounterStore{db: db}
}

// Bump increments the current aligned bucket of every window.
func (s *CounterStore) Bump(ctx context.Context, scope usage.Scope, windows []admission.Window, now time.Time) error {
	for _, w := range windows {
		start := admission.AlignedStart(w.Period, now)
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO rate_window_counters (tenant_id, user_id, endpoint, period, window_start, request_count)
			VALUES (?, ?, ?, ?, ?, 1)
			ON CONFLICT(tenant_id, user_id, endpoint, period, window_start) DO UPDATE SET
				request_count = request_count + 1
		`, scope.TenantID, scope.UserID, scope.Endpoint, string(w.Period), start)
		if err != nil {
			return err
		}
	}
	return nil
}

// Count returns the current aligned bucket's value for one window.
func (s *CounterStore) Count(ctx context.Context, scope usage.Scope, w admission.Window, now time.Time) (int64, error) {
	start := admission.AlignedStart(w.Period, now)
	row := s.db.QueryRowContext(ctx, `
		SELECT request_count
		FROM rate_window_counters
		WHERE tenant_id = ? AND user_id = ? AND endpoint = ? AND period = ? AND window_start = ?
	`, scope.TenantID, scope.UserID, scope.Endpoint, string(w.Period), start)

	var count int64
	err := row.Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Cleanup removes counter buckets whose window start is before the cutoff.
func (s *CounterStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM rate_window_counters WHERE window_start < ?
	`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Ensure interface compliance.
var _ ports.CounterStore = (*CounterStore)(nil)
