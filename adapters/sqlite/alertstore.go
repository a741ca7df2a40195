package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/meridiancrm/gatekeep/domain/admission"
	"github.com/meridiancrm/gatekeep/domain/alert"
	"github.com/meridiancrm/gatekeep/ports"
)

// AlertStore implements ports.AlertStore using SQLite.
type AlertStore struct {
	db *DB
}

// NewAlertStore creates a new SQLite alert store.
func NewAlertStore(db *DB) *AlertStore {
	return &AlertStore{db: db}
}

// LastRaised returns when the newest alert of (tenant, kind, period)
// was created, or the zero time if none exists.
func (s *AlertStore) LastRaised(ctx context.Context, tenantID string, kind alert.Kind, period admission.Period) (time.Time, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT created_at
		FROM quota_alerts
		WHERE tenant_id = ? AND alert_kind = ? AND period = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, tenantID, string(kind), string(period))

	var createdAt time.Time
	err := row.Scan(&createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return createdAt, nil
}

// Insert appends an alert.
func (s *AlertStore) Insert(ctx context.Context, a alert.Alert) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_alerts (
			id, tenant_id, user_id, alert_kind, period,
			current_usage, usage_limit, usage_percent, message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.TenantID, a.UserID, string(a.Kind), string(a.Period),
		a.CurrentUsage, a.Limit, a.UsagePercent, a.Message, a.CreatedAt.UTC())
	return err
}

// Recent returns the newest alerts for a tenant.
func (s *AlertStore) Recent(ctx context.Context, tenantID string, limit int) ([]alert.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, alert_kind, period,
		       current_usage, usage_limit, usage_percent, message, created_at
		FROM quota_alerts
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []alert.Alert
	for rows.Next() {
		var a alert.Alert
		var kind, period string

		err := rows.Scan(
			&a.ID, &a.TenantID, &a.UserID, &kind, &period,
			&a.CurrentUsage, &a.Limit, &a.UsagePercent, &a.Message, &a.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		a.Kind = alert.Kind(kind)
		a.Period = admission.Period(period)
		alerts = append(alerts, a)
	}

	return alerts, rows.Err()
}

// Ensure interface compliance.
var _ ports.AlertStore = (*AlertStore)(nil)
