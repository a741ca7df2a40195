package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/meridiancrm/gatekeep/domain/usage"
	"github.com/meridiancrm/gatekeep/ports"
)

// UsageStore implements ports.UsageStore using SQLite.
type UsageStore struct {
	db *DB
}

// NewUsageStore creates a new SQLite usage store.
func NewUsageStore(db *DB) *UsageStore {
	return &UsageStore{db: db}
}

// InsertBatch appends usage records.
func (s *UsageStore) InsertBatch(ctx context.Context, records []usage.Record) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO usage_records (
			id, tenant_id, user_id, endpoint, method, status_code, latency_ms,
			was_rate_limited, was_quota_exceeded, error_message, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		// Store timestamps in UTC for consistent querying
		var errMsg sql.NullString
		if r.ErrorMessage != "" {
			errMsg = sql.NullString{String: r.ErrorMessage, Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			r.ID, r.TenantID, r.UserID, r.Endpoint, r.Method, r.StatusCode, r.LatencyMs,
			r.WasRateLimited, r.WasQuotaExceeded, errMsg, r.CreatedAt.UTC(),
		)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// CountSince counts records in scope created at or after since.
// Rate-limited records are audit rows, not quota consumption.
func (s *UsageStore) CountSince(ctx context.Context, scope usage.Scope, since time.Time) (int64, error) {
	sinceStr := since.UTC().Format("2006-01-02 15:04:05")
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM usage_records
		WHERE tenant_id = ? AND user_id = ? AND endpoint = ?
		  AND was_rate_limited = 0
		  AND datetime(created_at) >= datetime(?)
	`, scope.TenantID, scope.UserID, scope.Endpoint, sinceStr)

	var count int64
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// Recent returns the newest records for a tenant.
func (s *UsageStore) Recent(ctx context.Context, tenantID string, limit int) ([]usage.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, user_id, endpoint, method, status_code, latency_ms,
		       was_rate_limited, was_quota_exceeded, error_message, created_at
		FROM usage_records
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []usage.Record
	for rows.Next() {
		var r usage.Record
		var errMsg sql.NullString

		err := rows.Scan(
			&r.ID, &r.TenantID, &r.UserID, &r.Endpoint, &r.Method, &r.StatusCode, &r.LatencyMs,
			&r.WasRateLimited, &r.WasQuotaExceeded, &errMsg, &r.CreatedAt,
		)
		if err != nil {
			return nil, err
		}

		if errMsg.Valid {
			r.ErrorMessage = errMsg.String
		}
		records = append(records, r)
	}

	return records, rows.Err()
}

// Cleanup removes old usage records.
func (s *UsageStore) Cleanup(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM usage_records WHERE created_at < ?
	`, olderThan.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
