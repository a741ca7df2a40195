package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/meridiancrm/gatekeep/domain/credit"
	"github.com/meridiancrm/gatekeep/ports"
)

// CreditStore implements ports.CreditStore using SQLite.
// Consumption is a single conditional UPDATE so concurrent consumers
// can never drive a balance negative.
type CreditStore struct {
	db *DB
}

// NewCreditStore creates a new SQLite credit store.
func NewCreditStore(db *DB) *CreditStore {
	return &CreditStore{db: db}
}

// Balance returns the tenant's credit balance.
func (s *CreditStore) Balance(ctx context.Context, tenantID string) (int64, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT credit_balance FROM organizations WHERE id = ?
	`, tenantID)

	var balance int64
	err := row.Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, credit.ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Consume atomically decrements the balance by amount if and only if
// balance >= amount, and returns the new balance.
func (s *CreditStore) Consume(ctx context.Context, tenantID string, amount int64) (int64, error) {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx, `
		UPDATE organizations
		SET credit_balance = credit_balance - ?,
		    last_usage_at = ?,
		    updated_at = ?
		WHERE id = ? AND credit_balance >= ?
	`, amount, now, now, tenantID, amount)
	if err != nil {
		return 0, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		// Distinguish a missing organization from an insufficient balance.
		if _, err := s.Balance(ctx, tenantID); errors.Is(err, credit.ErrNotFound) {
			return 0, credit.ErrNotFound
		}
		return 0, credit.ErrInsufficient
	}

	return s.Balance(ctx, tenantID)
}

// SetBalance creates or replaces an organization's balance. Used by
// provisioning and tests.
func (s *CreditStore) SetBalance(ctx context.Context, tenantID string, balance int64) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, credit_balance, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			credit_balance = excluded.credit_balance,
			updated_at = excluded.updated_at
	`, tenantID, balance, now, now)
	return err
}

// Ensure interface compliance.
var _ ports.CreditStore = (*CreditStore)(nil)
