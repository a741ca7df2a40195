package memory

import (
	"context"
	"sync"
	"time"

	"github.com/meridiancrm/gatekeep/domain/credit"
	"github.com/meridiancrm/gatekeep/ports"
)

// account holds a tenant's prepaid balance.
type account struct {
	balance     int64
	lastUsageAt time.Time
}

// CreditStore is an in-memory implementation of ports.CreditStore.
type CreditStore struct {
	mu       sync.Mutex
	accounts map[string]*account
}

// NewCreditStore creates a new in-memory credit store.
func NewCreditStore() *CreditStore {
	return &CreditStore{
		accounts: make(map[string]*account),
	}
}

// SetBalance seeds a tenant's balance (for tests and dev mode).
func (s *CreditStore) SetBalance(tenantID string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[tenantID] = &account{balance: balance}
}

// Balance returns the tenant's credit balance.
func (s *CreditStore) Balance(ctx context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[tenantID]
	if !ok {
		return 0, credit.ErrNotFound
	}
	return acct.balance, nil
}

// Consume atomically decrements the balance if it covers the amount.
// A failed attempt never changes the balance.
func (s *CreditStore) Consume(ctx context.Context, tenantID string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[tenantID]
	if !ok {
		return 0, credit.ErrNotFound
	}
	if acct.balance < amount {
		return acct.balance, credit.ErrInsufficient
	}

	acct.balance -= amount
	acct.lastUsageAt = time.Now().UTC()
	return acct.balance, nil
}

// Ensure interface compliance.
var _ ports.CreditStore = (*CreditStore)(nil)
