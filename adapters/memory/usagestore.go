// Package memory provides in-memory implementations of storage ports.
// Used by tests and the dev-mode server; state does not survive restarts.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/meridiancrm/gatekeep/domain/usage"
	"github.com/meridiancrm/gatekeep/ports"
)

// UsageStore is an in-memory implementation of ports.UsageStore.
type UsageStore struct {
	mu      sync.RWMutex
	records []usage.Record
}

// NewUsageStore creates a new in-memory usage store.
func NewUsageStore() *UsageStore {
	return &UsageStore{
		records: make([]usage.Record, 0),
	}
}

// InsertBatch appends usage records.
func (s *UsageStore) InsertBatch(ctx context.Context, records []usage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, records...)
	return nil
}

// CountSince counts records in scope created at or after since.
func (s *UsageStore) CountSince(ctx context.Context, scope usage.Scope, since time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return usage.CountSince(s.records, scope, since), nil
}

// Recent returns the newest records for a tenant.
func (s *UsageStore) Recent(ctx context.Context, tenantID string, limit int) ([]usage.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matching []usage.Record
	for i := len(s.records) - 1; i >= 0 && len(matching) < limit; i-- {
		if s.records[i].TenantID == tenantID {
			matching = append(matching, s.records[i])
		}
	}

	return matching, nil
}

// All returns all records (for testing).
func (s *UsageStore) All() []usage.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]usage.Record{}, s.records...)
}

// Clear removes all records (for testing).
func (s *UsageStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make([]usage.Record, 0)
}

// Ensure interface compliance.
var _ ports.UsageStore = (*UsageStore)(nil)
