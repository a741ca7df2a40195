package memory

import (
	"context"
	"sync"
	"time"

	"github.com/meridiancrm/gatekeep/domain/admission"
	"github.com/meridiancrm/gatekeep/domain/alert"
	"github.com/meridiancrm/gatekeep/ports"
)

// AlertStore is an in-memory implementation of ports.AlertStore.
type AlertStore struct {
	mu     sync.RWMutex
	alerts []alert.Alert
}

// NewAlertStore creates a new in-memory alert store.
func NewAlertStore() *AlertStore {
	return &AlertStore{
		alerts: make([]alert.Alert, 0),
	}
}

// LastRaised returns when the newest alert of (tenant, kind, period) was created.
func (s *AlertStore) LastRaised(ctx context.Context, tenantID string, kind alert.Kind, period admission.Period) (time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var last time.Time
	for _, a := range s.alerts {
		if a.TenantID == tenantID && a.Kind == kind && a.Period == period && a.CreatedAt.After(last) {
			last = a.CreatedAt
		}
	}
	return last, nil
}

// Insert appends an alert.
func (s *AlertStore) Insert(ctx context.Context, a alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.alerts = append(s.alerts, a)
	return nil
}

// All returns all alerts (for testing).
func (s *AlertStore) All() []alert.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]alert.Alert{}, s.alerts...)
}

// Ensure interface compliance.
var _ ports.AlertStore = (*AlertStore)(nil)
