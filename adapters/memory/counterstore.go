package memory

import (
	"context"
	"sync"
	"time"

	"github.com/meridiancrm/gatekeep/domain/admission"
	"github.com/meridiancrm/gatekeep/domain/usage"
	"github.com/meridiancrm/gatekeep/ports"
)

// counterKey identifies one aligned window bucket.
type counterKey struct {
	scope       usage.Scope
	period      admission.Period
	windowStart int64 // Unix seconds of the aligned start
}

// CounterStore is an in-memory implementation of ports.CounterStore.
type CounterStore struct {
	mu     sync.Mutex
	counts map[counterKey]int64
}

// NewCounterStore creates a new in-memory counter store.
func NewCounterStore() *CounterStore {
	return &CounterStore{
		counts: make(map[counterKey]int64),
	}
}

// Bump increments the current aligned bucket of every window.
func (s *CounterStore) Bump(ctx context.Context, scope usage.Scope, windows []admission.Window, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, w := range windows {
		key := counterKey{
			scope:       scope,
			period:      w.Period,
			windowStart: admission.AlignedStart(w.Period, now).Unix(),
		}
		s.counts[key]++
	}
	return nil
}

// Count returns the current aligned bucket's value for one window.
func (s *CounterStore) Count(ctx context.Context, scope usage.Scope, w admission.Window, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := counterKey{
		scope:       scope,
		period:      w.Period,
		windowStart: admission.AlignedStart(w.Period, now).Unix(),
	}
	return s.counts[key], nil
}

// Ensure interface compliance.
var _ ports.CounterStore = (*CounterStore)(nil)
