package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meridiancrm/gatekeep/adapters/memory"
	"github.com/meridiancrm/gatekeep/domain/admission"
	"github.com/meridiancrm/gatekeep/domain/alert"
	"github.com/meridiancrm/gatekeep/domain/credit"
	"github.com/meridiancrm/gatekeep/domain/usage"
)

var baseTime = time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

var testScope = usage.Scope{TenantID: "t-1", UserID: "u-1", Endpoint: "/api/contacts"}

func TestUsageStore_CountSince(t *testing.T) {
	s := memory.NewUsageStore()
	ctx := context.Background()

	err := s.InsertBatch(ctx, []usage.Record{
		{ID: "1", TenantID: "t-1", UserID: "u-1", Endpoint: "/api/contacts", CreatedAt: baseTime},
		{ID: "2", TenantID: "t-1", UserID: "u-1", Endpoint: "/api/contacts", CreatedAt: baseTime.Add(-2 * time.Hour)},
		{ID: "3", TenantID: "t-2", UserID: "u-1", Endpoint: "/api/contacts", CreatedAt: baseTime},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.CountSince(ctx, testScope, baseTime.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if got != 1 {
		t.Errorf("count = %d, want 1", got)
	}
}

func TestUsageStore_Recent(t *testing.T) {
	s := memory.NewUsageStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = s.InsertBatch(ctx, []usage.Record{{
			ID:        string(rune('a' + i)),
			TenantID:  "t-1",
			CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
		}})
	}

	got, err := s.Recent(ctx, "t-1", 3)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	// Newest first.
	if got[0].ID != "e" {
		t.Errorf("first ID = %q, want e", got[0].ID)
	}
}

func TestCounterStore_BumpAndCount(t *testing.T) {
	s := memory.NewCounterStore()
	ctx := context.Background()
	windows := []admission.Window{
		{Period: admission.PeriodHourly, Limit: 10},
		{Period: admission.PeriodDaily, Limit: 100},
	}

	for i := 0; i < 3; i++ {
		if err := s.Bump(ctx, testScope, windows, baseTime); err != nil {
			t.Fatalf("bump: %v", err)
		}
	}

	for _, w := range windows {
		got, err := s.Count(ctx, testScope, w, baseTime)
		if err != nil {
			t.Fatalf("count %s: %v", w.Period, err)
		}
		if got != 3 {
			t.Errorf("%s count = %d, want 3", w.Period, got)
		}
	}
}

func TestCounterStore_NewBucketAfterBoundary(t *testing.T) {
	s := memory.NewCounterStore()
	ctx := context.Background()
	w := admission.Window{Period: admission.PeriodHourly, Limit: 10}

	_ = s.Bump(ctx, testScope, []admission.Window{w}, baseTime)

	// The next hour is a fresh bucket.
	got, err := s.Count(ctx, testScope, w, baseTime.Add(time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if got != 0 {
		t.Errorf("count in next bucket = %d, want 0", got)
	}
}

func TestAlertStore_LastRaised(t *testing.T) {
	s := memory.NewAlertStore()
	ctx := context.Background()

	got, err := s.LastRaised(ctx, "t-1", alert.KindWarning, admission.PeriodHourly)
	if err != nil {
		t.Fatalf("lastRaised: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero time with no alerts, got %v", got)
	}

	_ = s.Insert(ctx, alert.Alert{ID: "a-1", TenantID: "t-1", Kind: alert.KindWarning, Period: admission.PeriodHourly, CreatedAt: baseTime})
	_ = s.Insert(ctx, alert.Alert{ID: "a-2", TenantID: "t-1", Kind: alert.KindWarning, Period: admission.PeriodHourly, CreatedAt: baseTime.Add(time.Hour)})
	_ = s.Insert(ctx, alert.Alert{ID: "a-3", TenantID: "t-1", Kind: alert.KindCritical, Period: admission.PeriodHourly, CreatedAt: baseTime.Add(2 * time.Hour)})

	got, err = s.LastRaised(ctx, "t-1", alert.KindWarning, admission.PeriodHourly)
	if err != nil {
		t.Fatalf("lastRaised: %v", err)
	}
	if !got.Equal(baseTime.Add(time.Hour)) {
		t.Errorf("lastRaised = %v, want %v (other kinds excluded)", got, baseTime.Add(time.Hour))
	}
}

func TestCreditStore_ConsumeDecrements(t *testing.T) {
	s := memory.NewCreditStore()
	s.SetBalance("t-1", 10)
	ctx := context.Background()

	got, err := s.Consume(ctx, "t-1", 4)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got != 6 {
		t.Errorf("new balance = %d, want 6", got)
	}
}

func TestCreditStore_InsufficientLeavesBalance(t *testing.T) {
	s := memory.NewCreditStore()
	s.SetBalance("t-1", 3)
	ctx := context.Background()

	_, err := s.Consume(ctx, "t-1", 5)
	if !errors.Is(err, credit.ErrInsufficient) {
		t.Fatalf("err = %v, want ErrInsufficient", err)
	}

	b, _ := s.Balance(ctx, "t-1")
	if b != 3 {
		t.Errorf("balance = %d, want untouched 3", b)
	}
}

func TestCreditStore_MissingOrganization(t *testing.T) {
	s := memory.NewCreditStore()
	ctx := context.Background()

	if _, err := s.Balance(ctx, "nope"); !errors.Is(err, credit.ErrNotFound) {
		t.Errorf("balance err = %v, want ErrNotFound", err)
	}
	if _, err := s.Consume(ctx, "nope", 1); !errors.Is(err, credit.ErrNotFound) {
		t.Errorf("consume err = %v, want ErrNotFound", err)
	}
}
