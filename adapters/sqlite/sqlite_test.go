package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/meridiancrm/gatekeep/adapters/sqlite"
	"github.com/meridiancrm/gatekeep/domain/admission"
	"github.com/meridiancrm/gatekeep/domain/alert"
	"github.com/meridiancrm/gatekeep/domain/credit"
	"github.com/meridiancrm/gatekeep/domain/usage"
)

var baseTime = time.Date(2024, 1, 15, 12, 30, 0, 0, time.UTC)

var testScope = usage.Scope{TenantID: "t-1", UserID: "u-1", Endpoint: "/api/contacts"}

func newDB(t *testing.T) *sqlite.DB {
	t.Helper()

	db, err := sqlite.Open(filepath.Join(t.TempDir(), "gatekeep-test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestMigrate_Idempotent(t *testing.T) {
	db := newDB(t)

	// Re-running applied migrations is a no-op.
	if err := db.Migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestUsageStore_InsertAndCount(t *testing.T) {
	db := newDB(t)
	s := sqlite.NewUsageStore(db)
	ctx := context.Background()

	records := []usage.Record{
		{ID: "r-1", TenantID: "t-1", UserID: "u-1", Endpoint: "/api/contacts", Method: "GET", StatusCode: 200, LatencyMs: 12, CreatedAt: baseTime},
		{ID: "r-2", TenantID: "t-1", UserID: "u-1", Endpoint: "/api/contacts", Method: "GET", StatusCode: 429, WasRateLimited: true, ErrorMessage: "hourly limit", CreatedAt: baseTime.Add(time.Minute)},
		{ID: "r-3", TenantID: "t-1", UserID: "u-1", Endpoint: "/api/contacts", Method: "GET", StatusCode: 200, CreatedAt: baseTime.Add(-2 * time.Hour)},
		{ID: "r-4", TenantID: "t-2", UserID: "u-1", Endpoint: "/api/contacts", Method: "GET", StatusCode: 200, CreatedAt: baseTime},
	}
	if err := s.InsertBatch(ctx, records); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.CountSince(ctx, testScope, baseTime.Add(-time.Hour))
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if got != 1 {
		t.Errorf("count = %d, want 1 (rate-limited, old, and other-tenant rows excluded)", got)
	}
}

func TestUsageStore_CountSinceBoundaryInclusive(t *testing.T) {
	db := newDB(t)
	s := sqlite.NewUsageStore(db)
	ctx := context.Background()

	if err := s.InsertBatch(ctx, []usage.Record{
		{ID: "r-1", TenantID: "t-1", UserID: "u-1", Endpoint: "/api/contacts", Method: "GET", StatusCode: 200, CreatedAt: baseTime},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.CountSince(ctx, testScope, baseTime)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if got != 1 {
		t.Errorf("count at exact boundary = %d, want 1", got)
	}
}

func TestUsageStore_Recent(t *testing.T) {
	db := newDB(t)
	s := sqlite.NewUsageStore(db)
	ctx := context.Background()

	if err := s.InsertBatch(ctx, []usage.Record{
		{ID: "r-1", TenantID: "t-1", UserID: "u-1", Endpoint: "/a", Method: "GET", StatusCode: 200, CreatedAt: baseTime},
		{ID: "r-2", TenantID: "t-1", UserID: "u-1", Endpoint: "/b", Method: "GET", StatusCode: 429, WasRateLimited: true, ErrorMessage: "limit", CreatedAt: baseTime.Add(time.Minute)},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.Recent(ctx, "t-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "r-2" {
		t.Errorf("first ID = %q, want newest r-2", got[0].ID)
	}
	if !got[0].WasRateLimited || got[0].ErrorMessage != "limit" {
		t.Errorf("flags lost on round trip: %+v", got[0])
	}
}

func TestUsageStore_Cleanup(t *testing.T) {
	db := newDB(t)
	s := sqlite.NewUsageStore(db)
	ctx := context.Background()

	if err := s.InsertBatch(ctx, []usage.Record{
		{ID: "r-1", TenantID: "t-1", UserID: "u-1", Endpoint: "/a", Method: "GET", StatusCode: 200, CreatedAt: baseTime.Add(-48 * time.Hour)},
		{ID: "r-2", TenantID: "t-1", UserID: "u-1", Endpoint: "/a", Method: "GET", StatusCode: 200, CreatedAt: baseTime},
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	deleted, err := s.Cleanup(ctx, baseTime.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}
}

func TestCounterStore_BumpUpserts(t *testing.T) {
	db := newDB(t)
	s := sqlite.NewCounterStore(db)
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

func TestCounterStore_MissingBucketIsZero(t *testing.T) {
	db := newDB(t)
	s := sqlite.NewCounterStore(db)

	got, err := s.Count(context.Background(), testScope,
		admission.Window{Period: admission.PeriodHourly, Limit: 10}, baseTime)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if got != 0 {
		t.Errorf("count = %d, want 0", got)
	}
}

func TestCounterStore_Cleanup(t *testing.T) {
	db := newDB(t)
	s := sqlite.NewCounterStore(db)
	ctx := context.Background()
	w := admission.Window{Period: admission.PeriodHourly, Limit: 10}

	_ = s.Bump(ctx, testScope, []admission.Window{w}, baseTime.Add(-72*time.Hour))
	_ = s.Bump(ctx, testScope, []admission.Window{w}, baseTime)

	deleted, err := s.Cleanup(ctx, baseTime.Add(-48*time.Hour))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	got, _ := s.Count(ctx, testScope, w, baseTime)
	if got != 1 {
		t.Errorf("surviving bucket count = %d, want 1", got)
	}
}

func TestAlertStore_LastRaisedAndInsert(t *testing.T) {
	db := newDB(t)
	s := sqlite.NewAlertStore(db)
	ctx := context.Background()

	got, err := s.LastRaised(ctx, "t-1", alert.KindWarning, admission.PeriodHourly)
	if err != nil {
		t.Fatalf("lastRaised: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("expected zero time, got %v", got)
	}

	a := alert.New("a-1", "t-1", "u-1", alert.KindWarning, admission.PeriodHourly, 80, 100, baseTime)
	if err := s.Insert(ctx, a); err != nil {
		t.Fatalf("insert: %v", err)
	}
	b := alert.New("a-2", "t-1", "u-1", alert.KindWarning, admission.PeriodHourly, 85, 100, baseTime.Add(time.Hour))
	if err := s.Insert(ctx, b); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err = s.LastRaised(ctx, "t-1", alert.KindWarning, admission.PeriodHourly)
	if err != nil {
		t.Fatalf("lastRaised: %v", err)
	}
	if !got.Equal(baseTime.Add(time.Hour)) {
		t.Errorf("lastRaised = %v, want %v", got, baseTime.Add(time.Hour))
	}

	// A different kind has no history.
	got, err = s.LastRaised(ctx, "t-1", alert.KindCritical, admission.PeriodHourly)
	if err != nil {
		t.Fatalf("lastRaised: %v", err)
	}
	if !got.IsZero() {
		t.Errorf("critical lastRaised = %v, want zero", got)
	}
}

func TestAlertStore_Recent(t *testing.T) {
	db := newDB(t)
	s := sqlite.NewAlertStore(db)
	ctx := context.Background()

	_ = s.Insert(ctx, alert.New("a-1", "t-1", "u-1", alert.KindWarning, admission.PeriodHourly, 80, 100, baseTime))
	_ = s.Insert(ctx, alert.New("a-2", "t-1", "u-1", alert.KindExceeded, admission.PeriodHourly, 100, 100, baseTime.Add(time.Hour)))

	got, err := s.Recent(ctx, "t-1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "a-2" {
		t.Errorf("first ID = %q, want newest a-2", got[0].ID)
	}
	if got[0].Message == "" {
		t.Error("message lost on round trip")
	}
}

func TestCreditStore_BalanceAndConsume(t *testing.T) {
	db := newDB(t)
	s := sqlite.NewCreditStore(db)
	ctx := context.Background()

	if err := s.SetBalance(ctx, "t-1", 20); err != nil {
		t.Fatalf("seed: %v", err)
	}

	b, err := s.Balance(ctx, "t-1")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if b != 20 {
		t.Errorf("balance = %d, want 20", b)
	}

	got, err := s.Consume(ctx, "t-1", 7)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got != 13 {
		t.Errorf("new balance = %d, want 13", got)
	}
}

func TestCreditStore_ConsumeInsufficientIsAtomic(t *testing.T) {
	db := newDB(t)
	s := sqlite.NewCreditStore(db)
	ctx := context.Background()

	if err := s.SetBalance(ctx, "t-1", 3); err != nil {
		t.Fatalf("seed: %v", err)
	}

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
	db := newDB(t)
	s := sqlite.NewCreditStore(db)
	ctx := context.Background()

	if _, err := s.Balance(ctx, "nope"); !errors.Is(err, credit.ErrNotFound) {
		t.Errorf("balance err = %v, want ErrNotFound", err)
	}
	if _, err := s.Consume(ctx, "nope", 1); !errors.Is(err, credit.ErrNotFound) {
		t.Errorf("consume err = %v, want ErrNotFound", err)
	}
}

func TestCreditStore_ExactBalanceConsumesToZero(t *testing.T) {
	db := newDB(t)
	s := sqlite.NewCreditStore(db)
	ctx := context.Background()

	if err := s.SetBalance(ctx, "t-1", 5); err != nil {
		t.Fatalf("seed: %v", err)
	}

	got, err := s.Consume(ctx, "t-1", 5)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if got != 0 {
		t.Errorf("balance = %d, want 0", got)
	}
}
