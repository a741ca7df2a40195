package retry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/meridiancrm/gatekeep/pkg/retry"
)

// fastPolicy keeps backoff negligible so tests stay quick.
func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{MaxAttempts: attempts, BaseDelay: time.Millisecond}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0

	err := retry.Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_RetriesUntilSuccess(t *testing.T) {
	calls := 0

	err := retry.Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})

	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_ExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	calls := 0
	last := errors.New("still broken")

	err := retry.Do(context.Background(), fastPolicy(3), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return last
	})

	if !errors.Is(err, last) {
		t.Errorf("err = %v, want last error", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDo_StopHaltsImmediately(t *testing.T) {
	calls := 0
	sentinel := errors.New("not found")

	err := retry.Do(context.Background(), fastPolicy(5), func(ctx context.Context) error {
		calls++
		return retry.Stop(sentinel)
	})

	if !errors.Is(err, sentinel) {
		t.Errorf("err = %v, want sentinel", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_ContextCancelStopsRetrying(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0

	err := retry.Do(ctx, retry.Policy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond}, func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("transient")
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDo_ZeroPolicyRunsOnce(t *testing.T) {
	calls := 0
	boom := errors.New("boom")

	err := retry.Do(context.Background(), retry.Policy{}, func(ctx context.Context) error {
		calls++
		return boom
	})

	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDelay_Linear(t *testing.T) {
	p := retry.Policy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond}

	if got := p.Delay(1); got != 100*time.Millisecond {
		t.Errorf("delay(1) = %v, want 100ms", got)
	}
	if got := p.Delay(2); got != 200*time.Millisecond {
		t.Errorf("delay(2) = %v, want 200ms", got)
	}
	if got := p.Delay(0); got != 100*time.Millisecond {
		t.Errorf("delay(0) = %v, want clamped 100ms", got)
	}
}

func TestStop_NilIsNil(t *testing.T) {
	if retry.Stop(nil) != nil {
		t.Error("Stop(nil) should be nil")
	}
}
