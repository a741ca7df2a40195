// Package app provides application services that orchestrate domain logic.
package app

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridiancrm/gatekeep/adapters/metrics"
	"github.com/meridiancrm/gatekeep/domain/admission"
	"github.com/meridiancrm/gatekeep/domain/alert"
	"github.com/meridiancrm/gatekeep/domain/credit"
	"github.com/meridiancrm/gatekeep/domain/usage"
	"github.com/meridiancrm/gatekeep/pkg/retry"
	"github.com/meridiancrm/gatekeep/ports"
)

// Identity is the caller identity extracted from request headers.
type Identity struct {
	TenantID string
	UserID   string
	Role     string
}

// AdmissionService decides whether requests are admitted, guards the
// prepaid credit ledger, and records usage.
type AdmissionService struct {
	usageStore ports.UsageStore
	counters   ports.CounterStore // nil when counting against usage records
	alerts     ports.AlertStore
	credits    ports.CreditStore
	recorder   ports.UsageRecorder
	clock      ports.Clock
	idGen      ports.IDGenerator
	logger     zerolog.Logger
	metrics    *metrics.Collector

	// Dynamic configuration (hot-reloadable)
	dynamicCfg atomic.Pointer[DynamicConfig]
}

// DynamicConfig contains hot-reloadable configuration.
type DynamicConfig struct {
	AdmissionEnabled bool
	Windows          []admission.Window
	BypassRoles      []string
	CreditsEnabled   bool
	Credit           credit.Config
	Retry            retry.Policy
}

// AdmissionDeps contains dependencies for AdmissionService.
type AdmissionDeps struct {
	UsageStore ports.UsageStore
	Counters   ports.CounterStore
	Alerts     ports.AlertStore
	Credits    ports.CreditStore
	Recorder   ports.UsageRecorder
	Clock      ports.Clock
	IDGen      ports.IDGenerator
	Logger     zerolog.Logger
	Metrics    *metrics.Collector
}

// NewAdmissionService creates a new admission service.
func NewAdmissionService(deps AdmissionDeps, cfg *DynamicConfig) *AdmissionService {
	s := &AdmissionService{
		usageStore: deps.UsageStore,
		counters:   deps.Counters,
		alerts:     deps.Alerts,
		credits:    deps.Credits,
		recorder:   deps.Recorder,
		clock:      deps.Clock,
		idGen:      deps.IDGen,
		logger:     deps.Logger,
		metrics:    deps.Metrics,
	}
	s.UpdateConfig(cfg)
	return s
}

// UpdateConfig updates the hot-reloadable configuration.
// This is thread-safe and can be called while handling requests.
func (s *AdmissionService) UpdateConfig(cfg *DynamicConfig) {
	s.dynamicCfg.Store(cfg)
}

// Evaluate checks the caller against every configured window in the
// fixed hourly, daily, monthly order and short-circuits on the first
// violation. A failed usage count never rejects the request; the
// decision carries an advisory message instead.
func (s *AdmissionService) Evaluate(ctx context.Context, id Identity, endpoint string) admission.Decision {
	now := s.clock.Now()
	dyn := s.dynamicCfg.Load()

	if !dyn.AdmissionEnabled {
		return admission.Decision{Allowed: true}
	}
	for _, role := range dyn.BypassRoles {
		if role != "" && role == id.Role {
			s.metrics.AdmissionChecks.WithLabelValues("bypass").Inc()
			return admission.Decision{Allowed: true}
		}
	}

	scope := usage.Scope{TenantID: id.TenantID, UserID: id.UserID, Endpoint: endpoint}

	var tightest *admission.Decision
	var advisory string

	for _, period := range admission.EvalOrder {
		w, ok := findWindow(dyn.Windows, period)
		if !ok {
			continue
		}

		count, err := s.countWindow(ctx, scope, w, now)
		if err != nil {
			// Fail open: a broken counter must not reject traffic.
			s.logger.Warn().Err(err).
				Str("tenant_id", id.TenantID).
				Str("period", string(period)).
				Msg("usage count failed, allowing request")
			s.metrics.AdmissionFailOpen.Inc()
			advisory = "usage count unavailable, " + string(period) + " limit not enforced"
			continue
		}

		d := admission.Judge(w, count, now)
		if !d.Allowed {
			s.metrics.AdmissionChecks.WithLabelValues("denied").Inc()
			s.metrics.AdmissionRejections.WithLabelValues(string(period), id.TenantID).Inc()
			s.raiseAlert(ctx, id, alert.KindExceeded, w, count, now)
			return d
		}

		if admission.NearLimit(w, count) {
			s.raiseAlert(ctx, id, alert.KindFor(period), w, count, now)
		}

		if tightest == nil || d.Remaining < tightest.Remaining {
			dd := d
			tightest = &dd
		}
	}

	s.metrics.AdmissionChecks.WithLabelValues("allowed").Inc()
	if tightest == nil {
		return admission.Decision{Allowed: true, Message: advisory}
	}
	tightest.Message = advisory
	return *tightest
}

// countWindow reads usage from the fast-path counter backend when one
// is configured, otherwise from the append-only usage records.
func (s *AdmissionService) countWindow(ctx context.Context, scope usage.Scope, w admission.Window, now time.Time) (int64, error) {
	if s.counters != nil {
		return s.counters.Count(ctx, scope, w, now)
	}
	return s.usageStore.CountSince(ctx, scope, admission.WindowStart(w, now))
}

func findWindow(windows []admission.Window, p admission.Period) (admission.Window, bool) {
	for _, w := range windows {
		if w.Period == p {
			return w, true
		}
	}
	return admission.Window{}, false
}

// raiseAlert persists a deduplicated alert. Alert failures are logged
// and counted but never affect the admission decision.
func (s *AdmissionService) raiseAlert(ctx context.Context, id Identity, kind alert.Kind, w admission.Window, count int64, now time.Time) {
	last, err := s.alerts.LastRaised(ctx, id.TenantID, kind, w.Period)
	if err != nil {
		s.logger.Warn().Err(err).Str("tenant_id", id.TenantID).Msg("alert dedup lookup failed")
		s.metrics.AlertFailures.Inc()
		return
	}
	if !alert.ShouldRaise(last, now) {
		s.metrics.AlertsSuppressed.WithLabelValues(string(kind), string(w.Period)).Inc()
		return
	}

	a := alert.New(s.idGen.New(), id.TenantID, id.UserID, kind, w.Period, count, w.Limit, now)
	if err := s.alerts.Insert(ctx, a); err != nil {
		s.logger.Error().Err(err).Str("tenant_id", id.TenantID).Msg("alert insert failed")
		s.metrics.AlertFailures.Inc()
		return
	}

	s.metrics.AlertsRaised.WithLabelValues(string(kind), string(w.Period)).Inc()
	s.logger.Warn().
		Str("tenant_id", id.TenantID).
		Str("kind", string(kind)).
		Str("period", string(w.Period)).
		Int64("usage", count).
		Int64("limit", w.Limit).
		Msg("quota alert raised")
}

// VerifyAndConsume runs the credit guard state machine for one
// operation: read the balance with retries, classify it, then charge
// the full cost, the reduced cost, or nothing depending on the tier.
// An unreachable ledger allows the operation to preserve availability.
func (s *AdmissionService) VerifyAndConsume(ctx context.Context, id Identity, operation string) credit.Result {
	dyn := s.dynamicCfg.Load()
	if !dyn.CreditsEnabled {
		return credit.Result{Success: true, State: credit.StateBypassAllow}
	}

	cfg := dyn.Credit
	cost := cfg.Cost(operation)

	var balance int64
	var readAttempts int
	readErr := retry.Do(ctx, dyn.Retry, func(ctx context.Context) error {
		readAttempts++
		b, err := s.credits.Balance(ctx, id.TenantID)
		if err != nil {
			if errors.Is(err, credit.ErrNotFound) {
				return retry.Stop(err)
			}
			return err
		}
		balance = b
		return nil
	})
	if readAttempts > 1 {
		s.metrics.CreditRetries.WithLabelValues("balance").Add(float64(readAttempts - 1))
	}

	state := credit.StateCheck
	switch {
	case readErr == nil:
		state = credit.Next(state, credit.Classify(balance, cfg))
	case errors.Is(readErr, credit.ErrNotFound):
		// A missing organization is an empty balance, not an outage.
		balance = 0
		state = credit.Next(state, credit.EventBalanceExhausted)
	default:
		state = credit.Next(state, credit.EventReadError)
	}

	var result credit.Result
	switch state {
	case credit.StateSufficient:
		result = s.charge(ctx, dyn, id.TenantID, cost, state, balance)

	case credit.StateLow:
		result = s.charge(ctx, dyn, id.TenantID, credit.ReducedCost, state, balance)

	case credit.StateExhausted:
		if cfg.EmergencyBypass {
			state = credit.Next(state, credit.EventBypassEnabled)
			result = credit.Resolve(state, cfg, balance)
			result.BypassReason = credit.BypassReasonEmergency
		} else {
			state = credit.Next(state, credit.EventBypassDisabled)
			result = credit.Resolve(state, cfg, balance)
		}
		result.CreditsRemaining = balance
		result.HasRemaining = true

	case credit.StateReadFailed:
		// Fail open: an unreachable ledger must not take requests down.
		state = credit.Next(state, credit.EventBypassEnabled)
		result = credit.Resolve(state, cfg, 0)
		result.BypassReason = credit.BypassReasonReadFailure
		s.logger.Error().
			Err(&credit.ReadError{Attempts: readAttempts, Err: readErr}).
			Str("tenant_id", id.TenantID).
			Msg("credit balance unavailable, bypassing check")
	}

	s.metrics.CreditOutcomes.WithLabelValues(result.State.String()).Inc()
	if result.BypassReason != "" {
		s.metrics.CreditBypasses.WithLabelValues(bypassToken(result.BypassReason)).Inc()
	}
	if result.State == credit.StateRejected {
		s.logger.Info().
			Str("tenant_id", id.TenantID).
			Int64("balance", balance).
			Int64("minimum", cfg.MinimumRequired).
			Msg("operation rejected, insufficient credits")
	}

	return result
}

// bypassToken maps a bypass reason to a low-cardinality metric label.
func bypassToken(reason string) string {
	switch reason {
	case credit.BypassReasonReadFailure:
		return "read_failure"
	case credit.BypassReasonEmergency:
		return "emergency"
	case credit.BypassReasonGrace:
		return "grace"
	default:
		return "other"
	}
}

// charge consumes amount from the tenant's balance with retries and
// maps the outcome through the state machine. A failed full-cost
// charge is a hard failure; a failed reduced-cost charge degrades to
// an uncharged grace allowance.
func (s *AdmissionService) charge(ctx context.Context, dyn *DynamicConfig, tenantID string, amount int64, state credit.State, balance int64) credit.Result {
	cfg := dyn.Credit

	var newBalance int64
	var attempts int
	err := retry.Do(ctx, dyn.Retry, func(ctx context.Context) error {
		attempts++
		b, err := s.credits.Consume(ctx, tenantID, amount)
		if err != nil {
			// Retrying cannot help a balance that is simply too small.
			if errors.Is(err, credit.ErrInsufficient) || errors.Is(err, credit.ErrNotFound) {
				return retry.Stop(err)
			}
			return err
		}
		newBalance = b
		return nil
	})
	if attempts > 1 {
		s.metrics.CreditRetries.WithLabelValues("consume").Add(float64(attempts - 1))
	}

	if err != nil {
		next := credit.Next(state, credit.EventConsumeError)
		result := credit.Resolve(next, cfg, balance)
		result.CreditsRemaining = balance
		result.HasRemaining = true
		if next == credit.StateWriteFailed {
			result.Err = &credit.WriteError{Attempts: attempts, Err: err}
			s.logger.Error().Err(result.Err).Str("tenant_id", tenantID).Msg("credit consumption failed")
		} else {
			s.logger.Warn().Err(err).Str("tenant_id", tenantID).Msg("reduced-cost charge failed, granting grace allowance")
		}
		return result
	}

	next := credit.Next(state, credit.EventConsumeOK)
	result := credit.Resolve(next, cfg, newBalance)
	result.CreditsRemaining = newBalance
	result.HasRemaining = true
	return result
}

// Record queues a usage record for async persistence and, when a
// fast-path counter backend is configured, bumps its window buckets
// so subsequent checks see this request. Denied requests are recorded
// for audit but never consume window quota.
func (s *AdmissionService) Record(ctx context.Context, rec usage.Record) {
	if rec.ID == "" {
		rec.ID = s.idGen.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock.Now()
	}

	s.recorder.Record(rec)
	s.metrics.RecordsQueued.Inc()

	if s.counters != nil && !rec.WasRateLimited {
		dyn := s.dynamicCfg.Load()
		if err := s.counters.Bump(ctx, rec.Scope(), dyn.Windows, rec.CreatedAt); err != nil {
			s.logger.Warn().Err(err).Str("tenant_id", rec.TenantID).Msg("counter bump failed")
		}
	}
}
