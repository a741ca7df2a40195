// Package credit provides the prepaid-credit admission state machine.
// The branching policy is modeled as an explicit state/transition table
// so every reachable outcome is enumerable in tests. All functions are
// pure; I/O (balance reads, consumption writes) lives in the app layer.
package credit

import (
	"errors"
	"fmt"
)

// Default thresholds. Both are configurable; ReducedCost is the fixed
// one-unit charge of the degraded path.
const (
	DefaultMinimumRequired   = 10
	DefaultFallbackThreshold = 5
	ReducedCost              = 1
	DefaultCost              = 1
)

// Store-level sentinel errors.
var (
	// ErrNotFound means the balance read succeeded but the organization
	// entity is missing. Treated as insufficient balance, never a crash.
	ErrNotFound = errors.New("organization not found")

	// ErrInsufficient means a conditional decrement found the balance
	// below the requested amount. The balance is unchanged.
	ErrInsufficient = errors.New("insufficient credit balance")
)

// ReadError wraps a balance read that failed after all retry attempts.
type ReadError struct {
	Attempts int
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("credit balance read failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ReadError) Unwrap() error { return e.Err }

// WriteError wraps a consumption write that failed after all retry attempts.
type WriteError struct {
	Attempts int
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("credit consumption write failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Config holds credit guard thresholds and the operation cost table (value type).
type Config struct {
	MinimumRequired   int64            // Sufficient-credit floor
	FallbackThreshold int64            // Below minimum but still usable degraded
	EmergencyBypass   bool             // Business-continuity unconditional allow
	DefaultCost       int64            // Cost for unknown operation types
	Costs             map[string]int64 // Static cost table keyed by operation type
}

// DefaultConfig returns the default guard configuration.
func DefaultConfig() Config {
	return Config{
		MinimumRequired:   DefaultMinimumRequired,
		FallbackThreshold: DefaultFallbackThreshold,
		DefaultCost:       DefaultCost,
	}
}

// Cost returns the priced cost for an operation type.
// This is a PURE function.
func (c Config) Cost(operation string) int64 {
	if cost, ok := c.Costs[operation]; ok && cost > 0 {
		return cost
	}
	if c.DefaultCost > 0 {
		return c.DefaultCost
	}
	return DefaultCost
}

// State enumerates the credit guard state machine.
type State int

const (
	StateCheck        State = iota // Balance read pending
	StateSufficient                // balance >= MinimumRequired
	StateLow                       // FallbackThreshold <= balance < MinimumRequired
	StateExhausted                 // balance < FallbackThreshold
	StateReadFailed                // Balance read retries exhausted
	StateConsumed                  // Terminal: full-cost charge succeeded
	StateReducedAllow              // Terminal: reduced-cost charge succeeded
	StateGraceAllow                // Terminal: allowed uncharged (grace)
	StateBypassAllow               // Terminal: allowed via bypass
	StateWriteFailed               // Terminal: full-cost charge retries exhausted
	StateRejected                  // Terminal: denied, insufficient credits
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCheck:
		return "check"
	case StateSufficient:
		return "sufficient"
	case StateLow:
		return "low"
	case StateExhausted:
		return "exhausted"
	case StateReadFailed:
		return "read_failed"
	case StateConsumed:
		return "consumed"
	case StateReducedAllow:
		return "reduced_allow"
	case StateGraceAllow:
		return "grace_allow"
	case StateBypassAllow:
		return "bypass_allow"
	case StateWriteFailed:
		return "write_failed"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state is an outcome.
func (s State) Terminal() bool {
	switch s {
	case StateConsumed, StateReducedAllow, StateGraceAllow, StateBypassAllow, StateWriteFailed, StateRejected:
		return true
	}
	return false
}

// Event drives transitions between states.
type Event int

const (
	EventBalanceSufficient Event = iota // Read OK, balance >= minimum
	EventBalanceLow                     // Read OK, fallback <= balance < minimum
	EventBalanceExhausted               // Read OK (or not found), balance < fallback
	EventReadError                      // Read retries exhausted
	EventConsumeOK                      // Decrement succeeded
	EventConsumeError                   // Decrement retries exhausted (or insufficient)
	EventBypassEnabled                  // Emergency bypass flag is on
	EventBypassDisabled                 // Emergency bypass flag is off
)

// transitions is the explicit state machine table.
var transitions = map[State]map[Event]State{
	StateCheck: {
		EventBalanceSufficient: StateSufficient,
		EventBalanceLow:        StateLow,
		EventBalanceExhausted:  StateExhausted,
		EventReadError:         StateReadFailed,
	},
	StateSufficient: {
		EventConsumeOK:    StateConsumed,
		EventConsumeError: StateWriteFailed,
	},
	StateLow: {
		EventConsumeOK:    StateReducedAllow,
		EventConsumeError: StateGraceAllow,
	},
	StateExhausted: {
		EventBypassEnabled:  StateBypassAllow,
		EventBypassDisabled: StateRejected,
	},
	StateReadFailed: {
		EventBypassEnabled: StateBypassAllow,
	},
}

// Next applies an event to a state. Undefined transitions return the
// current state unchanged. This is a PURE function.
func Next(s State, ev Event) State {
	if to, ok := transitions[s][ev]; ok {
		return to
	}
	return s
}

// Classify maps a balance to its tier event. This is a PURE function.
func Classify(balance int64, cfg Config) Event {
	switch {
	case balance >= cfg.MinimumRequired:
		return EventBalanceSufficient
	case balance >= cfg.FallbackThreshold:
		return EventBalanceLow
	default:
		return EventBalanceExhausted
	}
}

// Result is the outcome of a verify-and-consume pass (value type).
type Result struct {
	Success          bool
	CreditsRemaining int64
	HasRemaining     bool  // False when the balance was never read (read-failure bypass)
	RequiredMinimum  int64 // Balance floor the caller fell short of; set on rejection
	FallbackUsed     bool
	BypassReason     string
	State            State // Terminal state reached
	Err              error
}

// Bypass reasons attached to fallback outcomes.
const (
	BypassReasonReadFailure = "credit check unavailable, allowing operation to preserve availability"
	BypassReasonEmergency   = "emergency bypass enabled for business continuity"
	BypassReasonGrace       = "grace period allowance for near-exhausted account"
)

// Resolve maps a terminal state to its Result skeleton. Remaining
// balance and errors are filled in by the caller. This is a PURE function.
func Resolve(s State, cfg Config, balance int64) Result {
	switch s {
	case StateConsumed:
		return Result{Success: true, State: s}
	case StateReducedAllow:
		return Result{Success: true, FallbackUsed: true, State: s}
	case StateGraceAllow:
		return Result{Success: true, FallbackUsed: true, BypassReason: BypassReasonGrace, State: s}
	case StateBypassAllow:
		return Result{Success: true, FallbackUsed: true, State: s}
	case StateWriteFailed:
		return Result{Success: false, State: s}
	case StateRejected:
		return Result{
			Success:         false,
			State:           s,
			RequiredMinimum: cfg.MinimumRequired,
			Err: fmt.Errorf("insufficient credits: balance %d, minimum required %d: %w",
				balance, cfg.MinimumRequired, ErrInsufficient),
		}
	default:
		return Result{State: s}
	}
}
