package guardrail

import (
	"sync"
	"time"

	"aegis/internal/errors"
	"aegis/internal/logging"
	"aegis/internal/playbook"
)

// Skip reason codes, in guardrail evaluation order.
const (
	SkipCodeHourlyLimit    = "hourly-limit"
	SkipCodeCooldown       = "signature-cooldown"
	SkipCodeFailureStreak  = "failure-streak"
	SkipCodeBudgetPressure = "budget-pressure"
)

// Config tunes the guardrail store.
type Config struct {
	// HourlyLimit caps successful executions in the trailing 60 minutes.
	HourlyLimit int
	// SignatureCooldown is the minimum gap between terminal executions of
	// the same fingerprint.
	SignatureCooldown time.Duration
	// StreakWindow is N: the trailing N terminal executions must not all be
	// failures.
	StreakWindow int
	// BudgetThreshold is the pressure level above which only low-risk
	// actions may proceed.
	BudgetThreshold float64
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		HourlyLimit:       20,
		SignatureCooldown: 10 * time.Minute,
		StreakWindow:      5,
		BudgetThreshold:   0.8,
	}
}

// PressureProvider reports the current cost/utilization pressure in [0, 1].
type PressureProvider func() float64

// Store answers "is this allowed right now" from persisted counters: success
// timestamps in the trailing hour, last terminal time per fingerprint, and
// the recent terminal outcome streak. All access is mutex-guarded; callers
// never read-then-write its state outside these methods.
type Store struct {
	config   Config
	logger   logging.Logger
	pressure PressureProvider

	mu             sync.Mutex
	successTimes   []time.Time
	lastTerminal   map[string]time.Time
	recentOutcomes []bool // most recent last, bounded by StreakWindow
}

// New creates a guardrail store.
func New(config Config, logger logging.Logger) *Store {
	if config.HourlyLimit <= 0 {
		config.HourlyLimit = DefaultConfig().HourlyLimit
	}
	if config.SignatureCooldown <= 0 {
		config.SignatureCooldown = DefaultConfig().SignatureCooldown
	}
	if config.StreakWindow <= 0 {
		config.StreakWindow = DefaultConfig().StreakWindow
	}
	if config.BudgetThreshold <= 0 {
		config.BudgetThreshold = DefaultConfig().BudgetThreshold
	}
	return &Store{
		config:       config,
		logger:       logging.OrNop(logger),
		lastTerminal: make(map[string]time.Time),
	}
}

// SetPressureProvider installs the budget pressure metric. Without one the
// store derives pressure from its own hourly utilization.
func (s *Store) SetPressureProvider(provider PressureProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pressure = provider
}

// Evaluate runs the guardrail checks in their fixed order and returns the
// first refusal as a SkipError. The order is part of the contract: reasons
// recorded on skipped actions stay comparable across time.
func (s *Store) Evaluate(fingerprint string, risk playbook.RiskLevel, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 1. Hourly execution ceiling.
	recent := s.pruneSuccessesLocked(now)
	if recent >= s.config.HourlyLimit {
		return errors.NewSkip(SkipCodeHourlyLimit,
			"%d executions in the last hour (limit %d)", recent, s.config.HourlyLimit)
	}

	// 2. Per-signature cooldown.
	if last, ok := s.lastTerminal[fingerprint]; ok {
		if elapsed := now.Sub(last); elapsed < s.config.SignatureCooldown {
			return errors.NewSkip(SkipCodeCooldown,
				"same action ran %v ago (cooldown %v)", elapsed.Round(time.Second), s.config.SignatureCooldown)
		}
	}

	// 3. Consecutive-failure streak across the whole engine.
	if len(s.recentOutcomes) >= s.config.StreakWindow && allFailures(s.recentOutcomes) {
		return errors.NewSkip(SkipCodeFailureStreak,
			"last %d executions all failed", s.config.StreakWindow)
	}

	// 4. Budget pressure: above the threshold only low-risk actions proceed.
	if risk > playbook.RiskLow {
		pressure := s.pressureLocked(recent)
		if pressure >= s.config.BudgetThreshold {
			return errors.NewSkip(SkipCodeBudgetPressure,
				"pressure %.2f over threshold %.2f, deferring %s-risk action", pressure, s.config.BudgetThreshold, risk)
		}
	}

	return nil
}

// RecordOutcome registers a terminal execution for guardrail accounting.
func (s *Store) RecordOutcome(fingerprint string, success bool, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastTerminal[fingerprint] = now
	if success {
		s.successTimes = append(s.successTimes, now)
		s.pruneSuccessesLocked(now)
	}

	s.recentOutcomes = append(s.recentOutcomes, success)
	if len(s.recentOutcomes) > s.config.StreakWindow {
		s.recentOutcomes = s.recentOutcomes[len(s.recentOutcomes)-s.config.StreakWindow:]
	}
}

// HourlyCount returns the successful executions in the trailing hour.
func (s *Store) HourlyCount(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pruneSuccessesLocked(now)
}

// Pressure returns the current budget pressure value.
func (s *Store) Pressure(now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pressureLocked(s.pruneSuccessesLocked(now))
}

func (s *Store) pressureLocked(hourlyCount int) float64 {
	if s.pressure != nil {
		return s.pressure()
	}
	return float64(hourlyCount) / float64(s.config.HourlyLimit)
}

// pruneSuccessesLocked drops success timestamps older than one hour and
// returns how many remain.
func (s *Store) pruneSuccessesLocked(now time.Time) int {
	cutoff := now.Add(-time.Hour)
	kept := s.successTimes[:0]
	for _, t := range s.successTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.successTimes = kept
	return len(s.successTimes)
}

func allFailures(outcomes []bool) bool {
	for _, success := range outcomes {
		if success {
			return false
		}
	}
	return true
}

// Snapshot is the persistable view of the guardrail counters.
type Snapshot struct {
	SuccessTimes   []time.Time          `json:"success_times"`
	LastTerminal   map[string]time.Time `json:"last_terminal"`
	RecentOutcomes []bool               `json:"recent_outcomes"`
}

// Snapshot exports the store state for persistence.
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		SuccessTimes:   append([]time.Time(nil), s.successTimes...),
		LastTerminal:   make(map[string]time.Time, len(s.lastTerminal)),
		RecentOutcomes: append([]bool(nil), s.recentOutcomes...),
	}
	for fingerprint, t := range s.lastTerminal {
		snap.LastTerminal[fingerprint] = t
	}
	return snap
}

// Restore replaces the store state from a persisted snapshot.
func (s *Store) Restore(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.successTimes = append([]time.Time(nil), snap.SuccessTimes...)
	s.recentOutcomes = append([]bool(nil), snap.RecentOutcomes...)
	s.lastTerminal = make(map[string]time.Time, len(snap.LastTerminal))
	for fingerprint, t := range snap.LastTerminal {
		s.lastTerminal[fingerprint] = t
	}
}
