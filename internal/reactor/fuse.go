package reactor

import (
	"sync"
	"time"

	"aegis/internal/logging"
)

// FuseConfig tunes the global fuse.
type FuseConfig struct {
	// Window is the sliding failure window length.
	Window time.Duration
	// Threshold is the failure count inside the window that trips the fuse.
	Threshold int
	// Cooldown is how long the fuse stays tripped once triggered.
	Cooldown time.Duration
}

// DefaultFuseConfig returns the standard fuse tuning.
func DefaultFuseConfig() FuseConfig {
	return FuseConfig{
		Window:    30 * time.Minute,
		Threshold: 5,
		Cooldown:  60 * time.Minute,
	}
}

// Fuse is the system-wide failure breaker. Every action failure across every
// playbook lands in its sliding window; when the window fills past the
// threshold the fuse trips, and while tripped every playbook is forced into
// confirmation mode regardless of its own breaker state. When many things
// are failing at once, nothing new auto-executes.
type Fuse struct {
	config FuseConfig
	logger logging.Logger

	mu        sync.Mutex
	failures  []time.Time
	tripped   bool
	trippedAt time.Time
}

// NewFuse creates a fuse.
func NewFuse(config FuseConfig, logger logging.Logger) *Fuse {
	defaults := DefaultFuseConfig()
	if config.Window <= 0 {
		config.Window = defaults.Window
	}
	if config.Threshold <= 0 {
		config.Threshold = defaults.Threshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	return &Fuse{config: config, logger: logging.OrNop(logger)}
}

// RecordFailure adds one failure to the window and trips the fuse when the
// threshold is reached.
func (f *Fuse) RecordFailure(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.resetIfExpiredLocked(now)
	if f.tripped {
		return
	}

	f.failures = append(f.failures, now)
	f.pruneLocked(now)
	if len(f.failures) >= f.config.Threshold {
		f.tripped = true
		f.trippedAt = now
		f.logger.Warn("fuse tripped: %d failures inside %v, confirmation forced for %v",
			len(f.failures), f.config.Window, f.config.Cooldown)
	}
}

// Tripped reports whether the fuse is currently holding playbooks in
// confirmation mode. A tripped fuse auto-resets once its cooldown elapses,
// clearing the failure window.
func (f *Fuse) Tripped(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetIfExpiredLocked(now)
	return f.tripped
}

// FailureCount returns the failures currently inside the window.
func (f *Fuse) FailureCount(now time.Time) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resetIfExpiredLocked(now)
	f.pruneLocked(now)
	return len(f.failures)
}

// Reset clears the fuse and its window unconditionally.
func (f *Fuse) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tripped = false
	f.trippedAt = time.Time{}
	f.failures = nil
	f.logger.Info("fuse reset")
}

func (f *Fuse) resetIfExpiredLocked(now time.Time) {
	if f.tripped && now.Sub(f.trippedAt) >= f.config.Cooldown {
		f.tripped = false
		f.trippedAt = time.Time{}
		f.failures = nil
		f.logger.Info("fuse cooldown elapsed, auto-reset")
	}
}

func (f *Fuse) pruneLocked(now time.Time) {
	cutoff := now.Add(-f.config.Window)
	kept := f.failures[:0]
	for _, t := range f.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	f.failures = kept
}

// FuseSnapshot is the persistable view of the fuse.
type FuseSnapshot struct {
	Failures  []time.Time `json:"failures"`
	Tripped   bool        `json:"tripped"`
	TrippedAt time.Time   `json:"tripped_at,omitempty"`
}

// Snapshot exports the fuse state for persistence.
func (f *Fuse) Snapshot() FuseSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return FuseSnapshot{
		Failures:  append([]time.Time(nil), f.failures...),
		Tripped:   f.tripped,
		TrippedAt: f.trippedAt,
	}
}

// Restore replaces the fuse state from a persisted snapshot.
func (f *Fuse) Restore(snap FuseSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append([]time.Time(nil), snap.Failures...)
	f.tripped = snap.Tripped
	f.trippedAt = snap.TrippedAt
}
