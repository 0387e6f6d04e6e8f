package reactor

import (
	"sync"
	"time"
)

// tallyWindow is how many recent executions feed a playbook's success rate.
const tallyWindow = 10

// tally tracks one playbook's rolling execution outcomes and last run time.
type tally struct {
	outcomes []bool // most recent last, bounded by tallyWindow
	lastRun  time.Time
}

func (t *tally) record(success bool, now time.Time) {
	t.outcomes = append(t.outcomes, success)
	if len(t.outcomes) > tallyWindow {
		t.outcomes = t.outcomes[len(t.outcomes)-tallyWindow:]
	}
	t.lastRun = now
}

// successRate returns the fraction of successes in the window, and whether
// there is any history at all.
func (t *tally) successRate() (float64, bool) {
	if len(t.outcomes) == 0 {
		return 0, false
	}
	wins := 0
	for _, success := range t.outcomes {
		if success {
			wins++
		}
	}
	return float64(wins) / float64(len(t.outcomes)), true
}

// tallyBook holds the per-playbook tallies.
type tallyBook struct {
	mu      sync.Mutex
	entries map[string]*tally
}

func newTallyBook() *tallyBook {
	return &tallyBook{entries: make(map[string]*tally)}
}

func (b *tallyBook) record(playbookID string, success bool, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[playbookID]
	if !ok {
		entry = &tally{}
		b.entries[playbookID] = entry
	}
	entry.record(success, now)
}

// rate returns the playbook's rolling success rate and whether any history
// exists.
func (b *tallyBook) rate(playbookID string) (float64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[playbookID]
	if !ok {
		return 0, false
	}
	return entry.successRate()
}

// view is a read-only copy of one tally for status reporting and cooldown
// evaluation without holding the book lock.
func (b *tallyBook) view(playbookID string) (outcomes []bool, lastRun time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.entries[playbookID]
	if !ok {
		return nil, time.Time{}
	}
	return append([]bool(nil), entry.outcomes...), entry.lastRun
}

// TallySnapshot is the persistable view of one playbook's tally.
type TallySnapshot struct {
	PlaybookID string    `json:"playbook_id"`
	Outcomes   []bool    `json:"outcomes"`
	LastRun    time.Time `json:"last_run"`
}

func (b *tallyBook) snapshot() []TallySnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	snaps := make([]TallySnapshot, 0, len(b.entries))
	for id, entry := range b.entries {
		snaps = append(snaps, TallySnapshot{
			PlaybookID: id,
			Outcomes:   append([]bool(nil), entry.outcomes...),
			LastRun:    entry.lastRun,
		})
	}
	return snaps
}

func (b *tallyBook) restore(snaps []TallySnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]*tally, len(snaps))
	for _, snap := range snaps {
		b.entries[snap.PlaybookID] = &tally{
			outcomes: append([]bool(nil), snap.Outcomes...),
			lastRun:  snap.LastRun,
		}
	}
}
