package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"aegis/internal/playbook"
)

// Status is the lifecycle state of an action record.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusExecuting Status = "executing"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// IsTerminal reports whether the record will never change again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusSkipped:
		return true
	default:
		return false
	}
}

// Priority orders records in the queue: high > normal > low. The numeric
// value follows the scheduler convention of "lower is more urgent".
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a string to a Priority.
func ParsePriority(value string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "high":
		return PriorityHigh, nil
	case "", "normal":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", value)
	}
}

// MarshalJSON renders the priority as its lowercase name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return []byte(`"` + p.String() + `"`), nil
}

// UnmarshalJSON parses a priority name from persisted records.
func (p *Priority) UnmarshalJSON(data []byte) error {
	parsed, err := ParsePriority(strings.Trim(string(data), `"`))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Record is the runtime instance of an action in the engine's queue. Created
// on enqueue, mutated only by the engine, retained for audit after it turns
// terminal.
type Record struct {
	ID          string             `json:"id"`
	Fingerprint string             `json:"fingerprint"`
	Action      playbook.Action    `json:"action"`
	TraceID     string             `json:"trace_id,omitempty"`
	Risk        playbook.RiskLevel `json:"risk"`
	Priority    Priority           `json:"priority"`
	Status      Status             `json:"status"`
	Detail      string             `json:"detail,omitempty"`
	SkipCode    string             `json:"skip_code,omitempty"`
	Approved    bool               `json:"approved,omitempty"`
	Resubmitted bool               `json:"resubmitted,omitempty"`
	SubmittedAt time.Time          `json:"submitted_at"`
	StartedAt   time.Time          `json:"started_at,omitempty"`
	CompletedAt time.Time          `json:"completed_at,omitempty"`
	Latency     time.Duration      `json:"latency_ns,omitempty"`

	// seq breaks ties within a priority tier: FIFO by enqueue order. Not
	// persisted; restored queues are renumbered in load order.
	seq uint64
}

// Fingerprint derives the idempotency fingerprint for an action: a
// deterministic hash over kind, target, and sorted parameters. Two actions
// with the same fingerprint are "this exact action with these exact
// parameters".
func Fingerprint(action playbook.Action) string {
	hasher := sha256.New()
	hasher.Write([]byte(action.Kind))
	hasher.Write([]byte{0})
	hasher.Write([]byte(action.Target))

	keys := make([]string, 0, len(action.Params))
	for key := range action.Params {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		hasher.Write([]byte{0})
		hasher.Write([]byte(key))
		hasher.Write([]byte{1})
		hasher.Write([]byte(action.Params[key]))
	}

	return hex.EncodeToString(hasher.Sum(nil))[:16]
}
