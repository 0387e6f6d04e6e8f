package reactor

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"aegis/internal/alert"
	"aegis/internal/engine"
	"aegis/internal/errors"
	"aegis/internal/executor"
	"aegis/internal/logging"
	"aegis/internal/playbook"
	"aegis/internal/store"
)

// Persistence names.
const (
	outcomeLog       = "reactor_outcomes"
	fuseDocument     = "reactor_fuse"
	breakersDocument = "reactor_breakers"
	talliesDocument  = "reactor_tallies"
)

// Disposition is what the reactor decided to do with one matching playbook.
type Disposition string

const (
	// DispositionExecuted means the playbook's actions ran (some may have
	// failed or been fast-fail skipped; see the per-action results).
	DispositionExecuted Disposition = "executed"
	// DispositionDeferred means confirmation was required: the actions were
	// handed to the action engine for approval instead of running.
	DispositionDeferred Disposition = "deferred"
	// DispositionSkipped means nothing ran: breaker open or cooldown active.
	DispositionSkipped Disposition = "skipped"
)

// ActionResult is the outcome of one action inside a playbook run.
type ActionResult struct {
	Kind    string        `json:"kind"`
	Target  string        `json:"target"`
	Success bool          `json:"success"`
	Skipped bool          `json:"skipped,omitempty"`
	Detail  string        `json:"detail,omitempty"`
	Latency time.Duration `json:"latency_ns,omitempty"`
}

// ReactionResult records what happened for one (alert, playbook) pair. Every
// result carries a generated decision id so "why did we act" and "did it
// work" stay correlatable in the outcome log.
type ReactionResult struct {
	DecisionID   string         `json:"decision_id"`
	AlertID      string         `json:"alert_id"`
	PlaybookID   string         `json:"playbook_id"`
	PlaybookName string         `json:"playbook_name"`
	Disposition  Disposition    `json:"disposition"`
	Reason       string         `json:"reason,omitempty"`
	Actions      []ActionResult `json:"actions,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// Succeeded reports whether every non-skipped action in the run succeeded.
func (r ReactionResult) Succeeded() bool {
	if r.Disposition != DispositionExecuted {
		return false
	}
	for _, action := range r.Actions {
		if !action.Skipped && !action.Success {
			return false
		}
	}
	return true
}

// Config tunes the reactor.
type Config struct {
	// CooldownCap is the ceiling for success-weighted cooldown doubling.
	CooldownCap time.Duration
	// SuccessRateFloor is the rolling success rate under which a playbook's
	// cooldown doubles.
	SuccessRateFloor float64
	// Breaker configures the per-playbook circuit breakers.
	Breaker errors.CircuitBreakerConfig
	// Fuse configures the global fuse.
	Fuse FuseConfig
	// DecisionCacheSize bounds the in-memory decision index.
	DecisionCacheSize int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CooldownCap:       time.Hour,
		SuccessRateFloor:  0.5,
		Breaker:           errors.DefaultCircuitBreakerConfig(),
		Fuse:              DefaultFuseConfig(),
		DecisionCacheSize: 256,
	}
}

// Reactor matches alerts against the playbook library and turns matches into
// remediation runs: breaker and cooldown gating, risk escalation into
// confirmation mode, ordered execution with fast-fail, and outcome recording
// into the tallies, the per-playbook breakers, and the global fuse.
type Reactor struct {
	config   Config
	logger   logging.Logger
	library  *playbook.Library
	registry *executor.Registry
	engine   *engine.Engine
	store    store.Store

	breakers  *errors.CircuitBreakerManager
	fuse      *Fuse
	tallies   *tallyBook
	decisions *lru.Cache[string, ReactionResult]

	// reactMu serializes reactions end to end. Cooldown and breaker gating
	// are check-then-act against state the run itself updates; interleaved
	// reactions could both pass the same gate.
	reactMu sync.Mutex
}

// New creates a reactor and restores breaker, fuse, and tally state from the
// store. The engine receives deferred (confirmation-required) work; it may be
// nil, in which case deferred playbooks are recorded but nothing is queued.
func New(config Config, library *playbook.Library, registry *executor.Registry, eng *engine.Engine, st store.Store, logger logging.Logger) (*Reactor, error) {
	defaults := DefaultConfig()
	if config.CooldownCap <= 0 {
		config.CooldownCap = defaults.CooldownCap
	}
	if config.SuccessRateFloor <= 0 || config.SuccessRateFloor > 1 {
		config.SuccessRateFloor = defaults.SuccessRateFloor
	}
	if config.DecisionCacheSize <= 0 {
		config.DecisionCacheSize = defaults.DecisionCacheSize
	}

	logger = logging.OrNop(logger)
	decisions, err := lru.New[string, ReactionResult](config.DecisionCacheSize)
	if err != nil {
		return nil, fmt.Errorf("reactor: decision cache: %w", err)
	}

	r := &Reactor{
		config:    config,
		logger:    logger,
		library:   library,
		registry:  registry,
		engine:    eng,
		store:     st,
		breakers:  errors.NewCircuitBreakerManager(config.Breaker, logger),
		fuse:      NewFuse(config.Fuse, logger),
		tallies:   newTallyBook(),
		decisions: decisions,
	}
	if err := r.restore(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reactor) restore() error {
	if r.store == nil {
		return nil
	}

	var breakerSnaps []errors.CircuitSnapshot
	if err := r.store.Load(breakersDocument, &breakerSnaps); err != nil && !stderrors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reactor: restore breakers: %w", err)
	}
	r.breakers.Restore(breakerSnaps)

	var fuseSnap FuseSnapshot
	if err := r.store.Load(fuseDocument, &fuseSnap); err != nil {
		if !stderrors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("reactor: restore fuse: %w", err)
		}
	} else {
		r.fuse.Restore(fuseSnap)
	}

	var tallySnaps []TallySnapshot
	if err := r.store.Load(talliesDocument, &tallySnaps); err != nil && !stderrors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("reactor: restore tallies: %w", err)
	}
	r.tallies.restore(tallySnaps)
	return nil
}

// React matches the alert against the library and processes every matching
// playbook in library order. It always returns one result per match; a
// refused or deferred playbook is a result, not an error.
func (r *Reactor) React(ctx context.Context, a alert.Alert) ([]ReactionResult, error) {
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("reactor: %w", err)
	}

	r.reactMu.Lock()
	defer r.reactMu.Unlock()

	var results []ReactionResult
	for _, pb := range r.library.Snapshot() {
		if !pb.Matches(a) {
			continue
		}
		pb := pb
		result := r.processPlaybook(ctx, &pb, a)
		r.finishResult(result)
		results = append(results, result)
	}

	if len(results) == 0 {
		r.logger.Debug("reactor: no playbook matched alert %s (%s %q)", a.ID, a.Severity, a.Message)
		return nil, nil
	}

	r.persistState()
	return results, nil
}

// processPlaybook runs the decision pipeline for one matching playbook:
// breaker, effective cooldown, confirmation escalation, then execution.
func (r *Reactor) processPlaybook(ctx context.Context, pb *playbook.Playbook, a alert.Alert) ReactionResult {
	now := time.Now()
	result := ReactionResult{
		DecisionID:   uuid.NewString(),
		AlertID:      a.ID,
		PlaybookID:   pb.ID,
		PlaybookName: pb.Name,
		Timestamp:    now,
	}

	if err := r.breakers.Get(pb.ID).Allow(); err != nil {
		result.Disposition = DispositionSkipped
		result.Reason = err.Error()
		return result
	}

	_, lastRun := r.tallies.view(pb.ID)
	if !lastRun.IsZero() {
		effective := r.effectiveCooldown(pb)
		if elapsed := now.Sub(lastRun); elapsed < effective {
			result.Disposition = DispositionSkipped
			result.Reason = fmt.Sprintf("cooldown: ran %v ago, effective cooldown %v",
				elapsed.Round(time.Second), effective)
			return result
		}
	}

	if reason, confirm := r.confirmationReason(pb, a, now); confirm {
		result.Disposition = DispositionDeferred
		result.Reason = reason
		result.Actions = r.deferToEngine(pb, a, result.DecisionID)
		return result
	}

	result.Disposition = DispositionExecuted
	result.Actions = r.executeActions(ctx, pb)
	return result
}

// confirmationReason decides whether this playbook run must be confirmed by
// an operator, and why.
func (r *Reactor) confirmationReason(pb *playbook.Playbook, a alert.Alert, now time.Time) (string, bool) {
	if r.fuse.Tripped(now) {
		return "global fuse tripped, all playbooks require confirmation", true
	}
	if pb.RequireConfirm {
		return "playbook configured to require confirmation", true
	}
	if a.Severity == alert.SeverityCrit && pb.MaxActionRisk() >= playbook.RiskMedium {
		return "critical alert with medium/high-risk actions requires confirmation", true
	}
	return "", false
}

// deferToEngine hands the playbook's actions to the engine at high risk, so
// they surface through the approval flow instead of running.
func (r *Reactor) deferToEngine(pb *playbook.Playbook, a alert.Alert, decisionID string) []ActionResult {
	results := make([]ActionResult, 0, len(pb.Actions))
	high := playbook.RiskHigh
	for _, action := range pb.Actions {
		ar := ActionResult{Kind: action.Kind, Target: action.Target, Skipped: true, Detail: "queued for approval"}
		if r.engine != nil {
			record := r.engine.Enqueue(action, engine.EnqueueOptions{
				TraceID:      decisionID,
				Priority:     severityPriority(a.Severity),
				RiskOverride: &high,
			})
			if record == nil {
				ar.Detail = "already queued"
			}
		}
		results = append(results, ar)
	}
	return results
}

// executeActions runs the playbook's actions in declared order. A failure at
// medium or high risk fast-fails the rest: the environment is not in the
// expected state, so continuing is unsafe.
func (r *Reactor) executeActions(ctx context.Context, pb *playbook.Playbook) []ActionResult {
	breaker := r.breakers.Get(pb.ID)
	results := make([]ActionResult, 0, len(pb.Actions))
	abort := false

	for _, action := range pb.Actions {
		if abort {
			results = append(results, ActionResult{
				Kind:    action.Kind,
				Target:  action.Target,
				Skipped: true,
				Detail:  "skipped: earlier medium/high-risk action failed",
			})
			continue
		}

		outcome := r.registry.Execute(ctx, action)
		results = append(results, ActionResult{
			Kind:    action.Kind,
			Target:  action.Target,
			Success: outcome.Success,
			Detail:  outcome.Detail,
			Latency: outcome.Latency,
		})

		r.tallies.record(pb.ID, outcome.Success, time.Now())
		if outcome.Success {
			breaker.Mark(nil)
		} else {
			breaker.Mark(fmt.Errorf("%s %q failed: %s", action.Kind, action.Target, outcome.Detail))
			r.fuse.RecordFailure(time.Now())
			if action.Risk >= playbook.RiskMedium {
				abort = true
			}
		}
	}
	return results
}

// effectiveCooldown is the playbook's base cooldown, doubled (capped) when
// its rolling success rate drops under the configured floor. Flaky
// remediations back off harder without manual tuning.
func (r *Reactor) effectiveCooldown(pb *playbook.Playbook) time.Duration {
	base := pb.Cooldown
	rate, ok := r.tallies.rate(pb.ID)
	if !ok || rate >= r.config.SuccessRateFloor {
		return base
	}
	doubled := base * 2
	if doubled > r.config.CooldownCap {
		return r.config.CooldownCap
	}
	return doubled
}

// finishResult indexes, persists, and logs one reaction result.
func (r *Reactor) finishResult(result ReactionResult) {
	r.decisions.Add(result.DecisionID, result)
	if r.store != nil {
		if err := r.store.Append(outcomeLog, result); err != nil {
			r.logger.Warn("reactor: append outcome: %v", err)
		}
	}
	r.logger.Info("reactor: decision %s playbook=%s alert=%s %s %s",
		result.DecisionID, result.PlaybookID, result.AlertID, result.Disposition, result.Reason)
}

// persistState saves breaker, fuse, and tally snapshots.
func (r *Reactor) persistState() {
	if r.store == nil {
		return
	}
	if err := r.store.Save(breakersDocument, r.breakers.Snapshots()); err != nil {
		r.logger.Warn("reactor: persist breakers: %v", err)
	}
	if err := r.store.Save(fuseDocument, r.fuse.Snapshot()); err != nil {
		r.logger.Warn("reactor: persist fuse: %v", err)
	}
	if err := r.store.Save(talliesDocument, r.tallies.snapshot()); err != nil {
		r.logger.Warn("reactor: persist tallies: %v", err)
	}
}

// PlanEntry describes what React would do for one matching playbook,
// without executing anything.
type PlanEntry struct {
	PlaybookID        string        `json:"playbook_id"`
	PlaybookName      string        `json:"playbook_name"`
	Actions           int           `json:"actions"`
	MaxRisk           string        `json:"max_risk"`
	EffectiveCooldown time.Duration `json:"effective_cooldown"`
	WouldDefer        bool          `json:"would_defer"`
	Blocked           string        `json:"blocked,omitempty"`
}

// Plan is the dry-run counterpart of React: it evaluates matching, gating,
// and escalation for the alert but executes nothing and records nothing.
func (r *Reactor) Plan(a alert.Alert) ([]PlanEntry, error) {
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("reactor: %w", err)
	}

	r.reactMu.Lock()
	defer r.reactMu.Unlock()

	now := time.Now()
	var entries []PlanEntry
	for _, pb := range r.library.Snapshot() {
		if !pb.Matches(a) {
			continue
		}
		pb := pb
		entry := PlanEntry{
			PlaybookID:        pb.ID,
			PlaybookName:      pb.Name,
			Actions:           len(pb.Actions),
			MaxRisk:           pb.MaxActionRisk().String(),
			EffectiveCooldown: r.effectiveCooldown(&pb),
		}
		// State, not Allow: a dry run must not nudge an open breaker into
		// its half-open probe.
		if state := r.breakers.Get(pb.ID).State(); state == errors.StateOpen {
			entry.Blocked = "circuit breaker open"
		} else if _, lastRun := r.tallies.view(pb.ID); !lastRun.IsZero() && now.Sub(lastRun) < entry.EffectiveCooldown {
			entry.Blocked = "cooldown active"
		}
		if reason, confirm := r.confirmationReason(&pb, a, now); confirm {
			entry.WouldDefer = true
			if entry.Blocked == "" {
				entry.Blocked = reason
			}
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Decision looks up a recent reaction result by its decision id.
func (r *Reactor) Decision(id string) (ReactionResult, bool) {
	return r.decisions.Get(id)
}

// ResetBreaker manually closes the breaker for a playbook id. It reports
// whether the key was known.
func (r *Reactor) ResetBreaker(key string) bool {
	ok := r.breakers.Reset(key)
	r.persistState()
	return ok
}

// ResetFuse clears the global fuse and its failure window.
func (r *Reactor) ResetFuse() {
	r.fuse.Reset()
	r.persistState()
}

// Status summarizes the reactor's protective state for the operator surface.
type Status struct {
	Playbooks    int                      `json:"playbooks"`
	FuseTripped  bool                     `json:"fuse_tripped"`
	FuseFailures int                      `json:"fuse_failures"`
	Breakers     []errors.CircuitSnapshot `json:"breakers"`
}

// Status returns the current protective state.
func (r *Reactor) Status() Status {
	now := time.Now()
	return Status{
		Playbooks:    r.library.Len(),
		FuseTripped:  r.fuse.Tripped(now),
		FuseFailures: r.fuse.FailureCount(now),
		Breakers:     r.breakers.Snapshots(),
	}
}

// severityPriority maps alert severity onto engine queue priority.
func severityPriority(severity alert.Severity) engine.Priority {
	switch severity {
	case alert.SeverityCrit:
		return engine.PriorityHigh
	case alert.SeverityWarn:
		return engine.PriorityNormal
	default:
		return engine.PriorityLow
	}
}
