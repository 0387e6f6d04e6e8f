package engine

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"aegis/internal/errors"
	"aegis/internal/executor"
	"aegis/internal/guardrail"
	"aegis/internal/logging"
	"aegis/internal/playbook"
	"aegis/internal/store"
)

// SkipCodeNeedsApproval marks high-risk records deferred for manual action.
const SkipCodeNeedsApproval = "needs-approval"

// Persistence document / log names.
const (
	queueDocument = "engine_queue"
	historyLog    = "engine_history"
)

// Config tunes the action engine.
type Config struct {
	// MediumPerBatch caps how many medium-risk actions auto-execute in one
	// batch; the rest stay queued for the next batch.
	MediumPerBatch int
	// HistoryLimit bounds the in-memory terminal record history.
	HistoryLimit int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MediumPerBatch: 2,
		HistoryLimit:   200,
	}
}

// EnqueueOptions carries per-record settings that are not part of the action
// template.
type EnqueueOptions struct {
	// TraceID links the record back to the originating alert or decision.
	TraceID string
	// Priority orders the record in the queue (defaults to normal).
	Priority Priority
	// RiskOverride replaces the action's declared risk (the reactor uses
	// this to force confirmation-required playbooks to high).
	RiskOverride *playbook.RiskLevel
	// Approved pre-authorizes a high-risk record (set by the approval flow,
	// never by automated submitters).
	Approved bool
}

// Engine owns the action queue: idempotent enqueue, guardrail enforcement,
// risk-tiered execution, and the audit history. All mutable state lives
// inside the engine and is only touched under its mutex.
type Engine struct {
	config     Config
	logger     logging.Logger
	store      store.Store
	guardrails *guardrail.Store
	registry   *executor.Registry
	notifier   Notifier
	metrics    *Metrics

	mu      sync.Mutex
	queue   []*Record // non-terminal records, unordered
	history []*Record // terminal records, oldest first, bounded
	nextSeq uint64

	// runMu serializes batches: guardrail evaluation is check-then-act, so
	// two concurrent batches could both pass the hourly ceiling and overrun
	// it by one.
	runMu sync.Mutex
}

// New creates an engine and restores its queue and history from the store.
func New(config Config, st store.Store, guardrails *guardrail.Store, registry *executor.Registry, notifier Notifier, logger logging.Logger) (*Engine, error) {
	if config.MediumPerBatch <= 0 {
		config.MediumPerBatch = DefaultConfig().MediumPerBatch
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = DefaultConfig().HistoryLimit
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}

	engine := &Engine{
		config:     config,
		logger:     logging.OrNop(logger),
		store:      st,
		guardrails: guardrails,
		registry:   registry,
		notifier:   notifier,
		metrics:    defaultMetrics(),
	}
	if err := engine.restore(); err != nil {
		return nil, err
	}
	return engine, nil
}

func (e *Engine) restore() error {
	if e.store == nil {
		return nil
	}

	var queued []*Record
	if err := e.store.Load(queueDocument, &queued); err != nil && !stderrors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("engine: restore queue: %w", err)
	}
	for _, record := range queued {
		// A record caught mid-execution by a crash goes back to queued; its
		// fingerprint still blocks duplicates, and re-running is what the
		// idempotency contract is for.
		if record.Status == StatusExecuting {
			record.Status = StatusQueued
		}
		record.seq = e.nextSeq
		e.nextSeq++
		e.queue = append(e.queue, record)
	}

	count := 0
	err := e.store.Scan(historyLog, func(line []byte) error {
		var record Record
		if err := json.Unmarshal(line, &record); err != nil {
			e.logger.Warn("engine: skipping corrupt history record: %v", err)
			return nil
		}
		e.history = append(e.history, &record)
		count++
		return nil
	})
	if err != nil {
		return fmt.Errorf("engine: restore history: %w", err)
	}
	if len(e.history) > e.config.HistoryLimit {
		e.history = e.history[len(e.history)-e.config.HistoryLimit:]
	}
	if len(e.queue) > 0 || count > 0 {
		e.logger.Info("engine: restored %d queued, %d historical records", len(e.queue), count)
	}
	e.metrics.SetQueueDepth(len(e.queue))
	return nil
}

// Enqueue adds an action to the queue. It returns nil when a non-terminal
// record with the same fingerprint already exists: enqueue is idempotent per
// logical occurrence, not per call.
func (e *Engine) Enqueue(action playbook.Action, opts EnqueueOptions) *Record {
	fingerprint := Fingerprint(action)

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, existing := range e.queue {
		if existing.Fingerprint == fingerprint {
			e.logger.Debug("engine: duplicate enqueue suppressed for %s (%s)", fingerprint, action.Target)
			e.metrics.IncDuplicate()
			return nil
		}
	}

	risk := action.Risk
	if opts.RiskOverride != nil {
		risk = *opts.RiskOverride
	}

	record := &Record{
		ID:          uuid.NewString(),
		Fingerprint: fingerprint,
		Action:      action,
		TraceID:     opts.TraceID,
		Risk:        risk,
		Priority:    opts.Priority,
		Status:      StatusQueued,
		Approved:    opts.Approved,
		SubmittedAt: time.Now(),
		seq:         e.nextSeq,
	}
	e.nextSeq++
	e.queue = append(e.queue, record)
	e.persistQueueLocked()
	e.metrics.SetQueueDepth(len(e.queue))

	e.logger.Debug("engine: enqueued %s kind=%s target=%q risk=%s priority=%s",
		record.ID, action.Kind, action.Target, risk, record.Priority)
	copied := *record
	return &copied
}

// RunBatch drains up to limit queued records in priority order (high >
// normal > low, FIFO within a tier), honoring guardrails and the risk
// policy. It returns the records it brought to a terminal state; medium-risk
// records deferred by the per-batch quota stay queued and are not returned.
func (e *Engine) RunBatch(ctx context.Context, limit int) []Record {
	e.runMu.Lock()
	defer e.runMu.Unlock()

	if limit <= 0 {
		limit = len(e.snapshotQueue())
	}

	selected := e.selectBatch(limit)
	if len(selected) == 0 {
		return nil
	}

	processed := make([]Record, 0, len(selected))
	mediumBudget := e.config.MediumPerBatch

	for _, record := range selected {
		if ctx.Err() != nil {
			break
		}

		now := time.Now()

		// High risk never auto-executes; an operator approval is the only
		// way through.
		if record.Risk == playbook.RiskHigh && !record.Approved {
			e.finishSkipped(record, SkipCodeNeedsApproval,
				"high-risk action needs approval before it can run")
			e.notifier.Notify(ctx, e.notification(NotifyHighDeferred, record))
			processed = append(processed, *record)
			continue
		}

		if err := e.guardrails.Evaluate(record.Fingerprint, record.Risk, now); err != nil {
			code, _ := errors.SkipCode(err)
			e.finishSkipped(record, code, err.Error())
			processed = append(processed, *record)
			continue
		}

		if record.Risk == playbook.RiskMedium {
			if mediumBudget <= 0 {
				// Deferred, not skipped: the record keeps its place for the
				// next batch.
				e.logger.Debug("engine: medium quota reached, deferring %s", record.ID)
				e.metrics.IncDeferred()
				continue
			}
			mediumBudget--
			e.notifier.Notify(ctx, e.notification(NotifyMediumExecuted, record))
		}

		e.execute(ctx, record)
		processed = append(processed, *record)
	}

	e.mu.Lock()
	e.persistQueueLocked()
	e.metrics.SetQueueDepth(len(e.queue))
	e.mu.Unlock()

	return processed
}

// selectBatch picks up to limit queued records in execution order.
func (e *Engine) selectBatch(limit int) []*Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	candidates := make([]*Record, 0, len(e.queue))
	for _, record := range e.queue {
		if record.Status == StatusQueued {
			candidates = append(candidates, record)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].seq < candidates[j].seq
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// execute runs one permitted record through its executor.
func (e *Engine) execute(ctx context.Context, record *Record) {
	e.mu.Lock()
	record.Status = StatusExecuting
	record.StartedAt = time.Now()
	e.persistQueueLocked()
	e.mu.Unlock()

	outcome := e.registry.Execute(ctx, record.Action)

	e.mu.Lock()
	defer e.mu.Unlock()

	record.Detail = outcome.Detail
	record.Latency = outcome.Latency
	record.CompletedAt = time.Now()
	if outcome.Success {
		record.Status = StatusSucceeded
	} else {
		record.Status = StatusFailed
	}

	e.guardrails.RecordOutcome(record.Fingerprint, outcome.Success, record.CompletedAt)
	e.metrics.ObserveExecution(string(record.Status), record.Risk.String(), outcome.Latency)
	e.retireLocked(record)

	e.logger.Info("engine: %s %s kind=%s target=%q in %v",
		record.ID, record.Status, record.Action.Kind, record.Action.Target, outcome.Latency.Round(time.Millisecond))
}

// finishSkipped marks a queued record terminally skipped.
func (e *Engine) finishSkipped(record *Record, code string, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	record.Status = StatusSkipped
	record.SkipCode = code
	record.Detail = reason
	record.CompletedAt = time.Now()
	e.metrics.IncSkip(code)
	e.retireLocked(record)

	e.logger.Info("engine: %s skipped (%s): %s", record.ID, code, reason)
}

// retireLocked moves a terminal record from the queue into history and
// appends it to the audit log. Caller holds e.mu.
func (e *Engine) retireLocked(record *Record) {
	for i, queued := range e.queue {
		if queued.ID == record.ID {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			break
		}
	}
	e.history = append(e.history, record)
	if len(e.history) > e.config.HistoryLimit {
		e.history = e.history[len(e.history)-e.config.HistoryLimit:]
	}
	if e.store != nil {
		if err := e.store.Append(historyLog, record); err != nil {
			e.logger.Warn("engine: append history: %v", err)
		}
	}
}

func (e *Engine) persistQueueLocked() {
	if e.store == nil {
		return
	}
	if err := e.store.Save(queueDocument, e.queue); err != nil {
		e.logger.Warn("engine: persist queue: %v", err)
	}
}

func (e *Engine) notification(kind string, record *Record) Notification {
	return Notification{
		Kind:      kind,
		RecordID:  record.ID,
		TraceID:   record.TraceID,
		Target:    record.Action.Target,
		Risk:      record.Risk.String(),
		Reason:    record.Detail,
		Timestamp: time.Now(),
	}
}

// Approve resubmits a high-risk record that was deferred for approval. The
// original record stays in history as the audit trail; approval creates a
// fresh pre-authorized record (idempotency still applies if one is already
// in flight).
func (e *Engine) Approve(id string) (*Record, error) {
	e.mu.Lock()
	var target *Record
	for _, record := range e.history {
		if record.ID == id && record.SkipCode == SkipCodeNeedsApproval && !record.Resubmitted {
			target = record
			break
		}
	}
	if target == nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("engine: no record %q pending approval", id)
	}
	target.Resubmitted = true
	action := target.Action
	opts := EnqueueOptions{
		TraceID:  target.TraceID,
		Priority: target.Priority,
		Approved: true,
	}
	risk := target.Risk
	opts.RiskOverride = &risk
	e.mu.Unlock()

	record := e.Enqueue(action, opts)
	if record == nil {
		return nil, fmt.Errorf("engine: record %q already has an in-flight duplicate", id)
	}
	e.logger.Info("engine: approved %s, resubmitted as %s", id, record.ID)
	return record, nil
}

// PendingApprovals lists deferred high-risk records awaiting manual action.
func (e *Engine) PendingApprovals() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	pending := make([]Record, 0)
	for _, record := range e.history {
		if record.SkipCode == SkipCodeNeedsApproval && !record.Resubmitted {
			pending = append(pending, *record)
		}
	}
	return pending
}

// QueueDepth returns the number of non-terminal records.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Queue returns a copy of the non-terminal records.
func (e *Engine) Queue() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	records := make([]Record, 0, len(e.queue))
	for _, record := range e.queue {
		records = append(records, *record)
	}
	return records
}

// History returns up to limit most recent terminal records, newest first.
func (e *Engine) History(limit int) []Record {
	e.mu.Lock()
	defer e.mu.Unlock()

	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	records := make([]Record, 0, limit)
	for i := len(e.history) - 1; i >= len(e.history)-limit; i-- {
		records = append(records, *e.history[i])
	}
	return records
}

func (e *Engine) snapshotQueue() []Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	records := make([]Record, 0, len(e.queue))
	for _, record := range e.queue {
		records = append(records, *record)
	}
	return records
}
