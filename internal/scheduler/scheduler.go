package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"aegis/internal/async"
	"aegis/internal/logging"
	"aegis/internal/store"
)

// Persistence log names.
const (
	decisionLog = "scheduler_decisions"
	taskHistory = "scheduler_history"
)

// Config tunes the scheduler.
type Config struct {
	// Workers is the size of the concurrency permit pool.
	Workers int
	// DefaultTimeout applies to tasks that do not declare their own.
	DefaultTimeout time.Duration
	// DefaultMaxRetries applies to tasks submitted with a negative retry count.
	DefaultMaxRetries int
	// DecisionLimit bounds the in-memory decision log.
	DecisionLimit int
	// HistoryLimit bounds the in-memory terminal task history.
	HistoryLimit int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		DefaultTimeout:    time.Minute,
		DefaultMaxRetries: 2,
		DecisionLimit:     500,
		HistoryLimit:      200,
	}
}

// Decision is one explainability entry: what the scheduler did with a task
// and why, without re-deriving intent from task state.
type Decision struct {
	Time     time.Time `json:"time"`
	TaskID   string    `json:"task_id"`
	TaskName string    `json:"task_name"`
	Priority string    `json:"priority"`
	Reason   string    `json:"reason"`
}

// Events receives lifecycle notifications from the scheduler. Implementations
// must return quickly; they run on the worker that finished the task.
type Events interface {
	// TaskFailed fires once per task, when its retries are exhausted.
	TaskFailed(task Task)
}

// NopEvents discards all events.
type NopEvents struct{}

// TaskFailed is a no-op.
func (NopEvents) TaskFailed(Task) {}

// Scheduler dispatches tasks by priority tier under a bounded worker pool.
// Within a tier the longest-waiting task wins; retries keep their original
// creation time so a retry storm cannot starve newer work of its turn.
type Scheduler struct {
	config  Config
	logger  logging.Logger
	store   store.Store
	events  Events
	metrics *Metrics
	sem     *semaphore.Weighted

	mu        sync.Mutex
	pending   taskHeap
	running   int
	completed []*Task
	decisions []Decision
	nextSeq   uint64

	wake chan struct{}
	wg   sync.WaitGroup
}

// New creates a scheduler. Call Run to start dispatching.
func New(config Config, st store.Store, events Events, logger logging.Logger) *Scheduler {
	defaults := DefaultConfig()
	if config.Workers <= 0 {
		config.Workers = defaults.Workers
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.DefaultMaxRetries < 0 {
		config.DefaultMaxRetries = defaults.DefaultMaxRetries
	}
	if config.DecisionLimit <= 0 {
		config.DecisionLimit = defaults.DecisionLimit
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = defaults.HistoryLimit
	}
	if events == nil {
		events = NopEvents{}
	}
	return &Scheduler{
		config:  config,
		logger:  logging.OrNop(logger),
		store:   st,
		events:  events,
		metrics: defaultMetrics(),
		sem:     semaphore.NewWeighted(int64(config.Workers)),
		wake:    make(chan struct{}, 1),
	}
}

// Submit accepts a task and returns its identifier immediately. Dispatch
// happens later, once a permit frees up and the task reaches the head of its
// tier.
func (s *Scheduler) Submit(task *Task) (string, error) {
	if task == nil {
		return "", fmt.Errorf("scheduler: nil task")
	}
	if task.Name == "" {
		return "", fmt.Errorf("scheduler: task needs a name")
	}
	if task.Timeout <= 0 {
		task.Timeout = s.config.DefaultTimeout
	}
	if task.MaxRetries < 0 {
		task.MaxRetries = s.config.DefaultMaxRetries
	}

	task.ID = uuid.NewString()
	task.CreatedAt = time.Now()
	task.State = StatePending

	s.mu.Lock()
	task.seq = s.nextSeq
	s.nextSeq++
	heap.Push(&s.pending, task)
	depth := s.pending.Len()
	s.mu.Unlock()

	s.metrics.SetPending(depth)
	s.logger.Debug("scheduler: submitted %s %q tier=%s", task.ID, task.Name, task.Priority)
	s.signal()
	return task.ID, nil
}

// Run is the dispatch loop. It blocks until ctx is cancelled, then waits for
// in-flight tasks to drain.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler: running with %d workers", s.config.Workers)

	for {
		// The permit is claimed before the queue is consulted. Popping first
		// would commit the current head while a running task may still fail
		// and re-queue itself with an older creation time; acquiring first
		// means every pop sees the freshest queue.
		if err := s.sem.Acquire(ctx, 1); err != nil {
			s.wg.Wait()
			s.logger.Info("scheduler: stopped")
			return err
		}

		task := s.pop()
		for task == nil {
			select {
			case <-ctx.Done():
				s.sem.Release(1)
				s.wg.Wait()
				s.logger.Info("scheduler: stopped")
				return ctx.Err()
			case <-s.wake:
				task = s.pop()
			}
		}

		// Pure event: nothing to run, terminal on dispatch.
		if task.Handler == nil {
			s.sem.Release(1)
			s.record(task, "dispatched: pure event, completed immediately")
			s.finish(task, StateCompleted, "")
			continue
		}

		s.record(task, fmt.Sprintf("dispatched: tier=%s wait=%v attempt=%d",
			task.Priority, time.Since(task.CreatedAt).Round(time.Millisecond), task.RetryCount+1))
		s.metrics.IncDispatched(task.Priority.String())

		s.wg.Add(1)
		async.Go(s.logger, "scheduler-task", func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			s.execute(ctx, task)
		})
	}
}

// execute runs one dispatched task to an outcome.
func (s *Scheduler) execute(ctx context.Context, task *Task) {
	s.mu.Lock()
	task.State = StateRunning
	s.running++
	s.metrics.SetRunning(s.running)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running--
		s.metrics.SetRunning(s.running)
		s.mu.Unlock()
	}()

	runCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.runHandler(runCtx, task)
	}()

	// Timeout abandons the wait; the handler goroutine may keep running until
	// it notices runCtx on its own. There is no way to force-stop it.
	var err error
	timedOut := false
	select {
	case err = <-done:
		if err != nil && runCtx.Err() != nil {
			timedOut = true
		}
	case <-runCtx.Done():
		err = fmt.Errorf("task %q timed out after %v", task.Name, task.Timeout)
		timedOut = true
	}

	if err == nil {
		s.finish(task, StateCompleted, "")
		return
	}

	if task.RetryCount < task.MaxRetries {
		s.retry(task, err, timedOut)
		return
	}

	s.record(task, fmt.Sprintf("failed: retries exhausted (%d/%d): %v", task.RetryCount, task.MaxRetries, err))
	s.finish(task, StateFailed, err.Error())
	s.events.TaskFailed(*task)
}

// runHandler invokes the handler with panic containment.
func (s *Scheduler) runHandler(ctx context.Context, task *Task) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("scheduler: panic in task %q: %v", task.Name, rec)
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return task.Handler(ctx)
}

// retry re-queues a failed or timed-out task. The task keeps its original
// creation time and sequence number, so it re-enters the queue at the place
// its first attempt held.
func (s *Scheduler) retry(task *Task, cause error, timedOut bool) {
	state := StateFailed
	if timedOut {
		state = StateTimeout
	}

	s.mu.Lock()
	task.LastError = cause.Error()
	task.RetryCount++
	task.State = StateRetrying
	s.mu.Unlock()

	s.record(task, fmt.Sprintf("retry %d/%d after %s: %v", task.RetryCount, task.MaxRetries, state, cause))
	s.metrics.IncRetry(task.Priority.String())
	s.requeue(task)
}

func (s *Scheduler) requeue(task *Task) {
	s.mu.Lock()
	task.State = StatePending
	heap.Push(&s.pending, task)
	depth := s.pending.Len()
	s.mu.Unlock()
	s.metrics.SetPending(depth)
	s.signal()
}

// finish moves a task to its terminal state and into history.
func (s *Scheduler) finish(task *Task, state TaskState, lastError string) {
	s.mu.Lock()
	task.State = state
	if lastError != "" {
		task.LastError = lastError
	}
	s.completed = append(s.completed, task)
	if len(s.completed) > s.config.HistoryLimit {
		s.completed = s.completed[len(s.completed)-s.config.HistoryLimit:]
	}
	s.mu.Unlock()

	s.metrics.IncFinished(string(state))
	if s.store != nil {
		if err := s.store.Append(taskHistory, task); err != nil {
			s.logger.Warn("scheduler: append history: %v", err)
		}
	}
	s.logger.Info("scheduler: task %s %q %s", task.ID, task.Name, state)
}

// pop removes the most urgent pending task, or returns nil.
func (s *Scheduler) pop() *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Len() == 0 {
		return nil
	}
	task := heap.Pop(&s.pending).(*Task)
	s.metrics.SetPending(s.pending.Len())
	return task
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// record appends one decision log entry.
func (s *Scheduler) record(task *Task, reason string) {
	decision := Decision{
		Time:     time.Now(),
		TaskID:   task.ID,
		TaskName: task.Name,
		Priority: task.Priority.String(),
		Reason:   reason,
	}

	s.mu.Lock()
	s.decisions = append(s.decisions, decision)
	if len(s.decisions) > s.config.DecisionLimit {
		s.decisions = s.decisions[len(s.decisions)-s.config.DecisionLimit:]
	}
	s.mu.Unlock()

	if s.store != nil {
		if err := s.store.Append(decisionLog, decision); err != nil {
			s.logger.Warn("scheduler: append decision: %v", err)
		}
	}
}

// Decisions returns up to limit most recent decision entries, newest first.
func (s *Scheduler) Decisions(limit int) []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.decisions) {
		limit = len(s.decisions)
	}
	out := make([]Decision, 0, limit)
	for i := len(s.decisions) - 1; i >= len(s.decisions)-limit; i-- {
		out = append(out, s.decisions[i])
	}
	return out
}

// Completed returns up to limit most recent terminal tasks, newest first.
func (s *Scheduler) Completed(limit int) []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 || limit > len(s.completed) {
		limit = len(s.completed)
	}
	out := make([]Task, 0, limit)
	for i := len(s.completed) - 1; i >= len(s.completed)-limit; i-- {
		out = append(out, *s.completed[i])
	}
	return out
}

// PendingCount returns the number of tasks waiting for dispatch.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// RunningCount returns the number of tasks currently on a worker.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
