package executor

import (
	"context"
	"fmt"
	"time"

	"aegis/internal/logging"
	"aegis/internal/playbook"
)

// Outcome is the result of one action execution attempt: a success flag,
// free-text detail (stdout, response body, or error text, truncated), and
// the observed latency.
type Outcome struct {
	Success bool
	Detail  string
	Latency time.Duration
}

// Executor runs one kind of action. Implementations return the raw detail
// text and an error; the registry folds both into an Outcome.
type Executor interface {
	Execute(ctx context.Context, action playbook.Action) (string, error)
}

// maxDetailLen bounds the detail text stored on records.
const maxDetailLen = 2000

// DefaultTimeout applies to actions that do not declare their own.
const DefaultTimeout = 30 * time.Second

// Registry dispatches actions to the executor registered for their kind.
// The set of kinds is small and closed; a lookup table keeps dispatch flat
// while leaving room for new kinds.
type Registry struct {
	executors map[string]Executor
	logger    logging.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger logging.Logger) *Registry {
	return &Registry{
		executors: make(map[string]Executor),
		logger:    logging.OrNop(logger),
	}
}

// NewDefaultRegistry wires the three standard executors.
func NewDefaultRegistry(logger logging.Logger) *Registry {
	registry := NewRegistry(logger)
	registry.Register(playbook.KindCommand, NewShellExecutor(logger))
	registry.Register(playbook.KindHTTP, NewHTTPExecutor(logger))
	registry.Register(playbook.KindTool, NewToolExecutor(logger))
	return registry
}

// Register binds an executor to an action kind, replacing any previous one.
func (r *Registry) Register(kind string, executor Executor) {
	r.executors[kind] = executor
}

// Tool returns the registered tool executor, if any, so callers can add
// in-process tools after construction.
func (r *Registry) Tool() *ToolExecutor {
	if tool, ok := r.executors[playbook.KindTool].(*ToolExecutor); ok {
		return tool
	}
	return nil
}

// Execute runs the action under its own timeout and returns the outcome.
// A panic inside an executor is an internal error: it is recovered, logged,
// and reported as a failed outcome rather than crashing the process.
func (r *Registry) Execute(ctx context.Context, action playbook.Action) (outcome Outcome) {
	start := time.Now()

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("executor panic for %s %q: %v", action.Kind, action.Target, rec)
			outcome = Outcome{
				Success: false,
				Detail:  Truncate(fmt.Sprintf("internal error: %v", rec)),
				Latency: time.Since(start),
			}
		}
	}()

	executor, ok := r.executors[action.Kind]
	if !ok {
		return Outcome{
			Success: false,
			Detail:  fmt.Sprintf("no executor registered for kind %q", action.Kind),
			Latency: time.Since(start),
		}
	}

	timeout := action.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	detail, err := executor.Execute(execCtx, action)
	latency := time.Since(start)

	if err != nil {
		text := err.Error()
		if detail != "" {
			text = detail + ": " + text
		}
		return Outcome{Success: false, Detail: Truncate(text), Latency: latency}
	}
	return Outcome{Success: true, Detail: Truncate(detail), Latency: latency}
}

// Truncate bounds detail text for storage.
func Truncate(text string) string {
	if len(text) <= maxDetailLen {
		return text
	}
	return text[:maxDetailLen] + "... (truncated)"
}
