package executor

import (
	"context"
	"fmt"
	"sync"

	"aegis/internal/logging"
	"aegis/internal/playbook"
)

// ToolFunc is an in-process remediation tool. It receives the action params
// and returns free-text detail.
type ToolFunc func(ctx context.Context, params map[string]string) (string, error)

// ToolExecutor invokes in-process tools by name. The action target selects
// the tool.
type ToolExecutor struct {
	mu     sync.RWMutex
	tools  map[string]ToolFunc
	logger logging.Logger
}

// NewToolExecutor creates a tool executor with the builtin no-op tool
// registered (useful for playbooks that only want to exercise the pipeline).
func NewToolExecutor(logger logging.Logger) *ToolExecutor {
	executor := &ToolExecutor{
		tools:  make(map[string]ToolFunc),
		logger: logging.OrNop(logger),
	}
	executor.Register("noop", func(context.Context, map[string]string) (string, error) {
		return "noop", nil
	})
	return executor
}

// Register binds a tool name, replacing any previous binding.
func (e *ToolExecutor) Register(name string, fn ToolFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[name] = fn
}

// Execute implements Executor.
func (e *ToolExecutor) Execute(ctx context.Context, action playbook.Action) (string, error) {
	e.mu.RLock()
	fn, ok := e.tools[action.Target]
	e.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown tool %q", action.Target)
	}

	e.logger.Debug("tool: invoking %q", action.Target)
	type result struct {
		detail string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		detail, err := fn(ctx, action.Params)
		done <- result{detail: detail, err: err}
	}()

	// Tools are expected to honor ctx, but a stuck tool must not wedge the
	// engine: the deadline abandons the wait. The goroutine may keep running;
	// there is no way to force-stop it.
	select {
	case res := <-done:
		return res.detail, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("tool %q timed out: %w", action.Target, ctx.Err())
	}
}
