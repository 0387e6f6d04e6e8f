package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"

	"aegis/internal/logging"
	"aegis/internal/playbook"
)

// ShellExecutor runs command actions through the system shell. The action
// target is the command line; params become environment variables so
// playbooks can parameterize a command without string splicing.
type ShellExecutor struct {
	logger logging.Logger
	shell  string
}

// NewShellExecutor creates a shell executor using /bin/sh.
func NewShellExecutor(logger logging.Logger) *ShellExecutor {
	return &ShellExecutor{logger: logging.OrNop(logger), shell: "/bin/sh"}
}

// Execute implements Executor.
func (e *ShellExecutor) Execute(ctx context.Context, action playbook.Action) (string, error) {
	cmd := exec.CommandContext(ctx, e.shell, "-c", action.Target)
	cmd.Env = append(os.Environ(), paramEnv(action.Params)...)

	e.logger.Debug("shell: running %q", action.Target)
	output, err := cmd.CombinedOutput()
	detail := strings.TrimSpace(string(output))

	if ctx.Err() != nil {
		// CommandContext kills the process on deadline; surface the timeout
		// rather than the kill signal.
		return detail, fmt.Errorf("command timed out: %w", ctx.Err())
	}
	if err != nil {
		return detail, fmt.Errorf("command failed: %w", err)
	}
	return detail, nil
}

// paramEnv renders params as AEGIS_PARAM_<KEY>=<value> pairs, sorted so the
// environment is deterministic.
func paramEnv(params map[string]string) []string {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, key := range keys {
		name := "AEGIS_PARAM_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))
		env = append(env, name+"="+params[key])
	}
	return env
}
