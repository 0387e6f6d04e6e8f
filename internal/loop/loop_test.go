package loop

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"aegis/internal/alert"
	"aegis/internal/config"
	"aegis/internal/scheduler"
)

const loopPlaybooks = `
playbooks:
  - id: ack-anything
    match:
      min_severity: info
    actions:
      - kind: tool
        target: noop
        risk: low
`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	playbookPath := filepath.Join(dir, "playbooks.yaml")
	require.NoError(t, os.WriteFile(playbookPath, []byte(loopPlaybooks), 0o644))

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.Playbooks.Path = playbookPath
	cfg.Engine.DrainInterval = time.Second
	return cfg
}

func TestNewWiresEverything(t *testing.T) {
	cfg := testConfig(t)
	l, err := New(cfg, nil)
	require.NoError(t, err)

	require.Equal(t, 1, l.Library().Len())
	require.Equal(t, 0, l.Engine().QueueDepth())
	require.NotNil(t, l.Reactor())
	require.NotNil(t, l.Scheduler())
}

func TestNewFailsOnBrokenPlaybooks(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.Playbooks.Path, []byte("playbooks: ["), 0o644))

	_, err := New(cfg, nil)
	require.Error(t, err)
}

func TestSubmitReactsThroughScheduler(t *testing.T) {
	cfg := testConfig(t)
	l, err := New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	id, err := l.Submit(alert.Alert{
		ID:        "a-1",
		Severity:  alert.SeverityCrit,
		Message:   "service down",
		Source:    "test",
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Eventually(t, func() bool {
		done := l.Scheduler().Completed(0)
		return len(done) == 1 && done[0].ID == id
	}, 3*time.Second, 10*time.Millisecond)

	done := l.Scheduler().Completed(0)[0]
	require.Equal(t, scheduler.StateCompleted, done.State)
	require.Equal(t, scheduler.PriorityP0, done.Priority)
}

func TestSubmitRejectsInvalidAlert(t *testing.T) {
	cfg := testConfig(t)
	l, err := New(cfg, nil)
	require.NoError(t, err)

	_, err = l.Submit(alert.Alert{Severity: alert.SeverityInfo})
	require.Error(t, err)
}

func TestSeverityTierMapping(t *testing.T) {
	require.Equal(t, scheduler.PriorityP0, severityTier(alert.SeverityCrit))
	require.Equal(t, scheduler.PriorityP1, severityTier(alert.SeverityWarn))
	require.Equal(t, scheduler.PriorityP2, severityTier(alert.SeverityInfo))
}
