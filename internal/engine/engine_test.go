package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"aegis/internal/executor"
	"aegis/internal/guardrail"
	"aegis/internal/playbook"
	"aegis/internal/store"
)

type captureNotifier struct {
	mu     sync.Mutex
	events []Notification
}

func (c *captureNotifier) Notify(_ context.Context, event Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureNotifier) kinds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	kinds := make([]string, 0, len(c.events))
	for _, event := range c.events {
		kinds = append(kinds, event.Kind)
	}
	return kinds
}

type testHarness struct {
	engine   *Engine
	store    *store.MemStore
	notifier *captureNotifier
	calls    *callLog
}

type callLog struct {
	mu      sync.Mutex
	targets []string
}

func (l *callLog) record(target string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.targets = append(l.targets, target)
}

func (l *callLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.targets...)
}

func newTestHarness(t *testing.T, config Config) *testHarness {
	t.Helper()

	calls := &callLog{}
	registry := executor.NewRegistry(nil)
	tools := executor.NewToolExecutor(nil)
	tools.Register("ok", func(_ context.Context, params map[string]string) (string, error) {
		calls.record("ok:" + params["id"])
		return "done", nil
	})
	tools.Register("fail", func(_ context.Context, params map[string]string) (string, error) {
		calls.record("fail:" + params["id"])
		return "", fmt.Errorf("boom")
	})
	registry.Register(playbook.KindTool, tools)

	memStore := store.NewMemStore()
	notifier := &captureNotifier{}
	guardrails := guardrail.New(guardrail.Config{}, nil)

	eng, err := New(config, memStore, guardrails, registry, notifier, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testHarness{engine: eng, store: memStore, notifier: notifier, calls: calls}
}

func toolAction(target, id string, risk playbook.RiskLevel) playbook.Action {
	return playbook.Action{
		Kind:   playbook.KindTool,
		Target: target,
		Params: map[string]string{"id": id},
		Risk:   risk,
	}
}

func TestEnqueueIsIdempotent(t *testing.T) {
	h := newTestHarness(t, Config{})

	action := toolAction("ok", "a", playbook.RiskLow)
	first := h.engine.Enqueue(action, EnqueueOptions{})
	if first == nil {
		t.Fatal("first enqueue returned nil")
	}
	if second := h.engine.Enqueue(action, EnqueueOptions{}); second != nil {
		t.Fatalf("duplicate enqueue created record %s", second.ID)
	}
	if depth := h.engine.QueueDepth(); depth != 1 {
		t.Fatalf("queue depth = %d, want 1", depth)
	}

	// Different params mean a different occurrence.
	if other := h.engine.Enqueue(toolAction("ok", "b", playbook.RiskLow), EnqueueOptions{}); other == nil {
		t.Fatal("distinct action was suppressed")
	}
	if depth := h.engine.QueueDepth(); depth != 2 {
		t.Fatalf("queue depth = %d, want 2", depth)
	}
}

func TestFingerprintIgnoresParamOrder(t *testing.T) {
	a := playbook.Action{Kind: playbook.KindTool, Target: "ok", Params: map[string]string{"x": "1", "y": "2"}}
	b := playbook.Action{Kind: playbook.KindTool, Target: "ok", Params: map[string]string{"y": "2", "x": "1"}}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("fingerprint depends on map iteration order")
	}
	if got := len(Fingerprint(a)); got != 16 {
		t.Fatalf("fingerprint length = %d, want 16", got)
	}
	c := playbook.Action{Kind: playbook.KindTool, Target: "ok", Params: map[string]string{"x": "1", "y": "3"}}
	if Fingerprint(a) == Fingerprint(c) {
		t.Fatal("fingerprint ignores parameter values")
	}
}

func TestRunBatchRespectsPriority(t *testing.T) {
	h := newTestHarness(t, Config{})

	h.engine.Enqueue(toolAction("ok", "low", playbook.RiskLow), EnqueueOptions{Priority: PriorityLow})
	h.engine.Enqueue(toolAction("ok", "normal", playbook.RiskLow), EnqueueOptions{Priority: PriorityNormal})
	h.engine.Enqueue(toolAction("ok", "urgent", playbook.RiskLow), EnqueueOptions{Priority: PriorityHigh})

	results := h.engine.RunBatch(context.Background(), 0)
	if len(results) != 3 {
		t.Fatalf("processed %d records, want 3", len(results))
	}
	want := []string{"ok:urgent", "ok:normal", "ok:low"}
	got := h.calls.list()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("execution order = %v, want %v", got, want)
		}
	}
	if depth := h.engine.QueueDepth(); depth != 0 {
		t.Fatalf("queue depth = %d after drain, want 0", depth)
	}
}

func TestHighRiskIsDeferredForApproval(t *testing.T) {
	h := newTestHarness(t, Config{})

	record := h.engine.Enqueue(toolAction("ok", "hot", playbook.RiskHigh), EnqueueOptions{})
	results := h.engine.RunBatch(context.Background(), 0)

	if len(results) != 1 {
		t.Fatalf("processed %d records, want 1", len(results))
	}
	got := results[0]
	if got.Status != StatusSkipped {
		t.Fatalf("status = %s, want skipped", got.Status)
	}
	if got.SkipCode != SkipCodeNeedsApproval {
		t.Fatalf("skip code = %q, want %q", got.SkipCode, SkipCodeNeedsApproval)
	}
	if !strings.Contains(got.Detail, "approval") {
		t.Fatalf("detail %q does not mention approval", got.Detail)
	}
	if !got.StartedAt.IsZero() {
		t.Fatal("high-risk record reached executing")
	}
	if len(h.calls.list()) != 0 {
		t.Fatal("high-risk action was executed")
	}

	kinds := h.notifier.kinds()
	if len(kinds) != 1 || kinds[0] != NotifyHighDeferred {
		t.Fatalf("notifications = %v, want [%s]", kinds, NotifyHighDeferred)
	}

	pending := h.engine.PendingApprovals()
	if len(pending) != 1 || pending[0].ID != record.ID {
		t.Fatalf("pending approvals = %v, want record %s", pending, record.ID)
	}
}

func TestApproveResubmitsHighRisk(t *testing.T) {
	h := newTestHarness(t, Config{})

	original := h.engine.Enqueue(toolAction("ok", "hot", playbook.RiskHigh), EnqueueOptions{})
	h.engine.RunBatch(context.Background(), 0)

	resubmitted, err := h.engine.Approve(original.ID)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if resubmitted.ID == original.ID {
		t.Fatal("approval reused the original record id")
	}
	if !resubmitted.Approved {
		t.Fatal("resubmitted record is not marked approved")
	}

	results := h.engine.RunBatch(context.Background(), 0)
	if len(results) != 1 || results[0].Status != StatusSucceeded {
		t.Fatalf("approved record did not execute: %+v", results)
	}

	// The original stays in history but no longer counts as pending.
	if pending := h.engine.PendingApprovals(); len(pending) != 0 {
		t.Fatalf("pending approvals = %d after resubmit, want 0", len(pending))
	}
	if _, err := h.engine.Approve(original.ID); err == nil {
		t.Fatal("second approval of the same record succeeded")
	}
}

func TestMediumQuotaDefersOverflow(t *testing.T) {
	h := newTestHarness(t, Config{MediumPerBatch: 1})

	h.engine.Enqueue(toolAction("ok", "m1", playbook.RiskMedium), EnqueueOptions{})
	h.engine.Enqueue(toolAction("ok", "m2", playbook.RiskMedium), EnqueueOptions{})

	results := h.engine.RunBatch(context.Background(), 0)
	if len(results) != 1 {
		t.Fatalf("first batch processed %d records, want 1", len(results))
	}
	if results[0].Status != StatusSucceeded {
		t.Fatalf("first medium record status = %s", results[0].Status)
	}
	if depth := h.engine.QueueDepth(); depth != 1 {
		t.Fatalf("queue depth = %d after first batch, want 1 deferred", depth)
	}

	kinds := h.notifier.kinds()
	if len(kinds) != 1 || kinds[0] != NotifyMediumExecuted {
		t.Fatalf("notifications = %v, want one %s", kinds, NotifyMediumExecuted)
	}

	results = h.engine.RunBatch(context.Background(), 0)
	if len(results) != 1 || results[0].Status != StatusSucceeded {
		t.Fatalf("deferred record did not run in the next batch: %+v", results)
	}
}

func TestGuardrailCooldownSkipsRepeat(t *testing.T) {
	h := newTestHarness(t, Config{})

	action := toolAction("ok", "repeat", playbook.RiskLow)
	h.engine.Enqueue(action, EnqueueOptions{})
	results := h.engine.RunBatch(context.Background(), 0)
	if len(results) != 1 || results[0].Status != StatusSucceeded {
		t.Fatalf("first run: %+v", results)
	}

	// The record is terminal now, so a second enqueue is a new occurrence,
	// but the per-signature cooldown refuses to run it again so soon.
	if record := h.engine.Enqueue(action, EnqueueOptions{}); record == nil {
		t.Fatal("re-enqueue after terminal was suppressed")
	}
	results = h.engine.RunBatch(context.Background(), 0)
	if len(results) != 1 {
		t.Fatalf("second batch processed %d records, want 1", len(results))
	}
	if results[0].Status != StatusSkipped || results[0].SkipCode != guardrail.SkipCodeCooldown {
		t.Fatalf("second run = %s (%s), want skipped with cooldown", results[0].Status, results[0].SkipCode)
	}
}

func TestFailedExecutionIsRecorded(t *testing.T) {
	h := newTestHarness(t, Config{})

	h.engine.Enqueue(toolAction("fail", "f1", playbook.RiskLow), EnqueueOptions{})
	results := h.engine.RunBatch(context.Background(), 0)
	if len(results) != 1 {
		t.Fatalf("processed %d records, want 1", len(results))
	}
	got := results[0]
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Detail, "boom") {
		t.Fatalf("detail %q does not carry the error", got.Detail)
	}
	if got.Latency <= 0 {
		t.Fatal("latency was not measured")
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	h := newTestHarness(t, Config{})

	h.engine.Enqueue(toolAction("ok", "first", playbook.RiskLow), EnqueueOptions{})
	h.engine.RunBatch(context.Background(), 0)
	h.engine.Enqueue(toolAction("ok", "second", playbook.RiskLow), EnqueueOptions{})
	h.engine.RunBatch(context.Background(), 0)

	history := h.engine.History(0)
	if len(history) != 2 {
		t.Fatalf("history length = %d, want 2", len(history))
	}
	if history[0].Action.Params["id"] != "second" {
		t.Fatalf("history[0] = %s, want the most recent record", history[0].Action.Params["id"])
	}

	if limited := h.engine.History(1); len(limited) != 1 {
		t.Fatalf("History(1) returned %d records", len(limited))
	}
}

func TestRestoreRecoversQueueAndHistory(t *testing.T) {
	h := newTestHarness(t, Config{})

	h.engine.Enqueue(toolAction("ok", "done", playbook.RiskLow), EnqueueOptions{})
	h.engine.RunBatch(context.Background(), 0)
	queued := h.engine.Enqueue(toolAction("ok", "waiting", playbook.RiskLow), EnqueueOptions{})

	registry := executor.NewRegistry(nil)
	registry.Register(playbook.KindTool, executor.NewToolExecutor(nil))
	restored, err := New(Config{}, h.store, guardrail.New(guardrail.Config{}, nil), registry, nil, nil)
	if err != nil {
		t.Fatalf("New after restart: %v", err)
	}

	if depth := restored.QueueDepth(); depth != 1 {
		t.Fatalf("restored queue depth = %d, want 1", depth)
	}
	if got := restored.Queue(); got[0].ID != queued.ID {
		t.Fatalf("restored record = %s, want %s", got[0].ID, queued.ID)
	}
	if history := restored.History(0); len(history) != 1 {
		t.Fatalf("restored history length = %d, want 1", len(history))
	}

	// A duplicate of the still-queued action stays suppressed after restart.
	if again := restored.Enqueue(toolAction("ok", "waiting", playbook.RiskLow), EnqueueOptions{}); again != nil {
		t.Fatal("restored queue lost the idempotency fingerprint")
	}
}
