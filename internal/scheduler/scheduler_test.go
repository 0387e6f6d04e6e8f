package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"aegis/internal/store"
)

type captureEvents struct {
	mu     sync.Mutex
	failed []Task
}

func (c *captureEvents) TaskFailed(task Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, task)
}

func (c *captureEvents) failures() []Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Task(nil), c.failed...)
}

// spans records handler start and end times by label.
type spans struct {
	mu     sync.Mutex
	starts map[string]time.Time
	ends   map[string]time.Time
	order  []string
}

func newSpans() *spans {
	return &spans{starts: make(map[string]time.Time), ends: make(map[string]time.Time)}
}

func (s *spans) handler(label string, hold time.Duration) Handler {
	return func(context.Context) error {
		s.mu.Lock()
		s.starts[label] = time.Now()
		s.order = append(s.order, label)
		s.mu.Unlock()
		time.Sleep(hold)
		s.mu.Lock()
		s.ends[label] = time.Now()
		s.mu.Unlock()
		return nil
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func startScheduler(t *testing.T, s *Scheduler) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Run(ctx) }()
	return cancel
}

func TestPureEventCompletesOnDispatch(t *testing.T) {
	s := New(Config{Workers: 1}, store.NewMemStore(), nil, nil)
	cancel := startScheduler(t, s)
	defer cancel()

	id, err := s.Submit(&Task{Name: "event", Priority: PriorityP0})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(s.Completed(0)) == 1 })
	done := s.Completed(0)[0]
	if done.ID != id || done.State != StateCompleted {
		t.Fatalf("task = %+v, want completed %s", done, id)
	}
}

func TestDispatchOrderAcrossTiers(t *testing.T) {
	s := New(Config{Workers: 1}, store.NewMemStore(), nil, nil)
	sp := newSpans()

	if _, err := s.Submit(&Task{Name: "p2", Priority: PriorityP2, Handler: sp.handler("p2", 200*time.Millisecond)}); err != nil {
		t.Fatalf("Submit p2: %v", err)
	}
	if _, err := s.Submit(&Task{Name: "p1", Priority: PriorityP1, Handler: sp.handler("p1", 200*time.Millisecond)}); err != nil {
		t.Fatalf("Submit p1: %v", err)
	}
	if _, err := s.Submit(&Task{Name: "p0", Priority: PriorityP0}); err != nil {
		t.Fatalf("Submit p0: %v", err)
	}

	cancel := startScheduler(t, s)
	defer cancel()

	waitFor(t, 3*time.Second, func() bool { return len(s.Completed(0)) == 3 })

	completed := s.Completed(0)
	// Newest first: p2 last to finish, p0 first.
	if completed[2].Name != "p0" {
		t.Fatalf("first completion = %s, want p0", completed[2].Name)
	}

	sp.mu.Lock()
	defer sp.mu.Unlock()
	if len(sp.order) != 2 || sp.order[0] != "p1" || sp.order[1] != "p2" {
		t.Fatalf("handler start order = %v, want [p1 p2]", sp.order)
	}
	if sp.starts["p2"].Before(sp.ends["p1"]) {
		t.Fatal("p2 started before p1 finished despite a single worker")
	}
}

func TestRetryExhaustionIsTerminal(t *testing.T) {
	events := &captureEvents{}
	s := New(Config{Workers: 1}, store.NewMemStore(), events, nil)
	cancel := startScheduler(t, s)
	defer cancel()

	var mu sync.Mutex
	attempts := 0
	id, err := s.Submit(&Task{
		Name:       "always-fails",
		Priority:   PriorityP1,
		MaxRetries: 2,
		Handler: func(context.Context) error {
			mu.Lock()
			attempts++
			mu.Unlock()
			return fmt.Errorf("nope")
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 3*time.Second, func() bool { return len(s.Completed(0)) == 1 })

	done := s.Completed(0)[0]
	if done.ID != id || done.State != StateFailed {
		t.Fatalf("task = %+v, want failed %s", done, id)
	}
	if done.RetryCount != 2 {
		t.Fatalf("retry count = %d, want 2", done.RetryCount)
	}

	mu.Lock()
	got := attempts
	mu.Unlock()
	if got != 3 {
		t.Fatalf("handler ran %d times, want 3 (initial + 2 retries)", got)
	}

	failures := events.failures()
	if len(failures) != 1 || failures[0].ID != id {
		t.Fatalf("failure events = %v, want exactly one for %s", failures, id)
	}
}

func TestTimeoutCountsAsFailure(t *testing.T) {
	s := New(Config{Workers: 1}, store.NewMemStore(), nil, nil)
	cancel := startScheduler(t, s)
	defer cancel()

	id, err := s.Submit(&Task{
		Name:       "stuck",
		Priority:   PriorityP0,
		Timeout:    50 * time.Millisecond,
		MaxRetries: 0,
		Handler: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(s.Completed(0)) == 1 })
	done := s.Completed(0)[0]
	if done.ID != id || done.State != StateFailed {
		t.Fatalf("task = %+v, want failed after timeout", done)
	}
}

func TestRetryKeepsOriginalQueuePosition(t *testing.T) {
	// Ordering property checked directly on the heap: a retried task carries
	// its original creation time and sequence, so it outranks anything that
	// arrived after its first attempt.
	now := time.Now()
	var h taskHeap
	heap.Init(&h)

	retried := &Task{Name: "retried", Priority: PriorityP1, CreatedAt: now, RetryCount: 1, seq: 0}
	newer := &Task{Name: "newer", Priority: PriorityP1, CreatedAt: now.Add(50 * time.Millisecond), seq: 1}
	heap.Push(&h, newer)
	heap.Push(&h, retried)

	if first := heap.Pop(&h).(*Task); first.Name != "retried" {
		t.Fatalf("first pop = %s, want the retried task", first.Name)
	}

	// A P0 newcomer still beats an older P1.
	heap.Push(&h, &Task{Name: "urgent", Priority: PriorityP0, CreatedAt: now.Add(time.Second), seq: 2})
	if first := heap.Pop(&h).(*Task); first.Name != "urgent" {
		t.Fatalf("first pop = %s, want the P0 task", first.Name)
	}
}

func TestDecisionLogExplainsDispatch(t *testing.T) {
	memStore := store.NewMemStore()
	s := New(Config{Workers: 1}, memStore, nil, nil)
	cancel := startScheduler(t, s)
	defer cancel()

	if _, err := s.Submit(&Task{Name: "logged", Priority: PriorityP1, Handler: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitFor(t, time.Second, func() bool { return len(s.Completed(0)) == 1 })

	decisions := s.Decisions(0)
	if len(decisions) == 0 {
		t.Fatal("no decisions recorded")
	}
	if decisions[len(decisions)-1].TaskName != "logged" {
		t.Fatalf("decision = %+v, want entry for the dispatched task", decisions[len(decisions)-1])
	}

	// The decision log also lands in the persistent audit trail.
	records := 0
	if err := memStore.Scan("scheduler_decisions", func([]byte) error {
		records++
		return nil
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if records == 0 {
		t.Fatal("decision log was not persisted")
	}
}

func TestPanicInHandlerIsContained(t *testing.T) {
	s := New(Config{Workers: 1}, store.NewMemStore(), nil, nil)
	cancel := startScheduler(t, s)
	defer cancel()

	id, err := s.Submit(&Task{
		Name:       "panics",
		Priority:   PriorityP1,
		MaxRetries: 0,
		Handler:    func(context.Context) error { panic("boom") },
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(s.Completed(0)) == 1 })
	done := s.Completed(0)[0]
	if done.ID != id || done.State != StateFailed {
		t.Fatalf("task = %+v, want failed after panic", done)
	}
}
