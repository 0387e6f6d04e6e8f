package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// TaskState is the lifecycle state of a scheduled task.
type TaskState string

const (
	StatePending   TaskState = "pending"
	StateRunning   TaskState = "running"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateTimeout   TaskState = "timeout"
	StateRetrying  TaskState = "retrying"
)

// IsTerminal reports whether the task will never be dispatched again.
// Timeout is not terminal on its own: it either converts to a retry or is
// absorbed into failed once retries run out.
func (s TaskState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// TaskPriority is the urgency tier. Lower value dispatches first.
type TaskPriority int

const (
	PriorityP0 TaskPriority = iota
	PriorityP1
	PriorityP2
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityP0:
		return "P0"
	case PriorityP1:
		return "P1"
	case PriorityP2:
		return "P2"
	default:
		return fmt.Sprintf("P%d", int(p))
	}
}

// ParseTaskPriority maps a tier name ("p0", "P1", ...) to a TaskPriority.
func ParseTaskPriority(value string) (TaskPriority, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "P0":
		return PriorityP0, nil
	case "", "P1":
		return PriorityP1, nil
	case "P2":
		return PriorityP2, nil
	default:
		return PriorityP1, fmt.Errorf("unknown priority tier %q", value)
	}
}

// Handler is the work a task performs when dispatched. A nil handler marks a
// pure event: the task completes immediately without occupying a worker.
type Handler func(ctx context.Context) error

// Task is the scheduler's unit of work. Submitters fill Name, Priority,
// Handler, and optionally Timeout and MaxRetries; the scheduler owns the rest
// for the task's lifetime.
type Task struct {
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	Priority   TaskPriority  `json:"priority"`
	Handler    Handler       `json:"-"`
	Timeout    time.Duration `json:"timeout_ns,omitempty"`
	MaxRetries int           `json:"max_retries"`
	CreatedAt  time.Time     `json:"created_at"`
	RetryCount int           `json:"retry_count"`
	State      TaskState     `json:"state"`
	LastError  string        `json:"last_error,omitempty"`

	// seq breaks ties between tasks sharing a tier and creation time. It is
	// assigned once at first submission and survives retries, so a retried
	// task keeps its original place in line.
	seq uint64
}

// taskHeap orders pending tasks by tier, then earliest creation, then
// submission order. It implements container/heap.Interface.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if !h[i].CreatedAt.Equal(h[j].CreatedAt) {
		return h[i].CreatedAt.Before(h[j].CreatedAt)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	task := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return task
}
