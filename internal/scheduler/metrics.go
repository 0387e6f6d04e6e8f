package scheduler

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report scheduler activity.
type Metrics struct {
	dispatched *prometheus.CounterVec
	finished   *prometheus.CounterVec
	retries    *prometheus.CounterVec
	pending    prometheus.Gauge
	running    prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer,
// reusing collectors that are already registered. Registration errors other
// than duplicates panic.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	dispatched := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Subsystem: "scheduler",
			Name:      "tasks_dispatched_total",
			Help:      "Tasks handed to a worker, by priority tier.",
		},
		[]string{"tier"},
	)
	finished := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Subsystem: "scheduler",
			Name:      "tasks_finished_total",
			Help:      "Tasks reaching a terminal state, by state.",
		},
		[]string{"state"},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Subsystem: "scheduler",
			Name:      "task_retries_total",
			Help:      "Task re-queues after failure or timeout, by tier.",
		},
		[]string{"tier"},
	)
	pending := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aegis",
			Subsystem: "scheduler",
			Name:      "tasks_pending",
			Help:      "Tasks waiting for dispatch.",
		},
	)
	running := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aegis",
			Subsystem: "scheduler",
			Name:      "tasks_running",
			Help:      "Tasks currently occupying a worker.",
		},
	)

	collectors := []prometheus.Collector{dispatched, finished, retries, pending, running}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.CounterVec:
					switch target {
					case dispatched:
						dispatched = already.ExistingCollector.(*prometheus.CounterVec)
					case finished:
						finished = already.ExistingCollector.(*prometheus.CounterVec)
					case retries:
						retries = already.ExistingCollector.(*prometheus.CounterVec)
					}
				case prometheus.Gauge:
					switch target {
					case pending:
						pending = already.ExistingCollector.(prometheus.Gauge)
					case running:
						running = already.ExistingCollector.(prometheus.Gauge)
					}
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		dispatched: dispatched,
		finished:   finished,
		retries:    retries,
		pending:    pending,
		running:    running,
	}
}

// IncDispatched counts a dispatch for the given tier.
func (m *Metrics) IncDispatched(tier string) {
	if m == nil || m.dispatched == nil {
		return
	}
	m.dispatched.WithLabelValues(tier).Inc()
}

// IncFinished counts a terminal outcome.
func (m *Metrics) IncFinished(state string) {
	if m == nil || m.finished == nil {
		return
	}
	m.finished.WithLabelValues(state).Inc()
}

// IncRetry counts a re-queue for the given tier.
func (m *Metrics) IncRetry(tier string) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.WithLabelValues(tier).Inc()
}

// SetPending updates the pending depth gauge.
func (m *Metrics) SetPending(depth int) {
	if m == nil || m.pending == nil {
		return
	}
	m.pending.Set(float64(depth))
}

// SetRunning updates the running tasks gauge.
func (m *Metrics) SetRunning(count int) {
	if m == nil || m.running == nil {
		return
	}
	m.running.Set(float64(count))
}
