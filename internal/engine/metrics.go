package engine

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report engine activity.
type Metrics struct {
	executions *prometheus.HistogramVec
	skips      *prometheus.CounterVec
	duplicates prometheus.Counter
	deferred   prometheus.Counter
	queueDepth prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when the engine is instantiated
// multiple times (e.g. in unit tests).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller supplies a fresh registry when unique metric names are required
// (for example in tests). Any registration error panics, which mirrors the
// semantics of promauto helpers and surfaces configuration bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	executions := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "aegis",
			Subsystem: "engine",
			Name:      "action_duration_seconds",
			Help:      "Duration of executed actions by terminal status and risk.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status", "risk"},
	)
	skips := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Subsystem: "engine",
			Name:      "action_skips_total",
			Help:      "Actions refused before execution, by skip code.",
		},
		[]string{"code"},
	)
	duplicates := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Subsystem: "engine",
			Name:      "duplicate_enqueues_total",
			Help:      "Enqueue calls suppressed by the idempotency fingerprint.",
		},
	)
	deferred := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "aegis",
			Subsystem: "engine",
			Name:      "deferred_actions_total",
			Help:      "Medium-risk actions pushed to a later batch by the quota.",
		},
	)
	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "aegis",
			Subsystem: "engine",
			Name:      "queue_depth",
			Help:      "Number of non-terminal records in the queue.",
		},
	)

	collectors := []prometheus.Collector{executions, skips, duplicates, deferred, queueDepth}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch target := collector.(type) {
				case *prometheus.HistogramVec:
					executions = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					skips = already.ExistingCollector.(*prometheus.CounterVec)
				case prometheus.Gauge:
					queueDepth = already.ExistingCollector.(prometheus.Gauge)
				case prometheus.Counter:
					switch target {
					case duplicates:
						duplicates = already.ExistingCollector.(prometheus.Counter)
					case deferred:
						deferred = already.ExistingCollector.(prometheus.Counter)
					}
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		executions: executions,
		skips:      skips,
		duplicates: duplicates,
		deferred:   deferred,
		queueDepth: queueDepth,
	}
}

// ObserveExecution records the latency of an executed action.
func (m *Metrics) ObserveExecution(status string, risk string, duration time.Duration) {
	if m == nil || m.executions == nil {
		return
	}
	m.executions.WithLabelValues(status, risk).Observe(duration.Seconds())
}

// IncSkip counts a pre-execution refusal by its code.
func (m *Metrics) IncSkip(code string) {
	if m == nil || m.skips == nil {
		return
	}
	m.skips.WithLabelValues(code).Inc()
}

// IncDuplicate counts a suppressed duplicate enqueue.
func (m *Metrics) IncDuplicate() {
	if m == nil || m.duplicates == nil {
		return
	}
	m.duplicates.Inc()
}

// IncDeferred counts a medium-risk action deferred by the per-batch quota.
func (m *Metrics) IncDeferred() {
	if m == nil || m.deferred == nil {
		return
	}
	m.deferred.Inc()
}

// SetQueueDepth updates the queue depth gauge.
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil || m.queueDepth == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}
