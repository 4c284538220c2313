package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CoordinatorMetrics tracks loan request attempts end to end.
type CoordinatorMetrics struct {
	requests   *prometheus.CounterVec
	dispatch   *prometheus.HistogramVec
	slots      *prometheus.GaugeVec
	polls      *prometheus.CounterVec
	retries    *prometheus.CounterVec
	lockWait   prometheus.Histogram
	dispatched *prometheus.CounterVec
}

var (
	coordinatorMetricsOnce sync.Once
	coordinatorRegistry    *CoordinatorMetrics
)

// Coordinator returns the lazily-initialised coordinator metrics registry.
func Coordinator() *CoordinatorMetrics {
	coordinatorMetricsOnce.Do(func() {
		coordinatorRegistry = &CoordinatorMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crossloan",
				Subsystem: "coordinator",
				Name:      "requests_total",
				Help:      "Request attempts segmented by kind and terminal outcome.",
			}, []string{"kind", "outcome"}),
			dispatch: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "crossloan",
				Subsystem: "coordinator",
				Name:      "dispatch_seconds",
				Help:      "Latency of outbound relay calls.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			}, []string{"result"}),
			slots: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "crossloan",
				Subsystem: "coordinator",
				Name:      "dispatch_slots",
				Help:      "Dispatch deduplication slots by state.",
			}, []string{"state"}),
			polls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crossloan",
				Subsystem: "coordinator",
				Name:      "reconcile_polls_total",
				Help:      "Reconciler polls segmented by observed outcome.",
			}, []string{"outcome"}),
			retries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crossloan",
				Subsystem: "coordinator",
				Name:      "retries_total",
				Help:      "Retried operations segmented by stage.",
			}, []string{"stage"}),
			lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "crossloan",
				Subsystem: "coordinator",
				Name:      "account_lock_wait_seconds",
				Help:      "Time spent waiting for the per-account exclusion.",
				Buckets:   prometheus.DefBuckets,
			}),
			dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "crossloan",
				Subsystem: "coordinator",
				Name:      "dispatch_results_total",
				Help:      "Dispatch calls segmented by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(
			coordinatorRegistry.requests,
			coordinatorRegistry.dispatch,
			coordinatorRegistry.slots,
			coordinatorRegistry.polls,
			coordinatorRegistry.retries,
			coordinatorRegistry.lockWait,
			coordinatorRegistry.dispatched,
		)
	})
	return coordinatorRegistry
}

// RecordOutcome counts a request reaching a terminal state.
func (m *CoordinatorMetrics) RecordOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(label(kind), label(outcome)).Inc()
}

// ObserveDispatch records an outbound relay call.
func (m *CoordinatorMetrics) ObserveDispatch(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatch.WithLabelValues(label(result)).Observe(d.Seconds())
	m.dispatched.WithLabelValues(label(result)).Inc()
}

// SetSlots publishes the dispatcher's slot counts.
func (m *CoordinatorMetrics) SetSlots(inFlight, unknown, dispatched int) {
	if m == nil {
		return
	}
	m.slots.WithLabelValues("in_flight").Set(float64(inFlight))
	m.slots.WithLabelValues("unknown").Set(float64(unknown))
	m.slots.WithLabelValues("dispatched").Set(float64(dispatched))
}

// RecordPoll counts one reconciler observation.
func (m *CoordinatorMetrics) RecordPoll(outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(label(outcome)).Inc()
}

// RecordRetry counts a retried stage.
func (m *CoordinatorMetrics) RecordRetry(stage string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(label(stage)).Inc()
}

// ObserveLockWait records how long an attempt waited for its account.
func (m *CoordinatorMetrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.Observe(d.Seconds())
}

func label(value string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
