package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RouterMetrics captures Prometheus collectors for swap router activity.
type RouterMetrics struct {
	operationsStarted  prometheus.Counter
	operationsSettled  prometheus.Counter
	operationsAborted  *prometheus.CounterVec
	continuationsStale prometheus.Counter
	stepsIssued        prometheus.Counter
	settlementLatency  prometheus.Histogram
}

var (
	routerMetricsOnce sync.Once
	routerRegistry    *RouterMetrics
)

// Router returns the lazily-initialised metrics registry used to record swap
// router activity.
func Router() *RouterMetrics {
	routerMetricsOnce.Do(func() {
		routerRegistry = &RouterMetrics{
			operationsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "swaproute",
				Subsystem: "router",
				Name:      "operations_started_total",
				Help:      "Count of swap operations admitted by the engine.",
			}),
			operationsSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "swaproute",
				Subsystem: "router",
				Name:      "operations_settled_total",
				Help:      "Count of swap operations settled to completion.",
			}),
			operationsAborted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swaproute",
				Subsystem: "router",
				Name:      "operations_aborted_total",
				Help:      "Count of swap operations torn down after a step failure, by reason.",
			}, []string{"reason"}),
			continuationsStale: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "swaproute",
				Subsystem: "router",
				Name:      "continuations_dropped_total",
				Help:      "Count of completion notifications rejected as stale or unknown.",
			}),
			stepsIssued: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "swaproute",
				Subsystem: "router",
				Name:      "steps_issued_total",
				Help:      "Count of external market calls issued.",
			}),
			settlementLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "swaproute",
				Subsystem: "router",
				Name:      "settlement_duration_seconds",
				Help:      "Time between operation admission and final settlement.",
				Buckets:   prometheus.DefBuckets,
			}),
		}
		prometheus.MustRegister(
			routerRegistry.operationsStarted,
			routerRegistry.operationsSettled,
			routerRegistry.operationsAborted,
			routerRegistry.continuationsStale,
			routerRegistry.stepsIssued,
			routerRegistry.settlementLatency,
		)
	})
	return routerRegistry
}

// RecordStarted increments the admitted-operation counter.
func (m *RouterMetrics) RecordStarted() {
	if m == nil {
		return
	}
	m.operationsStarted.Inc()
}

// RecordSettled records a completed settlement and its end-to-end latency.
func (m *RouterMetrics) RecordSettled(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.operationsSettled.Inc()
	if elapsed > 0 {
		m.settlementLatency.Observe(elapsed.Seconds())
	}
}

// RecordAborted increments the abort counter for the supplied reason. Reasons
// should be stable strings such as "slippage" or "market_unavailable" so
// dashboards remain consistent.
func (m *RouterMetrics) RecordAborted(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.operationsAborted.WithLabelValues(reason).Inc()
}

// RecordStaleContinuation increments the dropped-continuation counter.
func (m *RouterMetrics) RecordStaleContinuation() {
	if m == nil {
		return
	}
	m.continuationsStale.Inc()
}

// RecordStepIssued increments the issued-call counter.
func (m *RouterMetrics) RecordStepIssued() {
	if m == nil {
		return
	}
	m.stepsIssued.Inc()
}
