package flow

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides Prometheus-compatible instrumentation for the Flow
// Store's claim/heartbeat/CAS protocol and the executors' flow lifecycle.
//
// Grounded on the teacher's graph/metrics.go PrometheusMetrics: a struct of
// promauto-registered collectors, namespaced "sagaflow_", constructed once
// per process (or once per prometheus.Registry in tests) and set directly
// on the saga and DSL Executors' Metrics field; the Flow Stores do not
// record metrics.
//
// Metrics exposed:
//
//  1. sagaflow_claims_total (counter, labels: flow_type, result) — every
//     tryClaim attempt, result in {claimed, none_available}.
//  2. sagaflow_claim_conflicts_total (counter, labels: flow_type) — a
//     concurrent tryClaim lost the race for a row another caller just took.
//  3. sagaflow_heartbeat_failures_total (counter, labels: flow_type) — a
//     heartbeat CAS failed, indicating lease loss.
//  4. sagaflow_cas_conflicts_total (counter, labels: flow_type, op) — any
//     Store.Update lost its version race.
//  5. sagaflow_flow_duration_seconds (histogram, labels: flow_type, status)
//     — wall-clock time from claim/create to terminal status.
//  6. sagaflow_active_flows (gauge, labels: flow_type) — flows currently
//     owned and non-terminal.
//  7. sagaflow_foreach_batch_size (histogram, labels: flow_type) — size of
//     each ForEach batch dispatched.
//  8. sagaflow_wait_condition_duration_seconds (histogram, labels:
//     flow_type, outcome) — time from WaitCondition creation to
//     satisfaction or timeout.
type Metrics struct {
	ClaimsTotal                 *prometheus.CounterVec
	ClaimConflictsTotal         *prometheus.CounterVec
	HeartbeatFailuresTotal      *prometheus.CounterVec
	CASConflictsTotal           *prometheus.CounterVec
	FlowDurationSeconds         *prometheus.HistogramVec
	ActiveFlows                 *prometheus.GaugeVec
	ForEachBatchSize            *prometheus.HistogramVec
	WaitConditionDurationSeconds *prometheus.HistogramVec

	mu     sync.Mutex
	starts map[string]time.Time // flowId -> start time, for FlowDurationSeconds
}

// NewMetrics registers the collectors above against reg. Pass
// prometheus.NewRegistry() in tests to avoid polluting the default global
// registry; pass prometheus.DefaultRegisterer in production, matching the
// teacher's NewPrometheusMetrics(registry) usage.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ClaimsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_claims_total",
			Help: "Total tryClaim attempts by result.",
		}, []string{"flow_type", "result"}),
		ClaimConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_claim_conflicts_total",
			Help: "tryClaim calls that lost a race for the same row.",
		}, []string{"flow_type"}),
		HeartbeatFailuresTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_heartbeat_failures_total",
			Help: "Heartbeat CAS failures (lease loss).",
		}, []string{"flow_type"}),
		CASConflictsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "sagaflow_cas_conflicts_total",
			Help: "Store.Update CAS failures by operation.",
		}, []string{"flow_type", "op"}),
		FlowDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagaflow_flow_duration_seconds",
			Help:    "Wall-clock duration from claim/create to terminal status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"flow_type", "status"}),
		ActiveFlows: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sagaflow_active_flows",
			Help: "Flows currently owned and non-terminal.",
		}, []string{"flow_type"}),
		ForEachBatchSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagaflow_foreach_batch_size",
			Help:    "Size of each dispatched ForEach batch.",
			Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128},
		}, []string{"flow_type"}),
		WaitConditionDurationSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sagaflow_wait_condition_duration_seconds",
			Help:    "Time from WaitCondition creation to satisfaction or timeout.",
			Buckets: prometheus.DefBuckets,
		}, []string{"flow_type", "outcome"}),
		starts: make(map[string]time.Time),
	}
}

// ObserveClaim records a tryClaim attempt outcome.
func (m *Metrics) ObserveClaim(flowType string, claimed bool) {
	if m == nil {
		return
	}
	result := "none_available"
	if claimed {
		result = "claimed"
	}
	m.ClaimsTotal.WithLabelValues(flowType, result).Inc()
}

// ObserveClaimConflict records a lost tryClaim race.
func (m *Metrics) ObserveClaimConflict(flowType string) {
	if m == nil {
		return
	}
	m.ClaimConflictsTotal.WithLabelValues(flowType).Inc()
}

// ObserveHeartbeatFailure records a failed heartbeat CAS.
func (m *Metrics) ObserveHeartbeatFailure(flowType string) {
	if m == nil {
		return
	}
	m.HeartbeatFailuresTotal.WithLabelValues(flowType).Inc()
}

// ObserveCASConflict records a lost Update CAS race for the named operation.
func (m *Metrics) ObserveCASConflict(flowType, op string) {
	if m == nil {
		return
	}
	m.CASConflictsTotal.WithLabelValues(flowType, op).Inc()
}

// FlowStarted marks the start time for flow duration tracking.
func (m *Metrics) FlowStarted(flowID string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts[flowID] = time.Now()
}

// FlowFinished records the flow's total duration and clears its start-time
// entry.
func (m *Metrics) FlowFinished(flowID, flowType string, status Status) {
	if m == nil {
		return
	}
	m.mu.Lock()
	start, ok := m.starts[flowID]
	delete(m.starts, flowID)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.FlowDurationSeconds.WithLabelValues(flowType, string(status)).Observe(time.Since(start).Seconds())
}

// SetActiveFlows sets the current gauge value for flowType.
func (m *Metrics) SetActiveFlows(flowType string, n int) {
	if m == nil {
		return
	}
	m.ActiveFlows.WithLabelValues(flowType).Set(float64(n))
}

// ObserveForEachBatch records a dispatched batch's size.
func (m *Metrics) ObserveForEachBatch(flowType string, size int) {
	if m == nil {
		return
	}
	m.ForEachBatchSize.WithLabelValues(flowType).Observe(float64(size))
}

// ObserveWaitCondition records how long a WaitCondition took to resolve.
func (m *Metrics) ObserveWaitCondition(flowType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.WaitConditionDurationSeconds.WithLabelValues(flowType, outcome).Observe(d.Seconds())
}
