package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the Prometheus-compatible instrumentation surface for the
// distributed execution core: per-node-type count, p50/p95 latency, and
// success ratio, plus queue depth and fleet gauges.
type Metrics struct {
	mu      sync.RWMutex
	enabled bool

	nodeLatencyMs   *prometheus.HistogramVec // node_type, status -> ms
	nodeExecutions  *prometheus.CounterVec   // node_type, status -> count
	retriesTotal    *prometheus.CounterVec   // node_type, reason -> count
	queueDepth      *prometheus.GaugeVec     // state -> depth
	inflightJobs    prometheus.Gauge
	leaseReclaims   prometheus.Counter
	onlineRobots    prometheus.Gauge
	backpressure    *prometheus.CounterVec
}

// NewMetrics registers all metrics against registry (pass nil for the
// global default registerer).
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		enabled: true,
		nodeLatencyMs: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "casarerpa",
			Name:      "node_latency_ms",
			Help:      "Per-node-type execution duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000, 120000},
		}, []string{"node_type", "status"}),
		nodeExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casarerpa",
			Name:      "node_executions_total",
			Help:      "Per-node-type execution outcomes",
		}, []string{"node_type", "status"}),
		retriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casarerpa",
			Name:      "node_retries_total",
			Help:      "Retry attempts by node type and reason",
		}, []string{"node_type", "reason"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "casarerpa",
			Name:      "job_queue_depth",
			Help:      "Jobs per queue state",
		}, []string{"state"}),
		inflightJobs: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "casarerpa",
			Name:      "jobs_inflight",
			Help:      "Jobs currently CLAIMED, RUNNING, or PAUSED",
		}),
		leaseReclaims: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "casarerpa",
			Name:      "lease_reclaims_total",
			Help:      "Jobs returned to QUEUED by the lease reaper",
		}),
		onlineRobots: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "casarerpa",
			Name:      "robots_online",
			Help:      "Robots with status ONLINE or BUSY",
		}),
		backpressure: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "casarerpa",
			Name:      "event_backpressure_total",
			Help:      "Dropped event frames due to slow WS/heartbeat consumers",
		}, []string{"run_id"}),
	}
}

// RecordNodeExecution updates the per-node-type latency/count metrics.
// status is one of "success", "error", "timeout", "cancelled".
func (m *Metrics) RecordNodeExecution(nodeType string, latency time.Duration, status string) {
	if !m.isEnabled() {
		return
	}
	m.nodeLatencyMs.WithLabelValues(nodeType, status).Observe(float64(latency.Milliseconds()))
	m.nodeExecutions.WithLabelValues(nodeType, status).Inc()
}

func (m *Metrics) IncrementRetries(nodeType, reason string) {
	if !m.isEnabled() {
		return
	}
	m.retriesTotal.WithLabelValues(nodeType, reason).Inc()
}

func (m *Metrics) SetQueueDepth(state string, depth int) {
	if !m.isEnabled() {
		return
	}
	m.queueDepth.WithLabelValues(state).Set(float64(depth))
}

func (m *Metrics) SetInflightJobs(n int) {
	if !m.isEnabled() {
		return
	}
	m.inflightJobs.Set(float64(n))
}

func (m *Metrics) IncrementLeaseReclaims() {
	if !m.isEnabled() {
		return
	}
	m.leaseReclaims.Inc()
}

func (m *Metrics) SetOnlineRobots(n int) {
	if !m.isEnabled() {
		return
	}
	m.onlineRobots.Set(float64(n))
}

func (m *Metrics) IncrementBackpressure(runID string) {
	if !m.isEnabled() {
		return
	}
	m.backpressure.WithLabelValues(runID).Inc()
}

func (m *Metrics) isEnabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled
}

// Disable/Enable let tests silence metrics collection.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
