package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets  = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	phaseDurationBuckets = []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300}
)

// Metrics holds all Prometheus metric instruments for the orchestrator.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Phase execution metrics
	PhaseExecutionsTotal *prometheus.CounterVec
	PhaseDuration        *prometheus.HistogramVec
	LockContentionTotal  *prometheus.CounterVec
	OCCConflictsTotal    *prometheus.CounterVec

	// Flow metrics
	ActiveFlows           *prometheus.GaugeVec
	FlowCompletionsTotal  *prometheus.CounterVec
	SyncRepairsTotal      *prometheus.CounterVec
	ZombieRecoveriesTotal prometheus.Counter

	// Background task metrics
	RunningTasks      prometheus.Gauge
	TaskFailuresTotal *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		PhaseExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_phase_executions_total",
			Help: "Total number of phase executions.",
		}, []string{"flow_type", "phase", "status"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conductor_phase_duration_seconds",
			Help:    "Phase execution duration in seconds.",
			Buckets: phaseDurationBuckets,
		}, []string{"flow_type", "phase"}),
		LockContentionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_lock_contention_total",
			Help: "Phase executions rejected because the lock was held.",
		}, []string{"flow_type", "phase"}),
		OCCConflictsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_occ_conflicts_total",
			Help: "Optimistic concurrency conflicts on master flow writes.",
		}, []string{"flow_type"}),

		ActiveFlows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "conductor_active_flows",
			Help: "Number of non-terminal master flows.",
		}, []string{"flow_type"}),
		FlowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_flow_completions_total",
			Help: "Total number of flows reaching a terminal status.",
		}, []string{"flow_type", "final_status"}),
		SyncRepairsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_sync_repairs_total",
			Help: "Master/child status repairs applied by the sync service.",
		}, []string{"flow_type"}),
		ZombieRecoveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "conductor_zombie_recoveries_total",
			Help: "Zombie flows detected and re-queued for execution.",
		}),

		RunningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "conductor_running_tasks",
			Help: "Number of tracked background tasks currently running.",
		}),
		TaskFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "conductor_task_failures_total",
			Help: "Total number of tracked background task failures.",
		}, []string{"task"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PhaseExecutionsTotal,
		m.PhaseDuration,
		m.LockContentionTotal,
		m.OCCConflictsTotal,
		m.ActiveFlows,
		m.FlowCompletionsTotal,
		m.SyncRepairsTotal,
		m.ZombieRecoveriesTotal,
		m.RunningTasks,
		m.TaskFailuresTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordPhaseExecution records the outcome and duration of one phase run.
func (m *Metrics) RecordPhaseExecution(flowType, phase, status string, duration time.Duration) {
	m.PhaseExecutionsTotal.WithLabelValues(flowType, phase, status).Inc()
	m.PhaseDuration.WithLabelValues(flowType, phase).Observe(duration.Seconds())
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
