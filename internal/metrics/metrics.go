// Package metrics exposes the control plane's Prometheus metrics,
// grounded on the pack's pkg/metrics (package-level vars registered in
// init, a Timer helper for histogram observations, Handler() for the
// HTTP mux).
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestsPendingTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tsbx_requests_pending_total",
			Help: "Number of Request rows currently pending claim",
		},
	)

	RequestClaimLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tsbx_request_claim_latency_seconds",
			Help:    "Time from request creation to claim by a worker",
			Buckets: prometheus.DefBuckets,
		},
	)

	RequestsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsbx_requests_processed_total",
			Help: "Total requests processed by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	RequestProcessDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsbx_request_process_duration_seconds",
			Help:    "Time taken to process a request by type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	SandboxesActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tsbx_sandboxes_active",
			Help: "Number of sandboxes currently in a non-terminal state, by state",
		},
		[]string{"state"},
	)

	SandboxLifecycleTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsbx_sandbox_lifecycle_total",
			Help: "Sandbox lifecycle transitions by reason",
		},
		[]string{"event", "reason"},
	)

	ReconcilerSweepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsbx_reconciler_sweeps_total",
			Help: "Reconciler sweep cycles completed by loop name",
		},
		[]string{"loop"},
	)

	ReconcilerSweepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tsbx_reconciler_sweep_duration_seconds",
			Help:    "Time taken for one reconciler sweep cycle by loop name",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"loop"},
	)

	ReconcilerActionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsbx_reconciler_actions_total",
			Help: "Actions taken by the reconciler (terminations enqueued, tasks cancelled, sandboxes marked unhealthy)",
		},
		[]string{"loop", "action"},
	)

	AgentLoopIterationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsbx_agent_loop_iterations_total",
			Help: "Agent loop iterations by response classification",
		},
		[]string{"class"},
	)

	AgentToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tsbx_agent_tool_calls_total",
			Help: "Tool calls dispatched by the agent runtime, by tool name and outcome",
		},
		[]string{"tool", "outcome"},
	)

	TaskCompletionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tsbx_task_completion_duration_seconds",
			Help:    "Wall-clock time from task creation to a terminal status",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsPendingTotal,
		RequestClaimLatency,
		RequestsProcessedTotal,
		RequestProcessDuration,
		SandboxesActive,
		SandboxLifecycleTotal,
		ReconcilerSweepsTotal,
		ReconcilerSweepDuration,
		ReconcilerActionsTotal,
		AgentLoopIterationsTotal,
		AgentToolCallsTotal,
		TaskCompletionDuration,
	)
}

// Handler returns the Prometheus scrape handler for wiring into an HTTP mux.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time for a single operation and reports it to a
// histogram on completion.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(h prometheus.Histogram) {
	h.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) ObserveDurationVec(h prometheus.ObserverVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
