// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the kernel and its workers.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kestrelflow/kestrel/wire"
)

// =============================================================================
// PIPELINE METRICS
// =============================================================================

var (
	pipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_pipeline_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"pipeline", "outcome"}, // outcome: completed, terminated, interrupted, transport_failure
	)

	pipelineDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_pipeline_duration_seconds",
			Help:    "Pipeline run duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"pipeline"},
	)
)

// =============================================================================
// AGENT METRICS
// =============================================================================

var (
	agentExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_agent_executions_total",
			Help: "Total number of agent executions",
		},
		[]string{"agent", "status"}, // status: success, error
	)

	agentDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_agent_duration_seconds",
			Help:    "Agent execution duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"agent"},
	)
)

// =============================================================================
// INTERRUPT METRICS
// =============================================================================

var (
	interruptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_interrupts_total",
			Help: "Total interrupts by kind and final status",
		},
		[]string{"kind", "status"}, // status: raised, resolved, expired, cancelled
	)
)

// =============================================================================
// WIRE METRICS
// =============================================================================

var (
	wireRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kestrel_wire_requests_total",
			Help: "Total wire requests",
		},
		[]string{"service", "method", "code"}, // code: ok or a wire error code
	)

	wireRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kestrel_wire_request_duration_seconds",
			Help:    "Wire request duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"service", "method"},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordPipelineRun records one finished pipeline run.
func RecordPipelineRun(pipeline, outcome string, durationMS int) {
	pipelineRunsTotal.WithLabelValues(pipeline, outcome).Inc()
	pipelineDurationSeconds.WithLabelValues(pipeline).Observe(float64(durationMS) / 1000.0)
}

// RecordAgentExecution records one agent execution.
func RecordAgentExecution(agent, status string, durationMS int) {
	agentExecutionsTotal.WithLabelValues(agent, status).Inc()
	agentDurationSeconds.WithLabelValues(agent).Observe(float64(durationMS) / 1000.0)
}

// RecordInterrupt records an interrupt status change.
func RecordInterrupt(kind, status string) {
	interruptsTotal.WithLabelValues(kind, status).Inc()
}

// WireMetrics implements wire.Metrics on the Prometheus collectors.
type WireMetrics struct{}

var _ wire.Metrics = WireMetrics{}

// ObserveRequest records one wire request.
func (WireMetrics) ObserveRequest(service, method string, werr *wire.WireError, elapsed time.Duration) {
	code := "ok"
	if werr != nil {
		code = string(werr.Code)
	}
	wireRequestsTotal.WithLabelValues(service, method, code).Inc()
	wireRequestDurationSeconds.WithLabelValues(service, method).Observe(elapsed.Seconds())
}
