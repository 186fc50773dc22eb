// Package metrics exposes Prometheus counters and gauges describing
// pipeline orchestration activity across all open projects.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// SchemesMaterialized counts scheme directories written, per project.
	SchemesMaterialized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryoboost_schemes_materialized_total",
			Help: "Total number of schemes materialized to disk",
		},
		[]string{"project"},
	)

	// PipelineStarts counts pipeliner subprocess launches.
	PipelineStarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryoboost_pipeline_starts_total",
			Help: "Total number of pipeliner subprocess launches",
		},
		[]string{"project", "result"},
	)

	// PipelineAborts counts abort_pipeline invocations.
	PipelineAborts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryoboost_pipeline_aborts_total",
			Help: "Total number of abort_pipeline invocations",
		},
		[]string{"project"},
	)

	// PipelineState reports the current Pipeline Runner state as a 1/0 gauge per known state.
	PipelineState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cryoboost_pipeline_state",
			Help: "Current pipeline runner state (1 for the active state, 0 otherwise)",
		},
		[]string{"project", "state"},
	)

	// JobStatus reports the current derived status for each selected job kind.
	JobStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cryoboost_job_status",
			Help: "Current derived status for a selected job kind (1 for the active status, 0 otherwise)",
		},
		[]string{"project", "job_kind", "status"},
	)

	// WatcherReadFailures counts every failed processes-file read; it is
	// never reset when a read succeeds again.
	WatcherReadFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryoboost_watcher_read_failures_total",
			Help: "Total number of failed reads of the processes file",
		},
		[]string{"project"},
	)

	// APIRequests counts HTTP requests served by the wire surface.
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cryoboost_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "route", "status_code"},
	)

	// APIRequestDuration measures HTTP handler latency.
	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cryoboost_api_request_duration_seconds",
			Help:    "API request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordPipelineState sets the gauge for the project's active state and clears known alternates.
func RecordPipelineState(project, state string, allStates []string) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		PipelineState.WithLabelValues(project, s).Set(v)
	}
}

// RecordJobStatus sets the gauge for a job kind's active status and clears known alternates.
func RecordJobStatus(project, jobKind, status string, allStatuses []string) {
	for _, s := range allStatuses {
		v := 0.0
		if s == status {
			v = 1.0
		}
		JobStatus.WithLabelValues(project, jobKind, s).Set(v)
	}
}

// RecordAPIRequest records a served HTTP request.
func RecordAPIRequest(method, route, statusCode string, durationSeconds float64) {
	APIRequests.WithLabelValues(method, route, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}
