// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	UploadSessions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdex_upload_sessions_total",
		Help: "Upload sessions by terminal or initial outcome",
	}, []string{"outcome"})

	ChunkReports = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdex_chunk_reports_total",
		Help: "Client chunk status reports by reported state",
	}, []string{"state"})

	Finalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdex_finalize_total",
		Help: "Finalize outcomes",
	}, []string{"outcome"})

	ComposeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "heimdex_compose_duration_seconds",
		Help:    "Time to compose chunks into the final object",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
	})

	AnalysisRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdex_analysis_runs_total",
		Help: "Analysis runs by final video status",
	}, []string{"status"})

	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "heimdex_analysis_duration_seconds",
		Help:    "Wall time of analysis runs",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "heimdex_analysis_active_runs",
		Help: "Analysis runs currently executing",
	})

	SegmentOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdex_segments_total",
		Help: "Analyzed segments by outcome",
	}, []string{"outcome"})

	InferenceCalls = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "heimdex_inference_call_duration_seconds",
		Help:    "Inference service call latency including retries",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"service", "outcome"})

	InferenceRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "heimdex_inference_retries_total",
		Help: "Inference call retries",
	}, []string{"service"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
