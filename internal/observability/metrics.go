package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce       sync.Once
	apiRequestsTotal   *prometheus.CounterVec
	apiLatencySeconds  *prometheus.HistogramVec
	apiErrorsTotal     *prometheus.CounterVec
	markingRunsTotal   *prometheus.CounterVec
	markingRunSeconds  prometheus.Histogram
	markingStageErrors *prometheus.CounterVec
	questionsMarked    prometheus.Counter
)

// RegisterMetrics initialises the Prometheus collectors for the API and marking runs.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marker",
			Name:      "api_requests_total",
			Help:      "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "marker",
			Name:      "api_latency_seconds",
			Help:      "Latency distribution for API requests.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"method", "route"})

		apiErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marker",
			Name:      "api_errors_total",
			Help:      "Total number of error responses returned by the API.",
		}, []string{"method", "route", "status"})

		markingRunsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marker",
			Subsystem: "runs",
			Name:      "total",
			Help:      "Marking runs by terminal state.",
		}, []string{"state"})

		markingRunSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "marker",
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Wall time of marking runs.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 2400},
		})

		markingStageErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "marker",
			Subsystem: "runs",
			Name:      "stage_failures_total",
			Help:      "Failed marking runs by the stage that failed.",
		}, []string{"stage"})

		questionsMarked = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "marker",
			Subsystem: "runs",
			Name:      "questions_marked_total",
			Help:      "Questions marked across all runs.",
		})

		prometheus.MustRegister(
			apiRequestsTotal, apiLatencySeconds, apiErrorsTotal,
			markingRunsTotal, markingRunSeconds, markingStageErrors, questionsMarked,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// APIErrors exposes the counter for API error responses.
func APIErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return apiErrorsTotal
}

// MarkingRuns counts finished runs by state.
func MarkingRuns() *prometheus.CounterVec {
	RegisterMetrics()
	return markingRunsTotal
}

// MarkingRunDuration observes run wall time.
func MarkingRunDuration() prometheus.Histogram {
	RegisterMetrics()
	return markingRunSeconds
}

// MarkingStageFailures counts failures by stage.
func MarkingStageFailures() *prometheus.CounterVec {
	RegisterMetrics()
	return markingStageErrors
}

// QuestionsMarked counts marked questions.
func QuestionsMarked() prometheus.Counter {
	RegisterMetrics()
	return questionsMarked
}
