package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	JobTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "jobs_transitions_total", Help: "Job status transitions"},
		[]string{"status"},
	)
	StageLeads = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stage_leads_total", Help: "Leads handled by pipeline stages"},
		[]string{"stage", "outcome"},
	)
	StageBatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stage_batch_duration_seconds",
			Help:    "Time spent processing one batch",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage"},
	)
	StageRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "stage_retries_total", Help: "Retry entries enqueued"},
		[]string{"stage"},
	)
	QuotaDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "quota_denied_total", Help: "Reservations that granted nothing"},
		[]string{"kind"},
	)
	LockContended = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "lock_contended_total", Help: "Lock acquisitions that found the lock held"},
		[]string{"lock"},
	)
	ProgressObservers = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "progress_observers", Help: "Open progress streams"},
	)
	RelayPublished = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "relay_published_total", Help: "Terminal job events relayed to the queue"},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRequestDuration,
		JobTransitions, StageLeads, StageBatchDuration, StageRetries,
		QuotaDenied, LockContended, ProgressObservers, RelayPublished,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
