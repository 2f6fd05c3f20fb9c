// Package metrics exposes the worker's Prometheus instrumentation. A single
// Recorder owns its registry so tests and the worker process can hold
// independent instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Recorder struct {
	registry *prometheus.Registry

	jobsStarted    *prometheus.CounterVec
	jobsCompleted  *prometheus.CounterVec
	jobsFailed     *prometheus.CounterVec
	jobsRetried    prometheus.Counter
	activeJobs     prometheus.Gauge
	encodeDuration *prometheus.HistogramVec
	gatewayCalls   *prometheus.CounterVec
	pinFailures    prometheus.Counter
	pendingPins    prometheus.Gauge
	httpRequests   *prometheus.CounterVec
}

// New constructs a Recorder with a private registry and all collectors
// registered.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	r := &Recorder{
		registry: registry,
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peertide_jobs_started_total",
			Help: "Jobs that entered execution, by origin.",
		}, []string{"origin"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peertide_jobs_completed_total",
			Help: "Jobs that finished successfully, by origin.",
		}, []string{"origin"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peertide_jobs_failed_total",
			Help: "Jobs that failed terminally, by origin.",
		}, []string{"origin"}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peertide_jobs_retried_total",
			Help: "Retry attempts scheduled by the job queue.",
		}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peertide_active_jobs",
			Help: "Jobs currently executing.",
		}),
		encodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peertide_encode_duration_seconds",
			Help:    "Wall-clock encode time per quality profile.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 11),
		}, []string{"profile"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peertide_gateway_requests_total",
			Help: "Gateway API calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		pinFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peertide_pin_failures_total",
			Help: "Pin attempts that failed and were deferred to the pending-pin store.",
		}),
		pendingPins: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peertide_pending_pins",
			Help: "Entries waiting in the pending-pin store.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "peertide_http_requests_total",
			Help: "Direct API requests by method, path, and status.",
		}, []string{"method", "path", "status"}),
	}
	registry.MustRegister(
		r.jobsStarted,
		r.jobsCompleted,
		r.jobsFailed,
		r.jobsRetried,
		r.activeJobs,
		r.encodeDuration,
		r.gatewayCalls,
		r.pinFailures,
		r.pendingPins,
		r.httpRequests,
	)
	return r
}

// Handler serves the recorder's registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Recorder) JobStarted(origin string) {
	if r == nil {
		return
	}
	r.jobsStarted.WithLabelValues(origin).Inc()
}

func (r *Recorder) JobCompleted(origin string) {
	if r == nil {
		return
	}
	r.jobsCompleted.WithLabelValues(origin).Inc()
}

func (r *Recorder) JobFailed(origin string) {
	if r == nil {
		return
	}
	r.jobsFailed.WithLabelValues(origin).Inc()
}

func (r *Recorder) JobRetried() {
	if r == nil {
		return
	}
	r.jobsRetried.Inc()
}

func (r *Recorder) SetActiveJobs(n int) {
	if r == nil {
		return
	}
	r.activeJobs.Set(float64(n))
}

func (r *Recorder) ObserveEncode(profile string, seconds float64) {
	if r == nil {
		return
	}
	r.encodeDuration.WithLabelValues(profile).Observe(seconds)
}

func (r *Recorder) GatewayRequest(operation, outcome string) {
	if r == nil {
		return
	}
	r.gatewayCalls.WithLabelValues(operation, outcome).Inc()
}

func (r *Recorder) PinFailure() {
	if r == nil {
		return
	}
	r.pinFailures.Inc()
}

func (r *Recorder) SetPendingPins(n int) {
	if r == nil {
		return
	}
	r.pendingPins.Set(float64(n))
}

func (r *Recorder) HTTPRequest(method, path string, status int) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(method, path, statusText(status)).Inc()
}
