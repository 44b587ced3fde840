package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fedhub_jobs_processed_total",
		Help: "Queue jobs run, by command and outcome",
	}, []string{"command", "status"})

	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fedhub_job_duration_seconds",
		Help:    "Time spent running a queue job",
		Buckets: prometheus.DefBuckets,
	}, []string{"command"})

	JobsReclaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fedhub_jobs_reclaimed_total",
		Help: "Reservations cleared after their lease expired",
	})

	WorkersBusy = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fedhub_workers_busy",
		Help: "Queue workers currently running",
	})

	DeliveryReports = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fedhub_delivery_reports_total",
		Help: "Per recipient delivery outcomes",
	}, []string{"status"})

	SignatureChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fedhub_signature_checks_total",
		Help: "Message signature verification attempts, by scheme and result",
	}, []string{"scheme", "result"})

	ActorCache = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fedhub_actor_cache_total",
		Help: "Actor directory lookups, by result",
	}, []string{"result"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fedhub_network_request_duration_seconds",
		Help:    "Outbound request latency",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"component", "operation", "status"})
)

// MustRegister registers every collector with registerer.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		JobsProcessed,
		JobDuration,
		JobsReclaimed,
		WorkersBusy,
		DeliveryReports,
		SignatureChecks,
		ActorCache,
		NetworkRequestDuration,
	)
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveNetworkRequest records duration and outcome of an outbound request.
func ObserveNetworkRequest(component, operation string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	NetworkRequestDuration.WithLabelValues(component, operation, status).Observe(time.Since(start).Seconds())
}

func ObserveJob(command string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	JobsProcessed.WithLabelValues(command, status).Inc()
	JobDuration.WithLabelValues(command).Observe(time.Since(start).Seconds())
}

func ObserveSignature(scheme string, ok bool) {
	result := "fail"
	if ok {
		result = "ok"
	}
	SignatureChecks.WithLabelValues(scheme, result).Inc()
}
