package transform

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Job results as reported to MetricsCollector.JobFinished.
const (
	ResultOK       = "ok"
	ResultFailed   = "failed"
	ResultCanceled = "canceled"
)

// MetricsCollector receives transformer events.
type MetricsCollector interface {
	// JobFinished records a job leaving the queue with one of the Result values.
	JobFinished(result string, d time.Duration)
	// WorkerOpened records a worker being spawned.
	WorkerOpened()
	// WorkerCrashed records a worker exiting abnormally with code.
	WorkerCrashed(code int)
}

type noopMetricsCollector struct{}

func (noopMetricsCollector) JobFinished(result string, d time.Duration) {}
func (noopMetricsCollector) WorkerOpened()                              {}
func (noopMetricsCollector) WorkerCrashed(code int)                     {}

func NewNoopMetricsCollector() MetricsCollector {
	return noopMetricsCollector{}
}

// PrometheusMetricsCollector implements MetricsCollector with its own registry.
type PrometheusMetricsCollector struct {
	jobs          *prometheus.CounterVec
	jobDuration   *prometheus.HistogramVec
	workersOpen   prometheus.Counter
	workerCrashes *prometheus.CounterVec

	registry *prometheus.Registry
}

func NewPrometheusMetricsCollector(namespace string) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "transform"
	}
	p := &PrometheusMetricsCollector{
		registry: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Total number of transform jobs by result",
		}, []string{"result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from submitting a transform job to its result",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		workersOpen: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_opened_total",
			Help:      "Total number of transform workers spawned",
		}),
		workerCrashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_crashes_total",
			Help:      "Total number of transform workers that exited abnormally",
		}, []string{"code"}),
	}
	p.registry.MustRegister(p.jobs, p.jobDuration, p.workersOpen, p.workerCrashes)
	return p
}

func (p *PrometheusMetricsCollector) JobFinished(result string, d time.Duration) {
	p.jobs.WithLabelValues(result).Inc()
	p.jobDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (p *PrometheusMetricsCollector) WorkerOpened() {
	p.workersOpen.Inc()
}

func (p *PrometheusMetricsCollector) WorkerCrashed(code int) {
	p.workerCrashes.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

// WriteToTextfile writes the collected metrics in the text exposition format, for node exporter's textfile collector.
func (p *PrometheusMetricsCollector) WriteToTextfile(path string) error {
	return prometheus.WriteToTextfile(path, p.registry)
}
