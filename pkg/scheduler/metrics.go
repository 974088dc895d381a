package scheduler

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-privacy/pkg/queue"
)

// Metrics holds the Prometheus metrics of the work queue.
type Metrics struct {
	// Queue metrics
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	queueDepth  *prometheus.GaugeVec

	// Task metrics
	transitions *prometheus.CounterVec
	retries     *prometheus.CounterVec
	asyncPolls  *prometheus.CounterVec
	propagated  prometheus.Counter

	// Request metrics
	cancellations prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates the metrics on a dedicated registry that also carries
// the Go runtime and process collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "privacy_queue_jobs_total",
				Help: "Total number of queue jobs processed by partition, kind and result",
			},
			[]string{"partition", "kind", "result"},
		),

		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "privacy_queue_job_duration_seconds",
				Help:    "Time spent processing one queue job",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"partition", "kind"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "privacy_queue_depth",
				Help: "Jobs waiting in each partition, including delayed ones",
			},
			[]string{"partition"},
		),

		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "privacy_task_transitions_total",
				Help: "Task status transitions by action and target status",
			},
			[]string{"action", "status"},
		),

		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "privacy_task_retries_total",
				Help: "Tasks requeued after a retryable connector error",
			},
			[]string{"action"},
		),

		asyncPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "privacy_async_polls_total",
				Help: "Async job polls by result",
			},
			[]string{"result"},
		),

		propagated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "privacy_task_failures_propagated_total",
				Help: "Downstream tasks failed because an upstream task failed",
			},
		),

		cancellations: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "privacy_request_cancellations_total",
				Help: "Privacy requests canceled",
			},
		),

		registry: registry,
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.queueDepth,
		m.transitions,
		m.retries,
		m.asyncPolls,
		m.propagated,
		m.cancellations,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordJob records a processed job
func (m *Metrics) RecordJob(job queue.Job, result string, duration time.Duration) {
	m.jobsTotal.WithLabelValues(string(job.Partition), string(job.Kind), result).Inc()
	m.jobDuration.WithLabelValues(string(job.Partition), string(job.Kind)).Observe(duration.Seconds())
}

// UpdateQueueDepth sets the depth gauge of a partition
func (m *Metrics) UpdateQueueDepth(partition queue.Partition, depth int) {
	m.queueDepth.WithLabelValues(string(partition)).Set(float64(depth))
}

// RecordTransition records a task reaching a status
func (m *Metrics) RecordTransition(action, status string) {
	m.transitions.WithLabelValues(action, status).Inc()
}

// RecordRetry records a task requeued for retry
func (m *Metrics) RecordRetry(action string) {
	m.retries.WithLabelValues(action).Inc()
}

// RecordPoll records one async poll
func (m *Metrics) RecordPoll(result string) {
	m.asyncPolls.WithLabelValues(result).Inc()
}

// RecordPropagatedFailure records a task failed by upstream propagation
func (m *Metrics) RecordPropagatedFailure() {
	m.propagated.Inc()
}

// RecordCancellation records a canceled request
func (m *Metrics) RecordCancellation() {
	m.cancellations.Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
