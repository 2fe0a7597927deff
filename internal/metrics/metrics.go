// Package metrics exposes Prometheus instrumentation for the indexing engine.
//
// All methods are safe to call on a nil *Metrics so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/folderindex/pkg/types"
)

const namespace = "folderindex"

// Metrics holds the collectors registered on a private registry
type Metrics struct {
	registry *prometheus.Registry

	filesProcessed *prometheus.CounterVec
	batchWrites    *prometheus.CounterVec
	batchRetries   prometheus.Counter
	errors         *prometheus.CounterVec
	changeEvents   *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	workers        *prometheus.GaugeVec
	taskDuration   *prometheus.HistogramVec
}

// New creates and registers all collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		filesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_processed_total",
			Help:      "Files processed by the orchestrator, by result.",
		}, []string{"result"}),
		batchWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_writes_total",
			Help:      "Persistence batch writes, by result.",
		}, []string{"result"}),
		batchRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batch_retries_total",
			Help:      "Retried persistence batch writes.",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Classified errors, by type.",
		}, []string{"type"}),
		changeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_events_total",
			Help:      "Filesystem change events received, by type.",
		}, []string{"type"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_queue_depth",
			Help:      "Tasks waiting in the worker pool queue.",
		}),
		workers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_workers",
			Help:      "Worker pool size, by state.",
		}, []string{"state"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Worker task execution time.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"task"}),
	}

	reg.MustRegister(
		m.filesProcessed, m.batchWrites, m.batchRetries, m.errors,
		m.changeEvents, m.queueDepth, m.workers, m.taskDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// FileProcessed counts one file outcome: indexed, skipped or failed
func (m *Metrics) FileProcessed(result string) {
	if m == nil {
		return
	}
	m.filesProcessed.WithLabelValues(result).Inc()
}

// BatchWrite counts one batch write attempt outcome
func (m *Metrics) BatchWrite(ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.batchWrites.WithLabelValues(result).Inc()
}

// BatchRetry counts one retry of a failed batch
func (m *Metrics) BatchRetry() {
	if m == nil {
		return
	}
	m.batchRetries.Inc()
}

// Error counts one classified error
func (m *Metrics) Error(t types.ErrorType) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(string(t)).Inc()
}

// ChangeEvent counts one received change event
func (m *Metrics) ChangeEvent(t types.ChangeType) {
	if m == nil {
		return
	}
	m.changeEvents.WithLabelValues(string(t)).Inc()
}

// SetQueueDepth records the pool queue length
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// SetWorkers records the pool size split by state
func (m *Metrics) SetWorkers(idle, busy int) {
	if m == nil {
		return
	}
	m.workers.WithLabelValues("idle").Set(float64(idle))
	m.workers.WithLabelValues("busy").Set(float64(busy))
}

// ObserveTask records a task execution time
func (m *Metrics) ObserveTask(task types.TaskType, d time.Duration) {
	if m == nil {
		return
	}
	m.taskDuration.WithLabelValues(task.String()).Observe(d.Seconds())
}
