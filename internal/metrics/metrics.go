// ============================================================================
// Pipeline Scheduler Metrics - Prometheus Collector
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose scheduler run metrics for Prometheus
//
// Metric groups:
//
//   1. Job counters (Counter), labelled by kind = forward|backward:
//      - pipeline_jobs_enqueued_total
//      - pipeline_jobs_completed_total
//      - pipeline_jobs_failed_total{kind, fault}
//
//   2. Latency (Histogram):
//      - pipeline_job_latency_seconds{kind}
//
//   3. Backward bridge (Counter):
//      - pipeline_bridge_fired_total     gradients that became backward jobs
//      - pipeline_bridge_skipped_total   repeated arrivals for a fired boundary
//
//   4. State (Gauge), labelled by the pipeline rank that owns the state so
//      controllers of several ranks can share one collector:
//      - pipeline_jobs_pending{rank, kind}
//      - pipeline_activations_cached{rank, store = output|input}
//      - pipeline_run_duration_seconds{rank}
//
// Example queries:
//
//   # backward throughput
//   rate(pipeline_jobs_completed_total{kind="backward"}[1m])
//
//   # activations held waiting for a gradient, per rank
//   sum by (rank) (pipeline_activations_cached)
//
// HTTP endpoint:
//   /metrics, served by promhttp from the registry the collector was
//   created with.
//
// ============================================================================

package metrics

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ChuLiYu/pipeline-scheduler/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the scheduler's Prometheus metrics
type Collector struct {
	// job metrics
	jobsEnqueued  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	jobLatency    *prometheus.HistogramVec

	// bridge metrics
	bridgeFired   prometheus.Counter
	bridgeSkipped prometheus.Counter

	// state metrics
	jobsPending *prometheus.GaugeVec
	activations *prometheus.GaugeVec
	runDuration *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

// NewCollector creates a collector and registers it with reg.
// A nil reg registers with the default registry.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_jobs_enqueued_total",
			Help: "Total number of jobs put on the job queue",
		}, []string{"kind"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_jobs_completed_total",
			Help: "Total number of jobs that finished successfully",
		}, []string{"kind"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pipeline_jobs_failed_total",
			Help: "Total number of jobs that failed, by fault kind",
		}, []string{"kind", "fault"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pipeline_job_latency_seconds",
			Help:    "Job execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		bridgeFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_bridge_fired_total",
			Help: "Total number of gradients that scheduled a backward job",
		}),
		bridgeSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_bridge_skipped_total",
			Help: "Total number of gradients skipped because their boundary already fired",
		}),
		jobsPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_jobs_pending",
			Help: "Current number of pending jobs",
		}, []string{"rank", "kind"}),
		activations: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_activations_cached",
			Help: "Current number of activations held for the backward pass",
		}, []string{"rank", "store"}),
		runDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_run_duration_seconds",
			Help: "Wall time of the most recent run in seconds",
		}, []string{"rank"}),
	}

	reg.MustRegister(
		c.jobsEnqueued,
		c.jobsCompleted,
		c.jobsFailed,
		c.jobLatency,
		c.bridgeFired,
		c.bridgeSkipped,
		c.jobsPending,
		c.activations,
		c.runDuration,
	)

	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	} else {
		c.gatherer = prometheus.DefaultGatherer
	}
	return c
}

// RecordEnqueue records a job put on the queue
func (c *Collector) RecordEnqueue(kind types.JobType) {
	c.jobsEnqueued.WithLabelValues(string(kind)).Inc()
}

// RecordCompleted records a successful job and its latency
func (c *Collector) RecordCompleted(kind types.JobType, latencySeconds float64) {
	c.jobsCompleted.WithLabelValues(string(kind)).Inc()
	c.jobLatency.WithLabelValues(string(kind)).Observe(latencySeconds)
}

// RecordFailed records a failed job
func (c *Collector) RecordFailed(kind types.JobType, fault types.FaultKind) {
	c.jobsFailed.WithLabelValues(string(kind), string(fault)).Inc()
}

// RecordBridgeFired records a gradient that scheduled a backward job
func (c *Collector) RecordBridgeFired() {
	c.bridgeFired.Inc()
}

// RecordBridgeSkipped records a repeated gradient for a fired boundary
func (c *Collector) RecordBridgeSkipped() {
	c.bridgeSkipped.Inc()
}

// UpdateQueueStats sets the pending gauges of rank
func (c *Collector) UpdateQueueStats(rank, forward, backward int) {
	r := strconv.Itoa(rank)
	c.jobsPending.WithLabelValues(r, string(types.JobForward)).Set(float64(forward))
	c.jobsPending.WithLabelValues(r, string(types.JobBackward)).Set(float64(backward))
}

// UpdateActivations sets the cached activation gauge of one sub-store of rank
func (c *Collector) UpdateActivations(rank int, store string, size int) {
	c.activations.WithLabelValues(strconv.Itoa(rank), store).Set(float64(size))
}

// SetRunDuration records the wall time of the last run on rank
func (c *Collector) SetRunDuration(rank int, seconds float64) {
	c.runDuration.WithLabelValues(strconv.Itoa(rank)).Set(seconds)
}

// Handler serves the registry the collector was registered with
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// StartServer serves handler on /metrics at port. It blocks like
// http.ListenAndServe.
func StartServer(port int, handler http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
