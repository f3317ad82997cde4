// Package metrics provides Prometheus metric bundles for the engine and its
// infrastructure components.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// The bundles register on the default registry, so they are created once per
// process and shared: a second engine or queue in the same process (tests)
// must not re-register the collectors.
var (
	engineOnce   sync.Once
	engineBundle *EngineMetrics
	queueOnce    sync.Once
	queueBundle  *QueueMetrics
)

// EngineMetrics contains Prometheus metrics for the revision engine.
type EngineMetrics struct {
	RevisionsSubmitted *prometheus.CounterVec
	RevisionsApplied   prometheus.Counter
	RevisionsFailed    *prometheus.CounterVec
	SubmitDuration     prometheus.Histogram
	ApplyDuration      prometheus.Histogram
	LiveUpdateNodes    *prometheus.CounterVec
	GraphsRunning      prometheus.Gauge
}

// NewEngineMetrics returns the process-wide engine metric bundle,
// registering it on first use.
func NewEngineMetrics() *EngineMetrics {
	engineOnce.Do(func() {
		engineBundle = newEngineMetrics()
	})
	return engineBundle
}

func newEngineMetrics() *EngineMetrics {
	return &EngineMetrics{
		RevisionsSubmitted: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphflow_revisions_submitted_total",
				Help: "Total number of revision submissions by outcome",
			},
			[]string{"outcome"},
		),
		RevisionsApplied: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "graphflow_revisions_applied_total",
				Help: "Total number of successfully applied revisions",
			},
		),
		RevisionsFailed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphflow_revisions_failed_total",
				Help: "Total number of failed revisions by reason",
			},
			[]string{"reason"},
		),
		SubmitDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "graphflow_submit_duration_seconds",
				Help:    "Duration of revision submissions",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),
		ApplyDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "graphflow_apply_duration_seconds",
				Help:    "Duration of revision applications including live updates",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		LiveUpdateNodes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphflow_live_update_nodes_total",
				Help: "Total number of node mutations performed by live updates",
			},
			[]string{"action"},
		),
		GraphsRunning: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "graphflow_graphs_running",
				Help: "Number of graphs currently running in this engine instance",
			},
		),
	}
}

// QueueMetrics contains Prometheus metrics for the revision queue.
type QueueMetrics struct {
	Enqueued  prometheus.Counter
	Delivered prometheus.Counter
	Retried   prometheus.Counter
	Dead      prometheus.Counter
	InFlight  prometheus.Gauge
}

// NewQueueMetrics returns the process-wide queue metric bundle,
// registering it on first use.
func NewQueueMetrics() *QueueMetrics {
	queueOnce.Do(func() {
		queueBundle = newQueueMetrics()
	})
	return queueBundle
}

func newQueueMetrics() *QueueMetrics {
	return &QueueMetrics{
		Enqueued: promauto.NewCounter(prometheus.CounterOpts{
			Name: "graphflow_queue_enqueued_total",
			Help: "Total number of jobs enqueued",
		}),
		Delivered: promauto.NewCounter(prometheus.CounterOpts{
			Name: "graphflow_queue_delivered_total",
			Help: "Total number of job deliveries, including redeliveries",
		}),
		Retried: promauto.NewCounter(prometheus.CounterOpts{
			Name: "graphflow_queue_retried_total",
			Help: "Total number of job redeliveries scheduled after failure",
		}),
		Dead: promauto.NewCounter(prometheus.CounterOpts{
			Name: "graphflow_queue_dead_total",
			Help: "Total number of jobs given up on",
		}),
		InFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "graphflow_queue_in_flight",
			Help: "Number of jobs currently being processed",
		}),
	}
}
