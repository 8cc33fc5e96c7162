// Package telemetry exposes pipeline counters for the metrics endpoint.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksTotal counts finished tasks by outcome
	// (completed, failed, expired, busy).
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunesmith_tasks_total",
			Help: "Total number of recommendation tasks by outcome",
		},
		[]string{"outcome"},
	)

	// QueueDepth tracks tasks waiting for a worker.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tunesmith_queue_depth",
			Help: "Number of tasks waiting in the dispatcher queue",
		},
	)

	// PipelineDuration observes end-to-end task pipeline latency.
	PipelineDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tunesmith_pipeline_duration_seconds",
			Help:    "Duration of the full recommendation pipeline in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CandidatesVerified counts verifier outcomes (accepted, rejected).
	CandidatesVerified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunesmith_candidates_verified_total",
			Help: "Total number of generated candidates by verification outcome",
		},
		[]string{"outcome"},
	)

	// StoreAppends counts knowledge store write-backs (added, duplicate, error).
	StoreAppends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunesmith_store_appends_total",
			Help: "Total number of knowledge store append attempts by result",
		},
		[]string{"result"},
	)

	// Deliveries counts callback delivery results (ok, failed).
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tunesmith_deliveries_total",
			Help: "Total number of callback delivery attempts by result",
		},
		[]string{"result"},
	)
)
