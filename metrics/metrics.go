// Package metrics exposes the Prometheus instruments shared by the
// pipeline workers and the HTTP server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cortana_jobs_processed_total",
		Help: "Jobs processed, by type and outcome.",
	}, []string{"job_type", "outcome"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cortana_job_duration_seconds",
		Help:    "Wall time per successfully processed job.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"job_type"})

	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cortana_active_jobs",
		Help: "Jobs currently held by this process.",
	})

	FramesKept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cortana_sampler_frames_kept_total",
		Help: "Frames kept by the sampler after deduplication.",
	})

	FramesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cortana_sampler_frames_dropped_total",
		Help: "Near-duplicate frames dropped by the sampler.",
	})
)
