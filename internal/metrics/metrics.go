// Package metrics holds the prometheus collectors shared by the worker, the
// local API and the model resolver.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Job outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var (
	JobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perplex_jobs_total",
		Help: "Jobs handled, by outcome",
	}, []string{"outcome"})

	JobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "perplex_job_duration_seconds",
		Help:    "Time spent handling one job, including model resolution",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	ModelResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perplex_model_resolutions_total",
		Help: "Models resolved, by where they were found",
	}, []string{"source"})

	ModelLoadDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perplex_model_load_duration_seconds",
		Help:    "Time to locate, fetch and load a model",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"source"})

	TokensScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "perplex_tokens_scored_total",
		Help: "Token positions scored across all jobs",
	})
)

// RecordJob counts one finished job and how many positions it scored.
func RecordJob(outcome string, d time.Duration, scored int) {
	JobsTotal.WithLabelValues(outcome).Inc()
	JobDuration.Observe(d.Seconds())
	if scored > 0 {
		TokensScored.Add(float64(scored))
	}
}

// RecordResolution counts a model resolution from source ("cache" or "remote").
func RecordResolution(source string, d time.Duration) {
	ModelResolutions.WithLabelValues(source).Inc()
	ModelLoadDuration.WithLabelValues(source).Observe(d.Seconds())
}
