package analytics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	loadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storykeep_analytics_loads_total",
			Help: "Hourly analytics loads by kind and result",
		},
		[]string{"kind", "result"},
	)

	loadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "storykeep_analytics_load_duration_seconds",
			Help:    "Duration of completed hourly analytics loads",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	lockAcquisitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storykeep_cache_lock_acquisitions_total",
			Help: "Cache lock attempts by lock type and outcome",
		},
		[]string{"type", "outcome"},
	)

	pollAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "storykeep_poll_attempts_total",
			Help: "Poller attempts by outcome",
		},
		[]string{"outcome"},
	)
)
