package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var analysesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quorum_analyses_total",
	Help: "Number of image analyses, by outcome",
}, []string{"outcome"})

var analysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "quorum_analysis_duration_seconds",
	Help:    "End-to-end duration of image analysis",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
})

var cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quorum_result_cache_hits",
	Help: "Number of model results served from the result cache",
}, []string{"model"})

var forcedReviews = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quorum_forced_reviews",
	Help: "Number of analyses sent to review because too few models succeeded",
})

var circuitBreaks = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quorum_quarantine_circuit_breaks",
	Help: "Number of quarantine decisions downgraded by the daily quota",
})

var reviewsArchived = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quorum_reviews_archived",
	Help: "Number of stale review items marked purged in the store",
})
