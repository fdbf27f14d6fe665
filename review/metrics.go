package review

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var reviewsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quorum_reviews_enqueued",
	Help: "Number of review items created, by priority",
}, []string{"priority"})

var reviewOverflows = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quorum_review_overflows",
	Help: "Number of review assignments made beyond reviewer capacity",
})

var reviewEscalations = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quorum_review_escalations",
	Help: "Number of review escalations",
})

var reviewsPurged = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quorum_reviews_purged",
	Help: "Number of stale review items purged",
})

var pendingReviews = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "quorum_reviews_pending",
	Help: "Number of review items currently pending",
})

var reviewerLoad = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "quorum_reviewer_load",
	Help: "Current assignment count per reviewer",
}, []string{"reviewer"})
