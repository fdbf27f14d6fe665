package consensus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var consensusDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quorum_consensus_decisions",
	Help: "Number of consensus results, by recommended action",
}, []string{"action"})

var consensusFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quorum_consensus_failures",
	Help: "Number of consensus computations replaced by a neutral result",
})

var consensusDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "quorum_consensus_duration_sec",
	Help:    "Duration of consensus computation",
	Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
})

var droppedEvents = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quorum_tracker_dropped_events",
	Help: "Number of analysis events dropped because the tracker buffer was full",
})

var feedbackCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quorum_tracker_feedback",
	Help: "Number of ground-truth feedback submissions applied",
})

var modelReliability = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "quorum_model_reliability",
	Help: "Current reliability score per model",
}, []string{"model"})

var modelWeight = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "quorum_model_weight",
	Help: "Current adaptive consensus weight per model",
}, []string{"model"})
