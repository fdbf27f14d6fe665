package adapters

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var providerAPIDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "quorum_provider_api_duration_sec",
	Help:    "Duration of model provider API calls",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
}, []string{"model"})

var providerAPICount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quorum_provider_api_count",
	Help: "Number of model provider API calls, by response status",
}, []string{"model", "status"})

var adapterFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quorum_adapter_failures",
	Help: "Number of failed model adapter calls, by reason",
}, []string{"adapter", "reason"})

var adapterLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "quorum_adapter_latency_sec",
	Help:    "End-to-end latency of successful model adapter calls",
	Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
}, []string{"adapter"})
