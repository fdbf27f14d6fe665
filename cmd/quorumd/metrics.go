package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("quorumd")

var reviewActions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quorumd_review_actions",
	Help: "Number of review actions taken through the API, by action",
}, []string{"action"})

var feedbackReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quorumd_feedback_received",
	Help: "Number of ground-truth feedback submissions, by whether the image was known",
}, []string{"known"})
