package persist

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var writes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quorum_persist_writes",
	Help: "Number of successful persistence writes, by kind",
}, []string{"kind"})

var auditFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quorum_audit_failures",
	Help: "Number of audit log entries which could not be written",
})
