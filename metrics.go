package vsmtp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Process-wide receiver counters, registered on the default registry.
var (
	connectionsServed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vsmtp",
		Name:      "connections_total",
		Help:      "Connections accepted by the receiver, by kind.",
	}, []string{"kind"})

	mailsQueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vsmtp",
		Name:      "mails_queued_total",
		Help:      "Mails durably written to a queue, by queue.",
	}, []string{"queue"})

	queueWriteFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "vsmtp",
		Name:      "queue_write_failures_total",
		Help:      "Queue writes that failed and were answered 554.",
	})

	authOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "vsmtp",
		Name:      "auth_outcomes_total",
		Help:      "AUTH exchange outcomes, by result.",
	}, []string{"result"})
)
