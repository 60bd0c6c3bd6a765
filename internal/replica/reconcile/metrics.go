package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	mutationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchsync_replica_mutations_total",
		Help: "Mutations that left the queue, by operation and outcome.",
	}, []string{"op", "outcome"})

	remoteEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchsync_replica_remote_events_total",
		Help: "Change events received from the hub, by operation and whether they were applied.",
	}, []string{"op", "applied"})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatchsync_replica_queue_depth",
		Help: "Mutations waiting for the hub.",
	})

	inflightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatchsync_replica_inflight",
		Help: "Submissions currently awaiting an answer.",
	})

	journalErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dispatchsync_replica_journal_errors_total",
		Help: "Failed journal writes.",
	})

	submitLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatchsync_replica_submit_seconds",
		Help:    "Round trip time of one submission.",
		Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
	})
)
