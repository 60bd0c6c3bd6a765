package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatchsync_hub_submissions_total",
		Help: "Submissions handled by the hub, by operation and result code.",
	}, []string{"op", "result"})

	subscribersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "dispatchsync_hub_subscribers",
		Help: "Currently connected websocket subscribers.",
	})

	submitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatchsync_hub_submit_duration_seconds",
		Help:    "Time to validate and commit a submission.",
		Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
	})
)
