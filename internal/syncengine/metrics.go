package syncengine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeLimboResolutions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "docsync",
		Subsystem: "sync",
		Name:      "active_limbo_resolutions",
		Help:      "Limbo documents currently being resolved with the backend.",
	})

	enqueuedLimboResolutions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "docsync",
		Subsystem: "sync",
		Name:      "enqueued_limbo_resolutions",
		Help:      "Limbo documents waiting for a free resolution slot.",
	})

	snapshotsRaised = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "sync",
		Name:      "snapshots_raised_total",
		Help:      "View snapshots delivered to query listeners.",
	})
)
