package remote

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	streamsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "remote",
		Name:      "streams_opened_total",
		Help:      "Backend streams opened, by stream.",
	}, []string{"stream"})

	streamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "remote",
		Name:      "stream_errors_total",
		Help:      "Backend streams closed with an error, by stream and status code.",
	}, []string{"stream", "code"})

	existenceFilterMismatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "remote",
		Name:      "existence_filter_mismatches_total",
		Help:      "Existence filters that disagreed with the local count, by bloom filter outcome.",
	}, []string{"outcome"})

	writesAcknowledged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "remote",
		Name:      "batches_acknowledged_total",
		Help:      "Mutation batches acknowledged by the backend.",
	})

	writesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "remote",
		Name:      "batches_rejected_total",
		Help:      "Mutation batches permanently rejected by the backend.",
	})

	onlineStateGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "docsync",
		Subsystem: "remote",
		Name:      "online_state",
		Help:      "Current online state: 0 unknown, 1 online, 2 offline.",
	})
)
