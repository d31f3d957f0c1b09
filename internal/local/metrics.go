package local

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gcRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "local",
		Name:      "gc_runs_total",
		Help:      "Garbage collections that removed data.",
	})

	gcDocumentsRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "local",
		Name:      "gc_documents_removed_total",
		Help:      "Orphaned documents removed by garbage collection.",
	})

	queryExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "local",
		Name:      "query_executions_total",
		Help:      "Local query executions by strategy.",
	}, []string{"strategy"})

	indexesAutoCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "local",
		Name:      "indexes_auto_created_total",
		Help:      "Client-side indexes created automatically from query statistics.",
	})

	documentsBackfilled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "docsync",
		Subsystem: "local",
		Name:      "index_documents_backfilled_total",
		Help:      "Documents written to client-side indexes by the backfiller.",
	})
)
