/*
Package metrics registers the Prometheus instrumentation for the service.

PURPOSE:
  Process-wide counters for the import pipeline and the fetch scheduler,
  exposed on /metrics through Handler. Counters are registered once at init
  via promauto on the default registry.
*/
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// EventsImported counts raw events actually inserted (post-dedup).
	EventsImported = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tecnotouch_events_imported_total",
		Help: "Raw machine events inserted into the store, duplicates excluded.",
	})

	// SalesRecorded counts sale rows actually inserted.
	SalesRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tecnotouch_sales_recorded_total",
		Help: "Sale rows inserted into the store, duplicates excluded.",
	})

	// TransactionsFinalized counts transactions closed by reconstruction.
	TransactionsFinalized = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tecnotouch_transactions_finalized_total",
		Help: "Transactions finalized by the reconstruction pipeline.",
	})

	// FetchRuns counts machine download runs by outcome
	// (ok, error, busy, timeout).
	FetchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tecnotouch_fetch_runs_total",
		Help: "Machine download runs partitioned by outcome.",
	}, []string{"outcome"})
)

// Handler exposes the default registry for the /metrics route.
func Handler() http.Handler {
	return promhttp.Handler()
}
