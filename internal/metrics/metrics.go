// Package metrics provides Prometheus instrumentation of the tour book:
// bucket expansions, backing-store queries and page loads of the flat
// tour table.
//
// Metrics are registered with the default registry; Handler exposes them
// in the Prometheus text format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ExpandTotal counts expansions by node kind and result
	// (ok, error, discarded, cached, joined).
	ExpandTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tourbook_expand_total",
			Help: "Total number of tree node expansions",
		},
		[]string{"kind", "result"},
	)

	// QueryDuration observes backing-store round trips by operation.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tourbook_query_duration_seconds",
			Help:    "Duration of backing-store queries",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"operation"},
	)

	// QueryErrors counts failed backing-store queries by operation.
	QueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tourbook_query_errors_total",
			Help: "Total number of failed backing-store queries",
		},
		[]string{"operation"},
	)

	// PageLoads counts page loads of the flat tour table by result.
	PageLoads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tourbook_page_loads_total",
			Help: "Total number of tour page loads",
		},
		[]string{"result"},
	)
)

// ObserveQuery records the duration and outcome of one query.
func ObserveQuery(operation string, start time.Time, err error) {
	QueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		QueryErrors.WithLabelValues(operation).Inc()
	}
}

// RecordExpand counts one expansion of a node kind.
func RecordExpand(kind, result string) {
	ExpandTotal.WithLabelValues(kind, result).Inc()
}

// RecordPageLoad counts one page load.
func RecordPageLoad(err error) {
	if err != nil {
		PageLoads.WithLabelValues("error").Inc()
		return
	}
	PageLoads.WithLabelValues("ok").Inc()
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
