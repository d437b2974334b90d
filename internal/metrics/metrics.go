// Package metrics exposes the pipeline's prometheus counters. The web
// layer serves them on /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var RowsProcessed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "bulkmeta",
		Name:      "rows_processed_total",
		Help:      "Data rows resolved and written to the remote table.",
	},
)

var RowsSkipped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "bulkmeta",
		Name:      "rows_skipped_total",
		Help:      "Data rows dropped before writing.",
	},
	[]string{
		"reason",
	},
)

var BatchesFlushed = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "bulkmeta",
		Name:      "batches_flushed_total",
		Help:      "Column batches written to the remote table store.",
	},
)

var AnnotationsCreated = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "bulkmeta",
		Name:      "annotations_created_total",
		Help:      "Canonical map annotations created.",
	},
)

var LinksSaved = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "bulkmeta",
		Name:      "annotation_links_saved_total",
		Help:      "Annotation links persisted.",
	},
)

var LinksDeleted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "bulkmeta",
		Name:      "annotation_links_deleted_total",
		Help:      "Annotation links removed by the deletion walker.",
	},
)

func init() {
	prometheus.MustRegister(RowsProcessed)
	prometheus.MustRegister(RowsSkipped)
	prometheus.MustRegister(BatchesFlushed)
	prometheus.MustRegister(AnnotationsCreated)
	prometheus.MustRegister(LinksSaved)
	prometheus.MustRegister(LinksDeleted)
}
