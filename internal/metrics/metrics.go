// Package metrics exposes Prometheus instrumentation for aggregation runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RowsScanned counts expression matrix gene rows processed.
	RowsScanned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clusterstats_matrix_rows_scanned_total",
			Help: "Gene rows read from expression matrices",
		},
	)

	// ClustersAggregated counts clusters that produced result rows.
	ClustersAggregated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clusterstats_clusters_aggregated_total",
			Help: "Clusters with at least one cell that produced result rows",
		},
	)

	// ClustersSkipped counts clusters skipped for having no cells.
	ClustersSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "clusterstats_clusters_skipped_total",
			Help: "Clusters skipped because no cells could be aggregated",
		},
	)

	// JobsFinished counts API jobs by final status.
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "clusterstats_jobs_finished_total",
			Help: "Aggregation jobs by final status",
		},
		[]string{"status"},
	)

	// RunDuration observes wall time of complete aggregation runs.
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "clusterstats_run_duration_seconds",
			Help:    "Duration of aggregation runs",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 16),
		},
	)
)
