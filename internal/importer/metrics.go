package importer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	importRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldapsync_import_runs_total",
		Help: "Number of import runs by result",
	}, []string{"result"}) // result: success, cancelled, failed

	importObjectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldapsync_import_objects_total",
		Help: "Number of directory objects processed by status",
	}, []string{"status"})

	importRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ldapsync_import_run_duration_seconds",
		Help:    "Duration of import runs",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	lifecycleTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ldapsync_lifecycle_transitions_total",
		Help: "Number of soft-delete and restore transitions",
	}, []string{"action"})
)
