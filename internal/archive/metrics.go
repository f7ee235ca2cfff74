package archive

import "github.com/prometheus/client_golang/prometheus"

var (
	archiveRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leadnova_audit_archive_runs_total",
			Help: "Total number of audit archive runs by status.",
		},
		[]string{"status"},
	)
	archiveRecordsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leadnova_audit_archive_records_total",
			Help: "Total number of audit records exported to object storage.",
		},
	)
	archiveBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "leadnova_audit_archive_bytes_total",
			Help: "Total parquet bytes written by audit archive runs.",
		},
	)
	archiveLastID = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "leadnova_audit_archive_watermark",
			Help: "Highest audit id exported so far.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		archiveRunsTotal,
		archiveRecordsTotal,
		archiveBytesTotal,
		archiveLastID,
	)
}
