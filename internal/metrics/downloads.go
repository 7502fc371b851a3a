package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		downloadsTotal,
		downloadBytesTotal,
		backupsTotal,
	)
}

var (
	downloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discburner_downloads_total",
			Help: "Image downloads by result (ok, reused, failed, cancelled).",
		},
		[]string{"result"},
	)

	downloadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "discburner_download_bytes_total",
			Help: "Bytes written by image downloads.",
		},
	)

	backupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "discburner_database_backups_total",
			Help: "Database backups by result.",
		},
		[]string{"result"},
	)
)

// ObserveDownload records a finished download attempt.
func ObserveDownload(result string, bytes int64) {
	downloadsTotal.WithLabelValues(norm(result)).Inc()
	if bytes > 0 {
		downloadBytesTotal.Add(float64(bytes))
	}
}

// ObserveBackup records a database backup attempt.
func ObserveBackup(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	backupsTotal.WithLabelValues(result).Inc()
}
