package ingestion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeAcked  = "acked"
	outcomeNacked = "nacked"
)

// Metrics for the import pipeline.
type Metrics struct {
	deliveries       *prometheus.CounterVec
	downloadedBytes  prometheus.Counter
	downloadDuration prometheus.Histogram
	finalizations    *prometheus.CounterVec
	batchFiles       prometheus.Gauge
}

// NewMetrics registers the metrics on r. A nil registerer keeps them
// unregistered, which tests use.
func NewMetrics(r prometheus.Registerer) *Metrics {
	f := promauto.With(r)
	return &Metrics{
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haydov_importer",
			Name:      "deliveries_total",
			Help:      "Deliveries handled, by outcome and the stage that failed.",
		}, []string{"outcome", "stage"}),
		downloadedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "haydov_importer",
			Name:      "downloaded_bytes_total",
			Help:      "Bytes written to the local directory.",
		}),
		downloadDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "haydov_importer",
			Name:      "download_duration_seconds",
			Help:      "Time to fetch and write one object.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}),
		finalizations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "haydov_importer",
			Name:      "finalizations_total",
			Help:      "Sentinel finalizations, by status.",
		}, []string{"status"}),
		batchFiles: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "haydov_importer",
			Name:      "batch_files",
			Help:      "Files in the current batch.",
		}),
	}
}
