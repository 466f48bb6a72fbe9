// Package metrics defines custom Prometheus metrics for blockferry.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// registerOnce ensures Register() is idempotent.
var registerOnce sync.Once

// sizeBuckets are exponential buckets for transfer size histograms (bytes).
var sizeBuckets = []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216, 67108864, 268435456, 1073741824}

// Transfer metrics (RED: Rate, Errors, Duration).
var (
	// UploadsTotal counts completed upload transfers by strategy and result.
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockferry_uploads_total",
			Help: "Completed upload transfers by strategy and result",
		},
		[]string{"strategy", "result"},
	)

	// DownloadsTotal counts completed download transfers by result.
	DownloadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blockferry_downloads_total",
			Help: "Completed download transfers by result",
		},
		[]string{"result"},
	)

	// TransferDuration observes whole-transfer latency in seconds by operation.
	TransferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockferry_transfer_duration_seconds",
			Help:    "Transfer latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// TransferSize observes transfer payload size in bytes by operation.
	TransferSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "blockferry_transfer_size_bytes",
			Help:    "Transfer payload size in bytes",
			Buckets: sizeBuckets,
		},
		[]string{"operation"},
	)
)

// Block and chunk metrics.
var (
	// BlocksStagedTotal counts blocks staged by multi-block uploads.
	BlocksStagedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockferry_blocks_staged_total",
			Help: "Blocks staged by multi-block uploads",
		},
	)

	// ChunksFetchedTotal counts ranged chunks fetched by downloads.
	ChunksFetchedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockferry_chunks_fetched_total",
			Help: "Ranged chunks fetched by downloads",
		},
	)

	// StreamRetriesTotal counts mid-stream read retries (re-issued ranged requests).
	StreamRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockferry_stream_retries_total",
			Help: "Mid-stream read retries (re-issued ranged requests)",
		},
	)

	// BytesUploadedTotal counts total bytes uploaded across all transfers.
	BytesUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockferry_bytes_uploaded_total",
			Help: "Total bytes uploaded",
		},
	)

	// BytesDownloadedTotal counts total bytes downloaded across all transfers.
	BytesDownloadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "blockferry_bytes_downloaded_total",
			Help: "Total bytes downloaded",
		},
	)
)

// Register registers all Prometheus collectors with the default registry.
// This must be called explicitly (typically from the embedding program) so
// that metrics registration can be made conditional on configuration. It is
// safe to call multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			UploadsTotal,
			DownloadsTotal,
			TransferDuration,
			TransferSize,
			BlocksStagedTotal,
			ChunksFetchedTotal,
			StreamRetriesTotal,
			BytesUploadedTotal,
			BytesDownloadedTotal,
		)
		// Initialize UploadsTotal so it appears in /metrics output even
		// before any transfers have been performed.
		UploadsTotal.WithLabelValues("single_shot", "success")
	})
}
