package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus registry and the engine's meters.
type Metrics struct {
	Registry          *prometheus.Registry
	OperationDuration *prometheus.HistogramVec
	OperationTotal    *prometheus.CounterVec
	FilesTotal        *prometheus.CounterVec
	BytesCopied       *prometheus.CounterVec
	FillRemaining     prometheus.Gauge
	IndexOps          *prometheus.CounterVec
}

// NewMetrics creates a custom registry with the standard backup metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	opDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "backup_operation_duration_seconds",
		Help:    "Duration of pipeline operations in seconds.",
		Buckets: []float64{.1, .5, 1, 5, 15, 60, 300, 900, 3600, 14400},
	}, []string{"operation", "status"})

	opTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_operation_total",
		Help: "Total number of pipeline operations.",
	}, []string{"operation", "status"})

	files := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_files_total",
		Help: "Files processed, by operation and outcome.",
	}, []string{"operation", "outcome"})

	bytesCopied := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_bytes_copied_total",
		Help: "Bytes written to backup drives.",
	}, []string{"operation"})

	remaining := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "backup_fill_remaining_files",
		Help: "Unassigned source files left in the active fill run.",
	})

	indexOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "backup_index_ops_total",
		Help: "Inventory index operations, by operation and backend.",
	}, []string{"op", "backend"})

	reg.MustRegister(opDuration, opTotal, files, bytesCopied, remaining, indexOps)

	return &Metrics{
		Registry:          reg,
		OperationDuration: opDuration,
		OperationTotal:    opTotal,
		FilesTotal:        files,
		BytesCopied:       bytesCopied,
		FillRemaining:     remaining,
		IndexOps:          indexOps,
	}
}
