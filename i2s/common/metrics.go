package common

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "i2s"

// Operation names used as the "op" label.
const (
	OpLoadAssets   = "load_assets"
	OpLoadImage    = "load_image"
	OpExtract      = "extract_features"
	OpFetchWeights = "fetch_weights"
	OpUnpack       = "unpack_weights"
)

// Metrics tracks operation counts, latencies and transferred bytes.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	operations      *prometheus.CounterVec
	duration        *prometheus.HistogramVec
	bytesDownloaded prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg creates
// unregistered collectors, which is handy in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "operations_total",
			Help:      "Number of helper operations by name and outcome.",
		}, []string{"op", "outcome"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "operation_duration_seconds",
			Help:      "Latency of helper operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"op"}),
		bytesDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "weights_downloaded_bytes_total",
			Help:      "Bytes written while fetching weight archives.",
		}),
	}
}

// ObserveOperation records one finished operation that began at start.
func (m *Metrics) ObserveOperation(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// AddDownloadedBytes adds n to the downloaded bytes counter.
func (m *Metrics) AddDownloadedBytes(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.bytesDownloaded.Add(float64(n))
}

// OperationCount returns the counter for op/outcome.
func (m *Metrics) OperationCount(op, outcome string) prometheus.Counter {
	return m.operations.WithLabelValues(op, outcome)
}

// BytesDownloaded exposes the downloaded bytes counter.
func (m *Metrics) BytesDownloaded() prometheus.Counter {
	return m.bytesDownloaded
}
