package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Harness Metrics
	HarnessVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optbench_verdicts_total",
		Help: "The total number of recorded (method, problem) verdicts",
	}, []string{"verdict", "method"})

	HarnessSolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "optbench_solve_duration_ms",
		Help:    "Duration of a single solver invocation in milliseconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 18), // 0.1ms to ~13s
	})

	HarnessCostGap = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optbench_last_cost_gap",
		Help: "Absolute gap between achieved and known minimum cost of the last run",
	})

	// Device Metrics
	DeviceBytesInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "optbench_device_bytes_in_use",
		Help: "Device memory currently allocated in bytes",
	})

	DeviceAllocationFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optbench_device_allocation_failures_total",
		Help: "Total number of failed device allocations",
	})

	DeviceTransferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "optbench_device_transfer_bytes_total",
		Help: "Total bytes copied between host and device",
	}, []string{"direction"})

	BufferReallocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "optbench_buffer_reallocations_total",
		Help: "Total number of growing buffer reallocations",
	})
)

// WriteTextfile writes every registered metric to path in the text
// exposition format, for collection by a node-exporter textfile collector.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
