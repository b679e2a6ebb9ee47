// Package metrics exports Prometheus metrics for mtd devices.
//
// Operation metrics are fed by Observer, passed to mtd.New with
// mtd.WithObserver:
//   - mtd_operations_total: operations by device, op and result
//   - mtd_operation_duration_seconds: operation latency histogram
//   - mtd_operation_bytes_total: bytes moved by successful and partial operations
//
// ECC metrics are read from each device's statistics tracker at scrape time
// by ECCCollector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/akmistry/mtd"
)

var (
	// OperationsTotal counts completed dispatcher operations
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtd_operations_total",
			Help: "Total number of flash operations",
		},
		[]string{"device", "op", "result"},
	)

	// OperationDuration tracks operation latency in seconds
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mtd_operation_duration_seconds",
			Help:    "Flash operation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(10e-6, 4, 10),
		},
		[]string{"device", "op"},
	)

	// OperationBytes counts bytes read, written or erased
	OperationBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mtd_operation_bytes_total",
			Help: "Total bytes transferred by flash operations",
		},
		[]string{"device", "op"},
	)
)

// Observer records mtd operations into the package metrics.
type Observer struct{}

var _ mtd.Observer = Observer{}

// ObserveOp implements mtd.Observer. The result label is mtd.Reason(err).
func (Observer) ObserveOp(device string, op mtd.Op, n int, elapsed time.Duration, err error) {
	OperationsTotal.WithLabelValues(device, string(op), mtd.Reason(err)).Inc()
	OperationDuration.WithLabelValues(device, string(op)).Observe(elapsed.Seconds())
	if n > 0 {
		OperationBytes.WithLabelValues(device, string(op)).Add(float64(n))
	}
}

var (
	eccCorrectedDesc = prometheus.NewDesc(
		"mtd_ecc_corrected_bits_total",
		"Total bitflips corrected by ECC",
		[]string{"device"}, nil,
	)
	eccFailedDesc = prometheus.NewDesc(
		"mtd_ecc_failed_total",
		"Total uncorrectable ECC errors",
		[]string{"device"}, nil,
	)
	badBlocksDesc = prometheus.NewDesc(
		"mtd_bad_blocks",
		"Number of erase blocks found bad",
		[]string{"device"}, nil,
	)
	bbtBlocksDesc = prometheus.NewDesc(
		"mtd_bbt_blocks",
		"Number of erase blocks reserved for bad block tables",
		[]string{"device"}, nil,
	)
	reliableDesc = prometheus.NewDesc(
		"mtd_last_read_reliable",
		"1 if the most recent read stayed within the bitflip threshold",
		[]string{"device"}, nil,
	)
	sizeDesc = prometheus.NewDesc(
		"mtd_size_bytes",
		"Device capacity in bytes",
		[]string{"device"}, nil,
	)
)

// ECCCollector is a prometheus.Collector over the ECC statistics of a fixed
// set of devices.
type ECCCollector struct {
	devs []*mtd.Device
}

var _ prometheus.Collector = (*ECCCollector)(nil)

func NewECCCollector(devs ...*mtd.Device) *ECCCollector {
	return &ECCCollector{devs: devs}
}

func (c *ECCCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- eccCorrectedDesc
	ch <- eccFailedDesc
	ch <- badBlocksDesc
	ch <- bbtBlocksDesc
	ch <- reliableDesc
	ch <- sizeDesc
}

func (c *ECCCollector) Collect(ch chan<- prometheus.Metric) {
	for _, d := range c.devs {
		name := d.Name()
		st := d.Stats()
		tot := st.Totals()

		reliable := 0.0
		if st.IsReliable() {
			reliable = 1
		}

		ch <- prometheus.MustNewConstMetric(eccCorrectedDesc, prometheus.CounterValue, float64(tot.Corrected), name)
		ch <- prometheus.MustNewConstMetric(eccFailedDesc, prometheus.CounterValue, float64(tot.Failed), name)
		ch <- prometheus.MustNewConstMetric(badBlocksDesc, prometheus.GaugeValue, float64(tot.BadBlocks), name)
		ch <- prometheus.MustNewConstMetric(bbtBlocksDesc, prometheus.GaugeValue, float64(tot.BBTBlocks), name)
		ch <- prometheus.MustNewConstMetric(reliableDesc, prometheus.GaugeValue, reliable, name)
		ch <- prometheus.MustNewConstMetric(sizeDesc, prometheus.GaugeValue, float64(d.Size()), name)
	}
}
