package vmtracker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type trackerMetrics struct {
	reservedBytes    *prometheus.GaugeVec
	committedBytes   *prometheus.GaugeVec
	stackSnapshots   prometheus.Counter
	reconciledRanges prometheus.Counter
	accountedRegions prometheus.Gauge
}

func newTrackerMetrics(reg prometheus.Registerer) *trackerMetrics {
	return &trackerMetrics{
		reservedBytes: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "memtrack",
			Name:      "reserved_bytes",
			Help:      "Reserved virtual memory in bytes, by memory tag.",
		}, []string{"tag"}),
		committedBytes: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "memtrack",
			Name:      "committed_bytes",
			Help:      "Committed virtual memory in bytes, by memory tag.",
		}, []string{"tag"}),
		stackSnapshots: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "memtrack",
			Name:      "thread_stack_snapshots_total",
			Help:      "Thread stack snapshot passes performed.",
		}),
		reconciledRanges: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "memtrack",
			Name:      "reconciled_ranges_total",
			Help:      "Committed ranges added or removed by stack reconciliation.",
		}),
		accountedRegions: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "memtrack",
			Name:      "reserved_regions",
			Help:      "Number of reserved regions currently tracked.",
		}),
	}
}

func (m *trackerMetrics) setSummary(tag MemTag, s Summary) {
	if m == nil {
		return
	}
	m.reservedBytes.WithLabelValues(tag.String()).Set(float64(s.Reserved))
	m.committedBytes.WithLabelValues(tag.String()).Set(float64(s.Committed))
}
