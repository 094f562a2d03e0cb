package store

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/micro-manager/mmstore/storage"
)

// storeMetrics are the prometheus collectors of one store.  They carry the
// dataset uuid as a constant label so several stores can share a registry.
type storeMetrics struct {
	reg        prometheus.Registerer
	collectors []prometheus.Collector

	planesWritten prometheus.Counter
	bytesWritten  prometheus.Counter
	writeLatency  prometheus.Histogram
	readLatency   *prometheus.HistogramVec
}

func newStoreMetrics(s *Store, reg prometheus.Registerer) (*storeMetrics, error) {
	labels := prometheus.Labels{"dataset": s.meta.UUID}
	m := &storeMetrics{
		reg: reg,
		planesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mmstore",
			Name:        "planes_written_total",
			Help:        "Full-resolution planes written.",
			ConstLabels: labels,
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "mmstore",
			Name:        "pixel_bytes_written_total",
			Help:        "Uncompressed pixel bytes written.",
			ConstLabels: labels,
		}),
		writeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace:   "mmstore",
			Name:        "write_latency_seconds",
			Help:        "Latency of plane writes.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		readLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   "mmstore",
			Name:        "read_latency_seconds",
			Help:        "Latency of plane and stitched image reads.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"op"}),
	}
	m.collectors = []prometheus.Collector{
		m.planesWritten,
		m.bytesWritten,
		m.writeLatency,
		m.readLatency,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "mmstore",
			Subsystem:   "pyramid",
			Name:        "queue_depth",
			Help:        "Planes waiting for pyramid updates.",
			ConstLabels: labels,
		}, func() float64 { return float64(s.pyramid.Stats().QueueDepth) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "mmstore",
			Subsystem:   "cache",
			Name:        "hit_ratio",
			Help:        "Fraction of plane reads served by the decoded plane cache.",
			ConstLabels: labels,
		}, s.cache.hitRate),
	}
	if reg == nil {
		return m, nil
	}
	if err := storage.RegisterMetrics(reg); err != nil {
		return nil, err
	}
	for i, c := range m.collectors {
		if err := reg.Register(c); err != nil {
			for _, prev := range m.collectors[:i] {
				reg.Unregister(prev)
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *storeMetrics) unregister() {
	if m.reg == nil {
		return
	}
	for _, c := range m.collectors {
		m.reg.Unregister(c)
	}
}
