package zarr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors an array reports to. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// RegionOps counts ReadRegion and WriteRegion calls by op and outcome.
	RegionOps *prometheus.CounterVec
	// RegionLatency observes region call durations in seconds by op.
	RegionLatency *prometheus.HistogramVec
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	// StoreBytesRead and StoreBytesWritten count shard bytes moved through
	// the backing store.
	StoreBytesRead    prometheus.Counter
	StoreBytesWritten prometheus.Counter
	// CodecErrors counts chunks that failed to encode or decode.
	CodecErrors prometheus.Counter
}

const metricsNamespace = "zarr"

// NewMetrics builds the collectors and, when reg is non-nil, registers
// them.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		RegionOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "region_ops_total",
			Help:      "Region reads and writes by outcome.",
		}, []string{"op", "outcome"}),
		RegionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "region_duration_seconds",
			Help:      "Region read and write latency.",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 12),
		}, []string{"op"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunk_cache_hits_total",
			Help:      "Decoded chunk cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "chunk_cache_misses_total",
			Help:      "Decoded chunk cache misses.",
		}),
		StoreBytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_read_bytes_total",
			Help:      "Shard bytes fetched from the store.",
		}),
		StoreBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "store_written_bytes_total",
			Help:      "Shard bytes written to the store.",
		}),
		CodecErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "codec_errors_total",
			Help:      "Chunks that failed to encode or decode.",
		}),
	}
	if reg != nil {
		for _, c := range m.collectors() {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.RegionOps, m.RegionLatency, m.CacheHits, m.CacheMisses,
		m.StoreBytesRead, m.StoreBytesWritten, m.CodecErrors,
	}
}

func (m *Metrics) regionDone(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = CodeOf(err).String()
	}
	m.RegionOps.WithLabelValues(op, outcome).Inc()
	m.RegionLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.CacheHits.Inc()
	}
}

func (m *Metrics) cacheMiss() {
	if m != nil {
		m.CacheMisses.Inc()
	}
}

func (m *Metrics) bytesRead(n int) {
	if m != nil {
		m.StoreBytesRead.Add(float64(n))
	}
}

func (m *Metrics) bytesWritten(n int) {
	if m != nil {
		m.StoreBytesWritten.Add(float64(n))
	}
}

func (m *Metrics) codecError() {
	if m != nil {
		m.CodecErrors.Inc()
	}
}
