package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// SyncCollector implements SyncMetrics with Prometheus collectors.
type SyncCollector struct {
	received prometheus.Counter
	rejected *prometheus.CounterVec
	peers    prometheus.Gauge
	requests prometheus.Histogram
}

var _ SyncMetrics = (*SyncCollector)(nil)

// NewSyncCollector registers the sync collectors on reg.
func NewSyncCollector(reg prometheus.Registerer) *SyncCollector {
	factory := promauto.With(reg)
	return &SyncCollector{
		received: factory.NewCounter(prometheus.CounterOpts{
			Name:      "headers_received_total",
			Namespace: namespaceHeaders,
			Subsystem: subsystemSync,
			Help:      "headers received from peers",
		}),
		rejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name:      "headers_rejected_total",
			Namespace: namespaceHeaders,
			Subsystem: subsystemSync,
			Help:      "headers rejected before import, by reason",
		}, []string{"reason"}),
		peers: factory.NewGauge(prometheus.GaugeOpts{
			Name:      "peers",
			Namespace: namespaceHeaders,
			Subsystem: subsystemSync,
			Help:      "connected peers",
		}),
		requests: factory.NewHistogram(prometheus.HistogramOpts{
			Name:      "request_seconds",
			Namespace: namespaceHeaders,
			Subsystem: subsystemSync,
			Help:      "round trip of getheaders requests",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

func (c *SyncCollector) HeadersReceived(n int) {
	c.received.Add(float64(n))
}

func (c *SyncCollector) HeadersRejected(reason string) {
	c.rejected.WithLabelValues(reason).Inc()
}

func (c *SyncCollector) Peers(n int) {
	c.peers.Set(float64(n))
}

func (c *SyncCollector) SyncRequestDuration(d time.Duration) {
	c.requests.Observe(d.Seconds())
}
