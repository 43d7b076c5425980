package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TreeCollector implements TreeMetrics with Prometheus collectors.
type TreeCollector struct {
	imported   prometheus.Counter
	height     prometheus.Gauge
	tipChanges prometheus.Counter
	reorgDepth prometheus.Histogram
	rollbacks  prometheus.Counter
	orphans    prometheus.Gauge
	forkChoice prometheus.Histogram
}

var _ TreeMetrics = (*TreeCollector)(nil)

// NewTreeCollector registers the tree collectors on reg.
func NewTreeCollector(reg prometheus.Registerer) *TreeCollector {
	factory := promauto.With(reg)
	return &TreeCollector{
		imported: factory.NewCounter(prometheus.CounterOpts{
			Name:      "headers_imported_total",
			Namespace: namespaceHeaders,
			Subsystem: subsystemTree,
			Help:      "number of headers added to the header store",
		}),
		height: factory.NewGauge(prometheus.GaugeOpts{
			Name:      "height",
			Namespace: namespaceHeaders,
			Subsystem: subsystemTree,
			Help:      "height of the active chain tip",
		}),
		tipChanges: factory.NewCounter(prometheus.CounterOpts{
			Name:      "tip_changes_total",
			Namespace: namespaceHeaders,
			Subsystem: subsystemTree,
			Help:      "number of times the active tip moved",
		}),
		reorgDepth: factory.NewHistogram(prometheus.HistogramOpts{
			Name:      "reorg_depth",
			Namespace: namespaceHeaders,
			Subsystem: subsystemTree,
			Help:      "headers removed from the active chain per tip change",
			Buckets:   []float64{0, 1, 2, 3, 6, 12, 24, 100},
		}),
		rollbacks: factory.NewCounter(prometheus.CounterOpts{
			Name:      "rollbacks_total",
			Namespace: namespaceHeaders,
			Subsystem: subsystemTree,
			Help:      "number of explicit rollbacks",
		}),
		orphans: factory.NewGauge(prometheus.GaugeOpts{
			Name:      "orphans",
			Namespace: namespaceHeaders,
			Subsystem: subsystemTree,
			Help:      "headers in the store that do not connect to genesis",
		}),
		forkChoice: factory.NewHistogram(prometheus.HistogramOpts{
			Name:      "fork_choice_seconds",
			Namespace: namespaceHeaders,
			Subsystem: subsystemTree,
			Help:      "time spent selecting the best chain per import",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

func (c *TreeCollector) HeadersImported(n int) {
	c.imported.Add(float64(n))
}

func (c *TreeCollector) TipChanged(height uint64, reorgDepth uint64) {
	c.height.Set(float64(height))
	c.tipChanges.Inc()
	c.reorgDepth.Observe(float64(reorgDepth))
}

func (c *TreeCollector) RolledBack(depth uint64) {
	c.rollbacks.Inc()
}

func (c *TreeCollector) Orphans(n int) {
	c.orphans.Set(float64(n))
}

func (c *TreeCollector) ForkChoiceDuration(d time.Duration) {
	c.forkChoice.Observe(d.Seconds())
}
