package metrics

import "time"

type NoopCollector struct{}

var (
	_ TreeMetrics = NoopCollector{}
	_ SyncMetrics = NoopCollector{}
)

func NewNoopCollector() NoopCollector {
	return NoopCollector{}
}

func (NoopCollector) HeadersImported(n int)                  {}
func (NoopCollector) TipChanged(height uint64, depth uint64) {}
func (NoopCollector) RolledBack(depth uint64)                {}
func (NoopCollector) Orphans(n int)                          {}
func (NoopCollector) ForkChoiceDuration(d time.Duration)     {}
func (NoopCollector) HeadersReceived(n int)                  {}
func (NoopCollector) HeadersRejected(reason string)          {}
func (NoopCollector) Peers(n int)                            {}
func (NoopCollector) SyncRequestDuration(d time.Duration)    {}
