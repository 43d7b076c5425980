// Package metrics exposes Prometheus collectors for the block tree and the
// header sync layer, plus a no-op implementation for tests and for nodes
// running with metrics disabled.
package metrics

import "time"

const (
	namespaceHeaders = "klingnet_headers"
	subsystemTree    = "tree"
	subsystemSync    = "sync"
)

// TreeMetrics receives events from a block tree.
type TreeMetrics interface {
	// HeadersImported counts headers newly added to the store.
	HeadersImported(n int)
	// TipChanged records a new active tip. reorgDepth is the number of
	// headers that left the active chain.
	TipChanged(height uint64, reorgDepth uint64)
	// RolledBack records an explicit rollback of depth headers.
	RolledBack(depth uint64)
	// Orphans reports the number of headers not connected to genesis.
	Orphans(n int)
	// ForkChoiceDuration times one import's fork-choice work.
	ForkChoiceDuration(d time.Duration)
}

// SyncMetrics receives events from the header sync layer.
type SyncMetrics interface {
	HeadersReceived(n int)
	HeadersRejected(reason string)
	Peers(n int)
	SyncRequestDuration(d time.Duration)
}
