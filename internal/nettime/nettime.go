// Package nettime provides a network-adjusted clock built from the time
// offsets reported by connected peers.
package nettime

import (
	"slices"
	"sync"
	"time"
)

const (
	// MinSamples is the number of peer samples needed before the offset
	// is applied.
	MinSamples = 5

	// MaxPeers bounds the number of peers tracked.
	MaxPeers = 200

	// MaxOffset is the largest median offset that is trusted. Anything
	// larger means the local clock or the peer set is broken.
	MaxOffset = 70 * time.Minute
)

// SystemClock reads the local wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// AdjustedTime is the local clock shifted by the median peer offset.
// It is safe for concurrent use.
type AdjustedTime struct {
	mu      sync.RWMutex
	local   func() time.Time
	samples map[string]time.Duration
	order   []string // insertion order, oldest first
	offset  time.Duration
}

// NewAdjustedTime creates an adjusted clock over the system clock.
func NewAdjustedTime() *AdjustedTime {
	return NewAdjustedTimeWith(time.Now)
}

// NewAdjustedTimeWith creates an adjusted clock over a custom local clock.
func NewAdjustedTimeWith(local func() time.Time) *AdjustedTime {
	return &AdjustedTime{
		local:   local,
		samples: make(map[string]time.Duration),
	}
}

// AddSample records the unix time a peer reported. A peer's later sample
// replaces its earlier one. When MaxPeers is reached the oldest peer is
// evicted.
func (a *AdjustedTime) AddSample(peer string, remoteUnix int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	offset := time.Unix(remoteUnix, 0).Sub(a.local()).Truncate(time.Second)
	if _, ok := a.samples[peer]; !ok {
		if len(a.order) >= MaxPeers {
			delete(a.samples, a.order[0])
			a.order = a.order[1:]
		}
		a.order = append(a.order, peer)
	}
	a.samples[peer] = offset
	a.recompute()
}

// RemovePeer drops a peer's sample.
func (a *AdjustedTime) RemovePeer(peer string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.samples[peer]; !ok {
		return
	}
	delete(a.samples, peer)
	a.order = slices.DeleteFunc(a.order, func(p string) bool { return p == peer })
	a.recompute()
}

func (a *AdjustedTime) recompute() {
	if len(a.samples) < MinSamples {
		a.offset = 0
		return
	}
	offsets := make([]time.Duration, 0, len(a.samples))
	for _, o := range a.samples {
		offsets = append(offsets, o)
	}
	slices.Sort(offsets)
	median := offsets[len(offsets)/2]
	if median.Abs() > MaxOffset {
		a.offset = 0
		return
	}
	a.offset = median
}

// Offset returns the offset currently applied to the local clock.
func (a *AdjustedTime) Offset() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.offset
}

// Samples returns the number of peers with a recorded sample.
func (a *AdjustedTime) Samples() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.samples)
}

// Now returns the adjusted time.
func (a *AdjustedTime) Now() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.local().Add(a.offset)
}
