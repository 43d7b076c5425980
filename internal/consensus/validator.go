package consensus

import (
	"errors"
	"fmt"
	"time"

	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
)

// ErrTimestampTooNew is returned for headers too far ahead of network time.
var ErrTimestampTooNew = errors.New("header timestamp too far in the future")

// MaxFutureDrift is how far ahead of adjusted time a header may be stamped.
const MaxFutureDrift = 2 * time.Hour

// CheckTimestamp rejects headers stamped more than maxDrift after clock.Now().
func CheckTimestamp(header *block.Header, clock blocktree.Clock, maxDrift time.Duration) error {
	limit := clock.Now().Add(maxDrift).Unix()
	if limit < 0 || header.Timestamp > uint64(limit) {
		return fmt.Errorf("%w: %d > %d", ErrTimestampTooNew, header.Timestamp, limit)
	}
	return nil
}

// Validator validates headers against structural and consensus rules.
type Validator struct {
	engine   Engine
	clock    blocktree.Clock
	maxDrift time.Duration
}

// NewValidator creates a header validator with the given consensus engine.
func NewValidator(engine Engine, clock blocktree.Clock) *Validator {
	return &Validator{engine: engine, clock: clock, maxDrift: MaxFutureDrift}
}

// Clock returns the clock timestamps are checked against.
func (v *Validator) Clock() blocktree.Clock {
	return v.clock
}

// ValidateHeader checks a single header.
func (v *Validator) ValidateHeader(h *block.Header) error {
	if err := h.Validate(); err != nil {
		return fmt.Errorf("header structure: %w", err)
	}
	if err := v.engine.VerifyHeader(h); err != nil {
		return fmt.Errorf("consensus: %w", err)
	}
	return CheckTimestamp(h, v.clock, v.maxDrift)
}

// ValidateHeaders checks every header in hs and reports the first failure
// with its index.
func (v *Validator) ValidateHeaders(hs []block.Header) error {
	for i := range hs {
		if err := v.ValidateHeader(&hs[i]); err != nil {
			return fmt.Errorf("header %d (%s): %w", i, hs[i].Hash().Short(), err)
		}
	}
	return nil
}
