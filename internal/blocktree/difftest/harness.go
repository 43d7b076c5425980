// Package difftest drives two block trees with identical operations and
// reports the first point where their observable state differs: tip,
// height or active-chain contents.
package difftest

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// Divergence describes the first mismatch between the two trees.
type Divergence struct {
	Step   int
	Op     string
	Detail string
}

func (d *Divergence) Error() string {
	return fmt.Sprintf("step %d (%s): %s", d.Step, d.Op, d.Detail)
}

// Harness applies each operation to a reference tree and a candidate tree.
type Harness struct {
	reference blocktree.BlockTree
	candidate blocktree.BlockTree
	clock     blocktree.Clock
	step      int
}

// New returns a harness over two trees built from the same genesis.
func New(reference, candidate blocktree.BlockTree, clock blocktree.Clock) *Harness {
	return &Harness{reference: reference, candidate: candidate, clock: clock}
}

// Steps returns the number of operations applied so far.
func (h *Harness) Steps() int {
	return h.step
}

// Import feeds headers to both trees and compares the outcome.
func (h *Harness) Import(headers []block.Header) error {
	h.step++
	op := fmt.Sprintf("import %d headers", len(headers))

	refTip, refHeight, refErr := h.reference.ImportBlocks(blocktree.Headers(headers...), h.clock)
	candTip, candHeight, candErr := h.candidate.ImportBlocks(blocktree.Headers(headers...), h.clock)
	if (refErr == nil) != (candErr == nil) {
		return h.diverge(op, "errors differ: reference %v, candidate %v", refErr, candErr)
	}
	if refTip != candTip || refHeight != candHeight {
		return h.diverge(op, "import returned (%s, %d) vs (%s, %d)",
			refTip.Short(), refHeight, candTip.Short(), candHeight)
	}
	return h.compare(op)
}

// Rollback rolls both trees back and compares the outcome.
func (h *Harness) Rollback(height uint64) error {
	h.step++
	op := fmt.Sprintf("rollback to %d", height)

	refErr := h.reference.Rollback(height)
	candErr := h.candidate.Rollback(height)
	if !sameError(refErr, candErr) {
		return h.diverge(op, "errors differ: reference %v, candidate %v", refErr, candErr)
	}
	return h.compare(op)
}

// Compare checks the two trees without applying an operation.
func (h *Harness) Compare() error {
	return h.compare("compare")
}

func (h *Harness) compare(op string) error {
	refTip, _ := h.reference.Tip()
	candTip, _ := h.candidate.Tip()
	if refTip != candTip {
		return h.diverge(op, "tip %s vs %s", refTip.Short(), candTip.Short())
	}
	if h.reference.Height() != h.candidate.Height() {
		return h.diverge(op, "height %d vs %d", h.reference.Height(), h.candidate.Height())
	}

	refChain := collect(h.reference)
	candChain := collect(h.candidate)
	if len(refChain) != len(candChain) {
		return h.diverge(op, "active chain length %d vs %d", len(refChain), len(candChain))
	}
	for i := range refChain {
		if refChain[i] != candChain[i] {
			return h.diverge(op, "active chain differs at height %d: %s vs %s",
				i, refChain[i].Short(), candChain[i].Short())
		}
	}
	return nil
}

func (h *Harness) diverge(op, format string, args ...any) error {
	return &Divergence{Step: h.step, Op: op, Detail: fmt.Sprintf(format, args...)}
}

func collect(t blocktree.BlockTree) []types.Hash {
	var out []types.Hash
	for _, hdr := range t.Iter() {
		out = append(out, hdr.Hash())
	}
	return out
}

// sameError treats two errors as equal when both are nil or both match the
// same block-tree sentinel.
func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	for _, sentinel := range []error{
		blocktree.ErrInvalidHeight,
		blocktree.ErrEmptyChain,
		blocktree.ErrNoBranch,
		blocktree.ErrDisconnectedChain,
	} {
		if errors.Is(a, sentinel) != errors.Is(b, sentinel) {
			return false
		}
	}
	return true
}
