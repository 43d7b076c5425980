// Package blocktree defines the contract shared by every header block-tree:
// a store of known headers, the best chain selected from it by cumulative
// proof of work, and the queries answered against that chain.
//
// Two implementations exist. model.Cache is the reference: it rescans the
// whole store on every import and is easy to check by reading. chain.Tree
// is the production tree with incremental bookkeeping and persistence. The
// difftest package drives both with the same inputs and compares them.
//
// Trees are not safe for concurrent use. Wrap one in Synchronized when it
// is shared between goroutines.
package blocktree

import (
	"errors"
	"iter"
	"math/big"
	"time"

	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// Errors returned by block-tree implementations.
var (
	// ErrInvalidHeight is returned by Rollback when the requested height is
	// above the current best height.
	ErrInvalidHeight = errors.New("invalid height")

	// ErrEmptyChain is returned when building a tree from zero headers.
	ErrEmptyChain = errors.New("empty chain")

	// ErrNoBranch is returned when fork choice finds no branch rooted at
	// genesis. It cannot happen while genesis is in the store.
	ErrNoBranch = errors.New("no branch reaches genesis")

	// ErrDisconnectedChain is returned when a bulk-loaded chain does not
	// link each header to its predecessor.
	ErrDisconnectedChain = errors.New("chain is not connected")

	// ErrGenesisMismatch is returned when persisted state belongs to a
	// different genesis header.
	ErrGenesisMismatch = errors.New("genesis mismatch")
)

// Clock supplies network-adjusted time to importers. Trees accept it so the
// import signature matches what a validating caller needs, but the fork
// choice itself never reads it.
type Clock interface {
	Now() time.Time
}

// BlockTree is a header store plus the best chain selected from it.
type BlockTree interface {
	// ImportBlocks stores every header and re-runs fork choice. It returns
	// the identity and height of the resulting tip. Headers whose ancestry
	// does not reach genesis are kept and may connect later.
	ImportBlocks(headers iter.Seq[block.Header], clock Clock) (types.Hash, uint64, error)

	// GetBlock looks a header up on the active chain only.
	GetBlock(hash types.Hash) (uint64, block.Header, bool)

	// GetBlockByHeight returns the active-chain header at height.
	GetBlockByHeight(height uint64) (block.Header, bool)

	// Tip returns the identity and header of the last active-chain element.
	Tip() (types.Hash, block.Header)

	// Height returns the zero-based height of the tip.
	Height() uint64

	// Iter yields (height, header) pairs from genesis to tip. The sequence is
	// a snapshot taken when Iter is called.
	Iter() iter.Seq2[uint64, block.Header]

	// Rollback truncates the active chain so that height becomes the tip
	// and forgets every removed header. Fork choice is not re-run until the
	// next import.
	Rollback(height uint64) error
}

// Heavier reports whether a branch with work aWork ending at aTip beats one
// with bWork ending at bTip. More work wins; equal work goes to the
// numerically smaller tip hash.
func Heavier(aWork *big.Int, aTip types.Hash, bWork *big.Int, bTip types.Hash) bool {
	if c := aWork.Cmp(bWork); c != 0 {
		return c > 0
	}
	return aTip.Less(bTip)
}

// Headers adapts a slice to the sequence accepted by ImportBlocks.
func Headers(hs ...block.Header) iter.Seq[block.Header] {
	return func(yield func(block.Header) bool) {
		for _, h := range hs {
			if !yield(h) {
				return
			}
		}
	}
}
