package blocktree

import (
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// Locator returns active-chain hashes a peer can use to find the fork point:
// the last ten headers one by one, then exponentially sparser, always
// ending with genesis.
func Locator(t BlockTree) []types.Hash {
	height := t.Height()
	var out []types.Hash
	step := uint64(1)
	h := height
	for {
		hdr, ok := t.GetBlockByHeight(h)
		if !ok {
			break
		}
		out = append(out, hdr.Hash())
		if h == 0 {
			return out
		}
		if len(out) >= 10 {
			step *= 2
		}
		if h < step {
			h = 0
		} else {
			h -= step
		}
	}
	return out
}

// HeadersAfter returns up to max active-chain headers following the first
// locator hash that is on the active chain, stopping after stop if it is
// reached. With no match it starts right after genesis.
func HeadersAfter(t BlockTree, locator []types.Hash, stop types.Hash, max int) []block.Header {
	start := uint64(1)
	for _, hash := range locator {
		if height, _, ok := t.GetBlock(hash); ok {
			start = height + 1
			break
		}
	}

	var out []block.Header
	for h := start; h <= t.Height() && len(out) < max; h++ {
		hdr, ok := t.GetBlockByHeight(h)
		if !ok {
			break
		}
		out = append(out, hdr)
		if !stop.IsZero() && hdr.Hash() == stop {
			break
		}
	}
	return out
}
