package blocktree

import (
	"math/big"

	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// Branch is an ordered run of headers from genesis (index 0) to a tip.
type Branch []block.Header

// Tip returns the identity of the last header, or the zero hash for an
// empty branch.
func (b Branch) Tip() types.Hash {
	if len(b) == 0 {
		return types.Hash{}
	}
	return b[len(b)-1].Hash()
}

// Work sums the work of every header after genesis. Genesis is a given,
// not something a branch competes on.
func (b Branch) Work() *big.Int {
	if len(b) < 2 {
		return new(big.Int)
	}
	return block.SumWork(b[1:])
}

// Connected reports whether every header's PrevHash names the one before it.
func (b Branch) Connected() bool {
	for i := 1; i < len(b); i++ {
		if b[i].PrevHash != b[i-1].Hash() {
			return false
		}
	}
	return true
}

// ChainWork returns the cumulative work of t's active chain, genesis
// excluded. Trees that track it expose a Work method; the rest are summed
// over Iter.
func ChainWork(t BlockTree) *big.Int {
	if w, ok := t.(interface{ Work() *big.Int }); ok {
		return w.Work()
	}
	total := new(big.Int)
	for height, h := range t.Iter() {
		if height > 0 {
			total.Add(total, h.Work())
		}
	}
	return total
}
