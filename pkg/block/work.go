package block

import (
	"math/big"

	"github.com/decred/dcrd/blockchain/standalone/v2"
)

// Work returns the expected number of hashes needed to produce a header
// with this target: 2^256 / (target + 1). A zero or negative target
// carries no work.
func (h *Header) Work() *big.Int {
	return standalone.CalcWork(h.Bits)
}

// Target returns the full 256-bit target encoded by Bits.
func (h *Header) Target() *big.Int {
	return standalone.CompactToBig(h.Bits)
}

// SumWork adds up the work of every header in hs.
func SumWork(hs []Header) *big.Int {
	total := new(big.Int)
	for i := range hs {
		total.Add(total, hs[i].Work())
	}
	return total
}
