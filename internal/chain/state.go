package chain

import (
	"math/big"

	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// State is a snapshot of the tree's bookkeeping, for status reporting.
type State struct {
	Height  uint64
	TipHash types.Hash
	Genesis types.Hash
	Work    *big.Int // cumulative work of the active chain, genesis excluded
	Known   int      // headers connected to genesis
	Orphans int      // headers waiting for an ancestor
}
