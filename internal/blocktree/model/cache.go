// Package model is the reference block tree. Every import rebuilds the best
// chain from scratch by walking each stored header back to genesis, which
// keeps the fork choice easy to audit at the cost of O(headers × depth)
// work per import.
package model

import (
	"fmt"
	"iter"
	"math/big"
	"slices"

	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// Stats counts branch reconstruction effort.
type Stats struct {
	Walks uint64 // branch reconstructions attempted
	Steps uint64 // headers visited across all walks
}

// Cache holds every known header and the active chain chosen from them.
type Cache struct {
	headers map[types.Hash]block.Header
	chain   []block.Header // never empty; chain[0] is genesis
	tip     types.Hash
	genesis types.Hash
	stats   Stats
}

var _ blocktree.BlockTree = (*Cache)(nil)

// New returns a cache containing only genesis.
func New(genesis block.Header) *Cache {
	hash := genesis.Hash()
	return &Cache{
		headers: map[types.Hash]block.Header{hash: genesis},
		chain:   []block.Header{genesis},
		tip:     hash,
		genesis: hash,
	}
}

// FromChain builds a cache whose active chain is exactly headers, the first
// of which is taken as genesis.
func FromChain(headers []block.Header) (*Cache, error) {
	if len(headers) == 0 {
		return nil, blocktree.ErrEmptyChain
	}
	if !blocktree.Branch(headers).Connected() {
		return nil, blocktree.ErrDisconnectedChain
	}
	c := New(headers[0])
	for _, h := range headers[1:] {
		c.headers[h.Hash()] = h
	}
	c.chain = slices.Clone(headers)
	c.tip = c.chain[len(c.chain)-1].Hash()
	return c, nil
}

// ImportBlocks stores the headers and recomputes the active chain.
// The clock is not consulted.
func (c *Cache) ImportBlocks(headers iter.Seq[block.Header], _ blocktree.Clock) (types.Hash, uint64, error) {
	for h := range headers {
		c.headers[h.Hash()] = h
	}

	best, err := c.bestBranch()
	if err != nil {
		return c.tip, c.Height(), err
	}
	c.chain = best
	c.tip = best.Tip()
	return c.tip, c.Height(), nil
}

// bestBranch reconstructs a branch for every stored header and keeps the
// heaviest one.
func (c *Cache) bestBranch() (blocktree.Branch, error) {
	var (
		best     blocktree.Branch
		bestWork *big.Int
		bestTip  types.Hash
	)
	for hash := range c.headers {
		branch, ok := c.branchTo(hash)
		if !ok {
			continue
		}
		work := branch.Work()
		if best == nil || blocktree.Heavier(work, hash, bestWork, bestTip) {
			best, bestWork, bestTip = branch, work, hash
		}
	}
	if best == nil {
		return nil, blocktree.ErrNoBranch
	}
	return best, nil
}

// branchTo walks back from tip to genesis. The walk gives up after visiting
// as many headers as the store holds, so a PrevHash cycle cannot loop.
func (c *Cache) branchTo(tip types.Hash) (blocktree.Branch, bool) {
	c.stats.Walks++
	var branch blocktree.Branch
	cur := tip
	for range len(c.headers) {
		h, ok := c.headers[cur]
		if !ok {
			return nil, false
		}
		c.stats.Steps++
		branch = append(branch, h)
		if cur == c.genesis {
			slices.Reverse(branch)
			return branch, true
		}
		cur = h.PrevHash
	}
	return nil, false
}

// GetBlock scans the active chain for hash.
func (c *Cache) GetBlock(hash types.Hash) (uint64, block.Header, bool) {
	for i, h := range c.chain {
		if h.Hash() == hash {
			return uint64(i), h, true
		}
	}
	return 0, block.Header{}, false
}

// GetBlockByHeight returns the active-chain header at height.
func (c *Cache) GetBlockByHeight(height uint64) (block.Header, bool) {
	if height >= uint64(len(c.chain)) {
		return block.Header{}, false
	}
	return c.chain[height], true
}

// Tip returns the last active-chain header and its identity.
func (c *Cache) Tip() (types.Hash, block.Header) {
	return c.tip, c.chain[len(c.chain)-1]
}

// Height returns the tip height.
func (c *Cache) Height() uint64 {
	return uint64(len(c.chain) - 1)
}

// Iter yields a copy of the active chain as it is now.
func (c *Cache) Iter() iter.Seq2[uint64, block.Header] {
	snapshot := slices.Clone(c.chain)
	return func(yield func(uint64, block.Header) bool) {
		for i, h := range snapshot {
			if !yield(uint64(i), h) {
				return
			}
		}
	}
}

// Rollback keeps heights 0..=height and deletes the rest from the store.
func (c *Cache) Rollback(height uint64) error {
	if height > c.Height() {
		return fmt.Errorf("%w: rollback to %d above tip height %d",
			blocktree.ErrInvalidHeight, height, c.Height())
	}
	for _, h := range c.chain[height+1:] {
		delete(c.headers, h.Hash())
	}
	c.chain = slices.Clip(c.chain[:height+1])
	c.tip = c.chain[height].Hash()
	return nil
}

// Len returns the number of headers in the store, orphans included.
func (c *Cache) Len() int {
	return len(c.headers)
}

// Stats returns reconstruction counters accumulated since construction.
func (c *Cache) Stats() Stats {
	return c.stats
}
