package blocktree

import (
	"iter"
	"math/big"
	"sync"

	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// Synchronized serializes access to a BlockTree shared by several
// goroutines (sync, RPC, miner).
type Synchronized struct {
	mu   sync.RWMutex
	tree BlockTree
}

// NewSynchronized wraps tree. The caller must not use tree directly
// afterwards.
func NewSynchronized(tree BlockTree) *Synchronized {
	return &Synchronized{tree: tree}
}

func (s *Synchronized) ImportBlocks(headers iter.Seq[block.Header], clock Clock) (types.Hash, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.ImportBlocks(headers, clock)
}

func (s *Synchronized) GetBlock(hash types.Hash) (uint64, block.Header, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.GetBlock(hash)
}

func (s *Synchronized) GetBlockByHeight(height uint64) (block.Header, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.GetBlockByHeight(height)
}

func (s *Synchronized) Tip() (types.Hash, block.Header) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Tip()
}

func (s *Synchronized) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Height()
}

// Iter takes its snapshot under the read lock; ranging over the result does
// not hold the lock.
func (s *Synchronized) Iter() iter.Seq2[uint64, block.Header] {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Iter()
}

func (s *Synchronized) Rollback(height uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tree.Rollback(height)
}

// Work returns the cumulative work of the active chain.
func (s *Synchronized) Work() *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ChainWork(s.tree)
}

// View runs fn with shared access, so several reads see one state.
// fn must not retain the tree.
func (s *Synchronized) View(fn func(BlockTree)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(s.tree)
}

// Update runs fn with exclusive access.
func (s *Synchronized) Update(fn func(BlockTree) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.tree)
}
