package forkgen

import (
	"math/big"

	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// Store mirrors what a tree should hold: genesis plus every imported header
// not yet forgotten by a rollback.
type Store struct {
	genesis types.Hash
	headers map[types.Hash]block.Header
}

// NewStore returns a mirror containing only genesis.
func NewStore(genesis block.Header) *Store {
	hash := genesis.Hash()
	return &Store{genesis: hash, headers: map[types.Hash]block.Header{hash: genesis}}
}

// Add records imported headers.
func (s *Store) Add(hs ...block.Header) {
	for _, h := range hs {
		s.headers[h.Hash()] = h
	}
}

// Forget drops headers removed by a rollback.
func (s *Store) Forget(hs ...block.Header) {
	for _, h := range hs {
		delete(s.headers, h.Hash())
	}
}

// Best brute-forces the heaviest genesis-rooted branch and its work.
func (s *Store) Best() (types.Hash, *big.Int) {
	var (
		bestTip  types.Hash
		bestWork *big.Int
	)
	for hash := range s.headers {
		work, ok := s.workTo(hash)
		if !ok {
			continue
		}
		if bestWork == nil || blocktree.Heavier(work, hash, bestWork, bestTip) {
			bestTip, bestWork = hash, work
		}
	}
	return bestTip, bestWork
}

func (s *Store) workTo(hash types.Hash) (*big.Int, bool) {
	work := new(big.Int)
	cur := hash
	for range len(s.headers) {
		h, ok := s.headers[cur]
		if !ok {
			return nil, false
		}
		if cur == s.genesis {
			return work, true
		}
		work.Add(work, h.Work())
		cur = h.PrevHash
	}
	return nil, false
}
