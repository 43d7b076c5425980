// Package chain implements the production header tree: an index of every
// header connected to genesis with incrementally maintained cumulative work,
// a pool of headers still waiting for an ancestor, and optional write-through
// persistence to a storage.DB.
//
// Its observable behaviour matches the reference model in
// internal/blocktree/model; the difftest package checks that.
package chain

import (
	"fmt"
	"iter"
	"math/big"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	klog "github.com/Klingon-tech/klingnet-headers/internal/log"
	"github.com/Klingon-tech/klingnet-headers/internal/metrics"
	"github.com/Klingon-tech/klingnet-headers/internal/storage"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// Tree is the production block tree. It is not safe for concurrent use;
// share it through blocktree.Synchronized.
type Tree struct {
	genesis *node
	nodes   map[types.Hash]*node        // connected to genesis
	orphans map[types.Hash]block.Header // not (yet) connected
	waiting map[types.Hash][]types.Hash // missing parent -> orphans
	active  []*node                     // genesis..tip, never empty
	best    *node                       // heaviest connected node

	store   *HeaderStore // nil for in-memory trees
	metrics metrics.TreeMetrics
	logger  zerolog.Logger
}

var _ blocktree.BlockTree = (*Tree)(nil)

// New returns an in-memory tree containing only genesis.
func New(genesis block.Header) *Tree {
	g := &node{header: genesis, hash: genesis.Hash(), work: new(big.Int)}
	return &Tree{
		genesis: g,
		nodes:   map[types.Hash]*node{g.hash: g},
		orphans: make(map[types.Hash]block.Header),
		waiting: make(map[types.Hash][]types.Hash),
		active:  []*node{g},
		best:    g,
		metrics: metrics.NewNoopCollector(),
		logger:  klog.Tree,
	}
}

// FromChain returns an in-memory tree whose active chain is exactly
// headers. The first header is genesis.
func FromChain(headers []block.Header) (*Tree, error) {
	if len(headers) == 0 {
		return nil, blocktree.ErrEmptyChain
	}
	if !blocktree.Branch(headers).Connected() {
		return nil, blocktree.ErrDisconnectedChain
	}
	t := New(headers[0])
	t.insert(headers[1:])
	t.switchTo(t.nodes[headers[len(headers)-1].Hash()])
	return t, nil
}

// Open returns a tree persisted in db, restoring any state a previous run
// left there. The stored genesis must match genesis.
func Open(db storage.DB, genesis block.Header) (*Tree, error) {
	store := NewHeaderStore(db)
	t := New(genesis)
	t.store = store

	stored, found, err := store.GetGenesis()
	if err != nil {
		return nil, err
	}
	if found && stored != t.genesis.hash {
		return nil, fmt.Errorf("%w: store has %s, configured %s",
			blocktree.ErrGenesisMismatch, stored, t.genesis.hash)
	}
	if !found {
		w := store.NewWriter()
		if err := w.PutHeader(genesis); err != nil {
			return nil, err
		}
		if err := w.SetTip(t.genesis.hash); err != nil {
			return nil, err
		}
		if err := w.Commit(); err != nil {
			return nil, err
		}
		if err := store.SetGenesis(t.genesis.hash); err != nil {
			return nil, err
		}
		return t, nil
	}

	var headers []block.Header
	if err := store.ForEachHeader(func(h block.Header) error {
		headers = append(headers, h)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load headers: %w", err)
	}
	t.insert(headers)

	// Restore the persisted active chain rather than re-running fork
	// choice: after a rollback the two differ until the next import.
	tip, found, err := store.GetTip()
	if err != nil {
		return nil, err
	}
	if n, ok := t.nodes[tip]; found && ok {
		t.switchTo(n)
	} else {
		t.logger.Warn().Str("tip", tip.String()).Msg("Persisted tip not connected, selecting best chain")
		t.switchTo(t.best)
	}
	t.logger.Info().
		Uint64("height", t.Height()).
		Str("tip", t.tip().hash.String()).
		Int("orphans", len(t.orphans)).
		Msg("Header tree restored")
	return t, nil
}

// SetMetrics replaces the metrics sink.
func (t *Tree) SetMetrics(m metrics.TreeMetrics) {
	t.metrics = m
}

// ImportBlocks stores the headers, connects whatever now reaches genesis
// and moves the active chain to the heaviest branch.
func (t *Tree) ImportBlocks(headers iter.Seq[block.Header], _ blocktree.Clock) (types.Hash, uint64, error) {
	done := klog.Benchmark("import headers")

	var w *Writer
	if t.store != nil {
		w = t.store.NewWriter()
	}
	var fresh []block.Header
	for h := range headers {
		if t.known(h.Hash()) {
			continue
		}
		if w != nil {
			if err := w.PutHeader(h); err != nil {
				return t.tip().hash, t.Height(), err
			}
		}
		fresh = append(fresh, h)
		t.insert([]block.Header{h})
	}

	oldHeight, oldTip := t.Height(), t.tip()
	depth := uint64(0)
	if t.best != oldTip {
		depth = t.switchTo(t.best)
	}

	if w != nil {
		if err := w.SetTip(t.tip().hash); err != nil {
			return t.tip().hash, t.Height(), err
		}
		if err := w.Commit(); err != nil {
			return t.tip().hash, t.Height(), err
		}
	}

	t.metrics.HeadersImported(len(fresh))
	t.metrics.Orphans(len(t.orphans))
	if t.tip() != oldTip {
		t.metrics.TipChanged(t.Height(), depth)
		if depth > 0 {
			t.logger.Debug().
				Uint64("old_height", oldHeight).
				Uint64("new_height", t.Height()).
				Uint64("depth", depth).
				Str("tip", t.tip().hash.Short()).
				Msg("Active chain reorganized")
		}
	}
	t.metrics.ForkChoiceDuration(done())
	return t.tip().hash, t.Height(), nil
}

// GetBlock finds hash on the active chain.
func (t *Tree) GetBlock(hash types.Hash) (uint64, block.Header, bool) {
	n, ok := t.nodes[hash]
	if !ok || !t.onActive(n) {
		return 0, block.Header{}, false
	}
	return n.height, n.header, true
}

// GetBlockByHeight returns the active-chain header at height.
func (t *Tree) GetBlockByHeight(height uint64) (block.Header, bool) {
	if height >= uint64(len(t.active)) {
		return block.Header{}, false
	}
	return t.active[height].header, true
}

// Tip returns the active tip.
func (t *Tree) Tip() (types.Hash, block.Header) {
	n := t.tip()
	return n.hash, n.header
}

// Height returns the tip height.
func (t *Tree) Height() uint64 {
	return uint64(len(t.active) - 1)
}

// Iter yields a snapshot of the active chain.
func (t *Tree) Iter() iter.Seq2[uint64, block.Header] {
	snapshot := make([]block.Header, len(t.active))
	for i, n := range t.active {
		snapshot[i] = n.header
	}
	return func(yield func(uint64, block.Header) bool) {
		for i, h := range snapshot {
			if !yield(uint64(i), h) {
				return
			}
		}
	}
}

// Genesis returns the genesis identity.
func (t *Tree) Genesis() types.Hash {
	return t.genesis.hash
}

// Work returns the cumulative work of the active chain, genesis excluded.
func (t *Tree) Work() *big.Int {
	return new(big.Int).Set(t.tip().work)
}

// State returns a snapshot of the tree's counters.
func (t *Tree) State() State {
	tip := t.tip()
	return State{
		Height:  t.Height(),
		TipHash: tip.hash,
		Genesis: t.genesis.hash,
		Work:    new(big.Int).Set(tip.work),
		Known:   len(t.nodes),
		Orphans: len(t.orphans),
	}
}

func (t *Tree) tip() *node {
	return t.active[len(t.active)-1]
}

func (t *Tree) onActive(n *node) bool {
	return n.height < uint64(len(t.active)) && t.active[n.height] == n
}

func (t *Tree) known(hash types.Hash) bool {
	if _, ok := t.nodes[hash]; ok {
		return true
	}
	_, ok := t.orphans[hash]
	return ok
}
