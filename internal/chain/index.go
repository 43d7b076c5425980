package chain

import (
	"math/big"

	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// node is a header connected to genesis.
type node struct {
	header   block.Header
	hash     types.Hash
	parent   *node // nil for genesis
	children []*node
	height   uint64
	work     *big.Int // cumulative, genesis excluded
}

// insert adds unknown headers to the index or the orphan pool. Headers
// that connect pull in every orphan waiting on them.
func (t *Tree) insert(headers []block.Header) {
	for _, h := range headers {
		hash := h.Hash()
		if t.known(hash) {
			continue
		}
		if parent, ok := t.nodes[h.PrevHash]; ok {
			t.connect(parent, h, hash)
			continue
		}
		t.orphans[hash] = h
		t.waiting[h.PrevHash] = append(t.waiting[h.PrevHash], hash)
	}
}

type pendingLink struct {
	parent *node
	header block.Header
	hash   types.Hash
}

// connect attaches h under parent, then drains descendants from the orphan
// pool breadth first.
func (t *Tree) connect(parent *node, h block.Header, hash types.Hash) {
	queue := []pendingLink{{parent, h, hash}}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]

		n := &node{
			header: p.header,
			hash:   p.hash,
			parent: p.parent,
			height: p.parent.height + 1,
			work:   new(big.Int).Add(p.parent.work, p.header.Work()),
		}
		t.nodes[n.hash] = n
		p.parent.children = append(p.parent.children, n)
		if blocktree.Heavier(n.work, n.hash, t.best.work, t.best.hash) {
			t.best = n
		}

		for _, childHash := range t.waiting[n.hash] {
			child, ok := t.orphans[childHash]
			if !ok {
				continue
			}
			delete(t.orphans, childHash)
			queue = append(queue, pendingLink{n, child, childHash})
		}
		delete(t.waiting, n.hash)
	}
}

// disconnect moves the subtree rooted at root back into the orphan pool.
func (t *Tree) disconnect(root *node) {
	stack := []*node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		delete(t.nodes, n.hash)
		t.orphans[n.hash] = n.header
		t.waiting[n.header.PrevHash] = append(t.waiting[n.header.PrevHash], n.hash)
		stack = append(stack, n.children...)
		n.children = nil
		n.parent = nil
	}
}

// scanBest finds the heaviest connected node from scratch.
func (t *Tree) scanBest() *node {
	best := t.genesis
	for _, n := range t.nodes {
		if blocktree.Heavier(n.work, n.hash, best.work, best.hash) {
			best = n
		}
	}
	return best
}

// Len returns the number of stored headers, orphans included.
func (t *Tree) Len() int {
	return len(t.nodes) + len(t.orphans)
}
