package chain

import (
	"fmt"
	"slices"

	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
)

// switchTo makes target the active tip. It walks back from target to the
// first node already on the active chain, truncates there and appends the
// new branch. It returns how many headers left the active chain.
func (t *Tree) switchTo(target *node) uint64 {
	var branch []*node
	n := target
	for !t.onActive(n) {
		branch = append(branch, n)
		n = n.parent
	}
	depth := t.Height() - n.height

	t.active = t.active[:n.height+1]
	for i := len(branch) - 1; i >= 0; i-- {
		t.active = append(t.active, branch[i])
	}
	return depth
}

// Rollback truncates the active chain to height and forgets every removed
// header. Side branches hanging off removed headers go back to the orphan
// pool. Fork choice is re-run on the next import.
func (t *Tree) Rollback(height uint64) error {
	if height > t.Height() {
		return fmt.Errorf("%w: rollback to %d above tip height %d",
			blocktree.ErrInvalidHeight, height, t.Height())
	}
	removed := slices.Clone(t.active[height+1:])
	if len(removed) == 0 {
		return nil
	}

	var w *Writer
	if t.store != nil {
		w = t.store.NewWriter()
	}

	keep := t.active[height]
	keep.children = slices.DeleteFunc(keep.children, func(c *node) bool { return c == removed[0] })

	for i, r := range removed {
		var next *node
		if i+1 < len(removed) {
			next = removed[i+1]
		}
		for _, c := range r.children {
			if c != next {
				t.disconnect(c)
			}
		}
		delete(t.nodes, r.hash)
		r.children = nil
		r.parent = nil
		if w != nil {
			if err := w.DeleteHeader(r.hash); err != nil {
				return err
			}
		}
	}

	t.active = slices.Clip(t.active[:height+1])
	t.best = t.scanBest()

	if w != nil {
		if err := w.SetTip(keep.hash); err != nil {
			return err
		}
		if err := w.Commit(); err != nil {
			return err
		}
	}

	t.metrics.RolledBack(uint64(len(removed)))
	t.metrics.TipChanged(height, uint64(len(removed)))
	t.metrics.Orphans(len(t.orphans))
	t.logger.Debug().
		Uint64("height", height).
		Int("removed", len(removed)).
		Str("tip", keep.hash.Short()).
		Msg("Rolled back active chain")
	return nil
}
