// Package treetest is a conformance suite that any blocktree.BlockTree
// implementation must pass.
package treetest

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/internal/blocktree/forkgen"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// Factory builds fresh trees for the conformance suite.
type Factory struct {
	New       func(t *testing.T, genesis block.Header) blocktree.BlockTree
	FromChain func(t *testing.T, headers []block.Header) (blocktree.BlockTree, error)
}

// RunConformance checks the behaviour every BlockTree must share.
func RunConformance(t *testing.T, f Factory) {
	t.Run("GenesisOnly", func(t *testing.T) { testGenesisOnly(t, f) })
	t.Run("LinearImport", func(t *testing.T) { testLinearImport(t, f) })
	t.Run("HeavierShorterForkWins", func(t *testing.T) { testHeavierShorterForkWins(t, f) })
	t.Run("UnknownParentIsLatent", func(t *testing.T) { testUnknownParentIsLatent(t, f) })
	t.Run("OrphanConnectsLater", func(t *testing.T) { testOrphanConnectsLater(t, f) })
	t.Run("RollbackToGenesis", func(t *testing.T) { testRollbackToGenesis(t, f) })
	t.Run("RollbackThenReimport", func(t *testing.T) { testRollbackThenReimport(t, f) })
	t.Run("RollbackKeepsForkForNextImport", func(t *testing.T) { testRollbackKeepsFork(t, f) })
	t.Run("TieBreakSmallerHash", func(t *testing.T) { testTieBreak(t, f) })
	t.Run("ZeroWorkTieIncludesGenesis", func(t *testing.T) { testZeroWorkTie(t, f) })
	t.Run("IterIsSnapshot", func(t *testing.T) { testIterSnapshot(t, f) })
	t.Run("ReturnedHeadersAreCopies", func(t *testing.T) { testCopies(t, f) })
	t.Run("ImportUnorderedBatch", func(t *testing.T) { testUnorderedBatch(t, f) })
	t.Run("EmptyImport", func(t *testing.T) { testEmptyImport(t, f) })
	t.Run("FromChain", func(t *testing.T) { testFromChain(t, f) })
	t.Run("RandomForks", func(t *testing.T) { testRandomForks(t, f) })
}

func mustImport(t *testing.T, tree blocktree.BlockTree, hs ...block.Header) (types.Hash, uint64) {
	t.Helper()
	tip, height, err := tree.ImportBlocks(blocktree.Headers(hs...), forkgen.Clock)
	if err != nil {
		t.Fatalf("ImportBlocks: %v", err)
	}
	return tip, height
}

// CheckActiveChain asserts the structural invariants of the active chain
// and returns it.
func CheckActiveChain(t *testing.T, tree blocktree.BlockTree, genesis types.Hash) blocktree.Branch {
	t.Helper()

	var chain blocktree.Branch
	want := uint64(0)
	for height, h := range tree.Iter() {
		if height != want {
			t.Fatalf("Iter yielded height %d, want %d", height, want)
		}
		want++
		chain = append(chain, h)
	}
	if uint64(len(chain)) != tree.Height()+1 {
		t.Fatalf("Iter yielded %d headers, Height() = %d", len(chain), tree.Height())
	}
	if chain[0].Hash() != genesis {
		t.Fatalf("active chain starts at %s, want genesis %s", chain[0].Hash(), genesis)
	}
	if !chain.Connected() {
		t.Fatal("active chain is not connected")
	}
	tipHash, tipHeader := tree.Tip()
	if tipHash != chain.Tip() || tipHeader.Hash() != tipHash {
		t.Fatalf("Tip() = %s, last active header = %s", tipHash, chain.Tip())
	}
	for i, h := range chain {
		height, got, ok := tree.GetBlock(h.Hash())
		if !ok || height != uint64(i) || got != h {
			t.Fatalf("GetBlock(%s) = (%d, %v), want height %d", h.Hash().Short(), height, ok, i)
		}
		byHeight, ok := tree.GetBlockByHeight(uint64(i))
		if !ok || byHeight != h {
			t.Fatalf("GetBlockByHeight(%d) mismatch", i)
		}
	}
	if _, ok := tree.GetBlockByHeight(tree.Height() + 1); ok {
		t.Fatal("GetBlockByHeight past the tip should miss")
	}
	return chain
}

func testGenesisOnly(t *testing.T, f Factory) {
	g := forkgen.Genesis()
	tree := f.New(t, g)
	if tree.Height() != 0 {
		t.Fatalf("Height() = %d, want 0", tree.Height())
	}
	tip, hdr := tree.Tip()
	if tip != g.Hash() || hdr != g {
		t.Fatalf("Tip() = %s, want genesis", tip)
	}
	CheckActiveChain(t, tree, g.Hash())
}

func testLinearImport(t *testing.T, f Factory) {
	g := forkgen.Genesis()
	tree := f.New(t, g)
	hs := forkgen.Extend(g, 5, forkgen.EasyBits, 1)

	tip, height := mustImport(t, tree, hs...)
	if height != 5 || tip != hs[4].Hash() {
		t.Fatalf("import = (%s, %d), want (%s, 5)", tip.Short(), height, hs[4].Hash().Short())
	}
	CheckActiveChain(t, tree, g.Hash())
}

func testHeavierShorterForkWins(t *testing.T, f Factory) {
	g := forkgen.Genesis()
	tree := f.New(t, g)
	long := forkgen.Extend(g, 3, forkgen.EasyBits, 1)  // work 6
	heavy := forkgen.Extend(g, 2, forkgen.HardBits, 2) // work 16

	mustImport(t, tree, long...)
	if tree.Height() != 3 {
		t.Fatalf("Height() = %d, want 3", tree.Height())
	}

	tip, height := mustImport(t, tree, heavy...)
	if tip != heavy[1].Hash() || height != 2 {
		t.Fatalf("import = (%s, %d), want heavy tip at height 2", tip.Short(), height)
	}
	if got, _ := tree.Tip(); got != heavy[1].Hash() {
		t.Fatalf("Tip() = %s, want %s", got.Short(), heavy[1].Hash().Short())
	}
	if _, _, ok := tree.GetBlock(long[2].Hash()); ok {
		t.Fatal("header on the losing branch should not be found")
	}
	CheckActiveChain(t, tree, g.Hash())
}

func testUnknownParentIsLatent(t *testing.T, f Factory) {
	g := forkgen.Genesis()
	tree := f.New(t, g)
	mustImport(t, tree, forkgen.Extend(g, 2, forkgen.EasyBits, 1)...)
	beforeTip, _ := tree.Tip()

	orphan := forkgen.Child(block.Header{Version: 9, Timestamp: 7}, forkgen.HardBits, 3)
	tip, height := mustImport(t, tree, orphan)
	if tip != beforeTip || height != 2 {
		t.Fatalf("orphan import moved tip to (%s, %d)", tip.Short(), height)
	}
	if _, _, ok := tree.GetBlock(orphan.Hash()); ok {
		t.Fatal("GetBlock should not find an orphan")
	}
	CheckActiveChain(t, tree, g.Hash())
}

func testOrphanConnectsLater(t *testing.T, f Factory) {
	g := forkgen.Genesis()
	tree := f.New(t, g)
	hs := forkgen.Extend(g, 4, forkgen.MediumBits, 1)

	// Descendants arrive before their parent.
	mustImport(t, tree, hs[2], hs[3])
	if tree.Height() != 0 {
		t.Fatalf("Height() = %d before parents arrive, want 0", tree.Height())
	}
	mustImport(t, tree, hs[0])
	if tree.Height() != 1 {
		t.Fatalf("Height() = %d, want 1", tree.Height())
	}
	tip, height := mustImport(t, tree, hs[1])
	if tip != hs[3].Hash() || height != 4 {
		t.Fatalf("import = (%s, %d), want the full chain", tip.Short(), height)
	}
	CheckActiveChain(t, tree, g.Hash())
}

func testRollbackToGenesis(t *testing.T, f Factory) {
	g := forkgen.Genesis()
	tree := f.New(t, g)
	mustImport(t, tree, forkgen.Extend(g, 5, forkgen.EasyBits, 1)...)
	if tree.Height() != 5 {
		t.Fatalf("Height() = %d, want 5", tree.Height())
	}

	if err := tree.Rollback(0); err != nil {
		t.Fatalf("Rollback(0): %v", err)
	}
	if tree.Height() != 0 {
		t.Fatalf("Height() = %d after rollback, want 0", tree.Height())
	}
	if h, ok := tree.GetBlockByHeight(0); !ok || h != g {
		t.Fatal("GetBlockByHeight(0) should return genesis")
	}
	if _, ok := tree.GetBlockByHeight(1); ok {
		t.Fatal("GetBlockByHeight(1) should miss after rollback")
	}
	if tip, _ := tree.Tip(); tip != g.Hash() {
		t.Fatalf("Tip() = %s, want genesis", tip.Short())
	}

	err := tree.Rollback(10)
	if !errors.Is(err, blocktree.ErrInvalidHeight) {
		t.Fatalf("Rollback(10) error = %v, want ErrInvalidHeight", err)
	}
	CheckActiveChain(t, tree, g.Hash())
}

func testRollbackThenReimport(t *testing.T, f Factory) {
	g := forkgen.Genesis()
	tree := f.New(t, g)
	hs := forkgen.Extend(g, 6, forkgen.EasyBits, 1)
	wantTip, _ := mustImport(t, tree, hs...)

	if err := tree.Rollback(2); err != nil {
		t.Fatalf("Rollback(2): %v", err)
	}
	if tree.Height() != 2 {
		t.Fatalf("Height() = %d, want 2", tree.Height())
	}
	if tip, _ := tree.Tip(); tip != hs[1].Hash() {
		t.Fatalf("Tip() = %s, want %s", tip.Short(), hs[1].Hash().Short())
	}
	for _, h := range hs[2:] {
		if _, _, ok := tree.GetBlock(h.Hash()); ok {
			t.Fatalf("rolled back header %s still on the active chain", h.Hash().Short())
		}
	}

	tip, height := mustImport(t, tree, hs[2:]...)
	if tip != wantTip || height != 6 {
		t.Fatalf("reimport = (%s, %d), want original tip at 6", tip.Short(), height)
	}
	CheckActiveChain(t, tree, g.Hash())
}

func testRollbackKeepsFork(t *testing.T, f Factory) {
	g := forkgen.Genesis()
	tree := f.New(t, g)
	trunk := forkgen.Extend(g, 4, forkgen.MediumBits, 1)     // work 16
	side := forkgen.Extend(trunk[0], 2, forkgen.EasyBits, 2) // work 4 + 2 + 2 through trunk[0]
	mustImport(t, tree, trunk...)
	mustImport(t, tree, side...)
	if tip, _ := tree.Tip(); tip != trunk[3].Hash() {
		t.Fatalf("Tip() = %s, want trunk tip", tip.Short())
	}

	// Rolling back to height 1 forgets trunk[1:], leaving the side branch as
	// the heaviest known one. It only takes over on the next import.
	if err := tree.Rollback(1); err != nil {
		t.Fatalf("Rollback(1): %v", err)
	}
	if tip, _ := tree.Tip(); tip != trunk[0].Hash() {
		t.Fatalf("Tip() = %s right after rollback, want %s", tip.Short(), trunk[0].Hash().Short())
	}
	tip, height := mustImport(t, tree)
	if tip != side[1].Hash() || height != 3 {
		t.Fatalf("empty import = (%s, %d), want side tip at 3", tip.Short(), height)
	}
	CheckActiveChain(t, tree, g.Hash())
}

func testTieBreak(t *testing.T, f Factory) {
	g := forkgen.Genesis()
	a := forkgen.Child(g, forkgen.MediumBits, 1)
	b := forkgen.Child(g, forkgen.MediumBits, 2)
	want := a.Hash()
	if b.Hash().Less(want) {
		want = b.Hash()
	}

	for _, order := range [][]block.Header{{a, b}, {b, a}} {
		tree := f.New(t, g)
		mustImport(t, tree, order[0])
		tip, _ := mustImport(t, tree, order[1])
		if tip != want {
			t.Fatalf("tie resolved to %s, want smaller hash %s", tip.Short(), want.Short())
		}
	}
}

func testZeroWorkTie(t *testing.T, f Factory) {
	g := forkgen.Genesis()
	// Find a zero-work child whose hash sorts below genesis, and one above.
	var below, above *block.Header
	for nonce := uint64(0); below == nil || above == nil; nonce++ {
		c := forkgen.Child(g, forkgen.NoWorkBits, nonce)
		if c.Hash().Less(g.Hash()) {
			if below == nil {
				below = &c
			}
		} else if above == nil {
			above = &c
		}
	}

	tree := f.New(t, g)
	if tip, _ := mustImport(t, tree, *above); tip != g.Hash() {
		t.Fatalf("zero-work child with larger hash should not displace genesis")
	}
	if tip, height := mustImport(t, tree, *below); tip != below.Hash() || height != 1 {
		t.Fatalf("zero-work child with smaller hash should win the tie, got (%s, %d)", tip.Short(), height)
	}
}

func testIterSnapshot(t *testing.T, f Factory) {
	g := forkgen.Genesis()
	tree := f.New(t, g)
	hs := forkgen.Extend(g, 3, forkgen.EasyBits, 1)
	mustImport(t, tree, hs[:2]...)

	seq := tree.Iter()
	mustImport(t, tree, hs[2])
	if err := tree.Rollback(0); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	count := 0
	for range seq {
		count++
	}
	if count != 3 {
		t.Fatalf("snapshot yielded %d headers, want 3", count)
	}
	// Restartable.
	count = 0
	for range seq {
		count++
	}
	if count != 3 {
		t.Fatalf("second pass yielded %d headers, want 3", count)
	}
}

func testCopies(t *testing.T, f Factory) {
	g := forkgen.Genesis()
	tree := f.New(t, g)
	hs := forkgen.Extend(g, 2, forkgen.EasyBits, 1)
	mustImport(t, tree, hs...)

	h, _ := tree.GetBlockByHeight(1)
	h.Nonce++
	h.PrevHash[0] ^= 0xff
	again, _ := tree.GetBlockByHeight(1)
	if again != hs[0] {
		t.Fatal("mutating a returned header changed the tree")
	}
	_, tipHeader := tree.Tip()
	tipHeader.Bits = 0
	if _, h2 := tree.Tip(); h2 != hs[1] {
		t.Fatal("mutating the returned tip header changed the tree")
	}
}

func testUnorderedBatch(t *testing.T, f Factory) {
	g := forkgen.Genesis()
	tree := f.New(t, g)
	hs := forkgen.Extend(g, 5, forkgen.EasyBits, 1)
	shuffled := []block.Header{hs[4], hs[1], hs[3], hs[0], hs[2]}

	tip, height := mustImport(t, tree, shuffled...)
	if tip != hs[4].Hash() || height != 5 {
		t.Fatalf("import = (%s, %d), want (%s, 5)", tip.Short(), height, hs[4].Hash().Short())
	}
	// Duplicates are harmless.
	tip, height = mustImport(t, tree, hs...)
	if tip != hs[4].Hash() || height != 5 {
		t.Fatalf("duplicate import moved the tip to (%s, %d)", tip.Short(), height)
	}
}

func testEmptyImport(t *testing.T, f Factory) {
	g := forkgen.Genesis()
	tree := f.New(t, g)
	tip, height := mustImport(t, tree)
	if tip != g.Hash() || height != 0 {
		t.Fatalf("empty import = (%s, %d)", tip.Short(), height)
	}
}

func testFromChain(t *testing.T, f Factory) {
	if _, err := f.FromChain(t, nil); !errors.Is(err, blocktree.ErrEmptyChain) {
		t.Fatalf("FromChain(nil) error = %v, want ErrEmptyChain", err)
	}

	g := forkgen.Genesis()
	hs := append([]block.Header{g}, forkgen.Extend(g, 4, forkgen.EasyBits, 1)...)
	tree, err := f.FromChain(t, hs)
	if err != nil {
		t.Fatalf("FromChain: %v", err)
	}
	if tree.Height() != 4 {
		t.Fatalf("Height() = %d, want 4", tree.Height())
	}
	chain := CheckActiveChain(t, tree, g.Hash())
	for i := range hs {
		if chain[i] != hs[i] {
			t.Fatalf("active chain[%d] differs from input", i)
		}
	}

	// A later import extends the bulk-loaded chain.
	next := forkgen.Child(hs[4], forkgen.EasyBits, 9)
	if tip, height := mustImport(t, tree, next); tip != next.Hash() || height != 5 {
		t.Fatalf("import after FromChain = (%s, %d)", tip.Short(), height)
	}

	broken := []block.Header{g, hs[2]}
	if _, err := f.FromChain(t, broken); !errors.Is(err, blocktree.ErrDisconnectedChain) {
		t.Fatalf("FromChain(disconnected) error = %v, want ErrDisconnectedChain", err)
	}
}

func testRandomForks(t *testing.T, f Factory) {
	for seed := uint64(1); seed <= 8; seed++ {
		gen := forkgen.NewGenerator(seed)
		g := forkgen.Genesis()
		tree := f.New(t, g)
		mirror := forkgen.NewStore(g)

		for step := 0; step < 40; step++ {
			rng := gen.Rand()
			if step > 0 && rng.IntN(6) == 0 {
				height := rng.Uint64N(tree.Height() + 1)
				var removed []block.Header
				for h, hdr := range tree.Iter() {
					if h > height {
						removed = append(removed, hdr)
					}
				}
				if err := tree.Rollback(height); err != nil {
					t.Fatalf("seed %d step %d: Rollback(%d): %v", seed, step, height, err)
				}
				mirror.Forget(removed...)
				CheckActiveChain(t, tree, g.Hash())
				continue
			}

			batch := gen.Batch(1 + rng.IntN(4))
			mirror.Add(batch...)
			tip, _ := mustImport(t, tree, batch...)
			chain := CheckActiveChain(t, tree, g.Hash())

			wantTip, wantWork := mirror.Best()
			if tip != wantTip {
				t.Fatalf("seed %d step %d: tip %s, brute force says %s", seed, step, tip.Short(), wantTip.Short())
			}
			if chain.Work().Cmp(wantWork) != 0 {
				t.Fatalf("seed %d step %d: active work %s, best %s", seed, step, chain.Work(), wantWork)
			}
		}
	}
}
