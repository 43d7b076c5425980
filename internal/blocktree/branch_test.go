package blocktree_test

import (
	"math/big"
	"testing"

	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/internal/blocktree/forkgen"
	"github.com/Klingon-tech/klingnet-headers/internal/blocktree/model"
	"github.com/Klingon-tech/klingnet-headers/internal/chain"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

func TestBranch_WorkSkipsGenesis(t *testing.T) {
	g := forkgen.Genesis()
	b := blocktree.Branch(append([]block.Header{g}, forkgen.Extend(g, 3, forkgen.MediumBits, 1)...))
	if got := b.Work(); got.Cmp(big.NewInt(12)) != 0 {
		t.Errorf("Work() = %s, want 12", got)
	}
	if got := (blocktree.Branch{g}).Work(); got.Sign() != 0 {
		t.Errorf("genesis-only Work() = %s, want 0", got)
	}
	if got := (blocktree.Branch{}).Tip(); !got.IsZero() {
		t.Errorf("empty branch Tip() = %s, want zero", got)
	}
}

func TestBranch_Connected(t *testing.T) {
	g := forkgen.Genesis()
	hs := forkgen.Extend(g, 3, forkgen.EasyBits, 1)
	if !blocktree.Branch(append([]block.Header{g}, hs...)).Connected() {
		t.Error("linear chain should be connected")
	}
	if blocktree.Branch([]block.Header{g, hs[1]}).Connected() {
		t.Error("gap should not be connected")
	}
}

func TestHeavier(t *testing.T) {
	low := types.Hash{0x01}
	high := types.Hash{0x02}
	tests := []struct {
		name  string
		aWork int64
		aTip  types.Hash
		bWork int64
		bTip  types.Hash
		want  bool
	}{
		{"more work wins", 5, high, 4, low, true},
		{"less work loses", 4, low, 5, high, false},
		{"tie smaller hash wins", 5, low, 5, high, true},
		{"tie larger hash loses", 5, high, 5, low, false},
		{"identical is not heavier", 5, low, 5, low, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := blocktree.Heavier(big.NewInt(tt.aWork), tt.aTip, big.NewInt(tt.bWork), tt.bTip)
			if got != tt.want {
				t.Errorf("Heavier = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChainWork(t *testing.T) {
	g := forkgen.Genesis()
	heavy := forkgen.Extend(g, 3, forkgen.MediumBits, 1) // 12
	light := forkgen.Extend(g, 4, forkgen.EasyBits, 2)   // 8

	trees := map[string]blocktree.BlockTree{
		"model":        model.New(g),
		"chain":        chain.New(g),
		"synchronized": blocktree.NewSynchronized(model.New(g)),
	}
	for name, tree := range trees {
		t.Run(name, func(t *testing.T) {
			if got := blocktree.ChainWork(tree); got.Sign() != 0 {
				t.Fatalf("genesis-only ChainWork = %s, want 0", got)
			}
			all := append(append([]block.Header{}, heavy...), light...)
			if _, _, err := tree.ImportBlocks(blocktree.Headers(all...), forkgen.Clock); err != nil {
				t.Fatal(err)
			}
			if got := blocktree.ChainWork(tree); got.Cmp(big.NewInt(12)) != 0 {
				t.Fatalf("ChainWork = %s, want 12", got)
			}
			if err := tree.Rollback(1); err != nil {
				t.Fatal(err)
			}
			if got := blocktree.ChainWork(tree); got.Cmp(big.NewInt(4)) != 0 {
				t.Fatalf("ChainWork after rollback = %s, want 4", got)
			}
		})
	}
}

func TestHeaders_StopsEarly(t *testing.T) {
	g := forkgen.Genesis()
	hs := forkgen.Extend(g, 5, forkgen.EasyBits, 1)
	n := 0
	for range blocktree.Headers(hs...) {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Errorf("iterated %d headers, want 2", n)
	}
}
