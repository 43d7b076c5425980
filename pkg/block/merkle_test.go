package block

import (
	"testing"

	"github.com/Klingon-tech/klingnet-headers/pkg/crypto"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

func leaves(n int) []types.Hash {
	out := make([]types.Hash, n)
	for i := range out {
		out[i] = crypto.Hash([]byte{byte(i)})
	}
	return out
}

func TestComputeMerkleRoot(t *testing.T) {
	l := leaves(4)
	cat := crypto.HashConcat

	tests := []struct {
		name   string
		leaves []types.Hash
		want   types.Hash
	}{
		{"empty", nil, types.Hash{}},
		{"one", l[:1], l[0]},
		{"two", l[:2], cat(l[0], l[1])},
		{"three duplicates last", l[:3], cat(cat(l[0], l[1]), cat(l[2], l[2]))},
		{"four", l, cat(cat(l[0], l[1]), cat(l[2], l[3]))},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeMerkleRoot(tt.leaves); got != tt.want {
				t.Fatalf("root = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestComputeMerkleRoot_OrderMatters(t *testing.T) {
	l := leaves(2)
	if ComputeMerkleRoot(l) == ComputeMerkleRoot([]types.Hash{l[1], l[0]}) {
		t.Fatal("swapping leaves kept the root")
	}
}

func TestComputeMerkleRoot_DoesNotMutateInput(t *testing.T) {
	in := leaves(7)
	orig := append([]types.Hash(nil), in...)
	if ComputeMerkleRoot(in).IsZero() {
		t.Fatal("zero root for a non-empty tree")
	}
	for i := range in {
		if in[i] != orig[i] {
			t.Fatalf("leaf %d mutated", i)
		}
	}
}
