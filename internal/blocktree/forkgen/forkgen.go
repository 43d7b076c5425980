// Package forkgen builds header fixtures and random header trees for
// exercising block trees, and mirrors the expected store contents so the
// best chain can be brute-forced independently.
package forkgen

import (
	"math/rand/v2"
	"time"

	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// Compact targets with small, exact work values.
const (
	EasyBits   uint32 = 0x207fffff // work 2
	MediumBits uint32 = 0x203fffff // work 4
	HardBits   uint32 = 0x201fffff // work 8
	NoWorkBits uint32 = 0          // work 0
)

// GenesisTime is the timestamp of the fixture genesis header.
const GenesisTime = 1700000000

// FixedClock is a Clock frozen at T.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }

// Clock is the clock passed to imports in tests.
var Clock = FixedClock{T: time.Unix(GenesisTime, 0)}

// Genesis returns the fixture genesis header.
func Genesis() block.Header {
	return block.Header{
		Version:   block.CurrentVersion,
		Timestamp: GenesisTime,
		Bits:      EasyBits,
	}
}

// Child returns a header extending parent. Different nonces give distinct
// siblings.
func Child(parent block.Header, bits uint32, nonce uint64) block.Header {
	return block.Header{
		Version:   block.CurrentVersion,
		PrevHash:  parent.Hash(),
		Timestamp: parent.Timestamp + 60,
		Bits:      bits,
		Nonce:     nonce,
	}
}

// Extend returns n headers forming a linear chain on top of parent.
func Extend(parent block.Header, n int, bits uint32, nonce uint64) []block.Header {
	out := make([]block.Header, 0, n)
	prev := parent
	for range n {
		h := Child(prev, bits, nonce)
		out = append(out, h)
		prev = h
	}
	return out
}

// Hashes returns the identities of hs.
func Hashes(hs []block.Header) []types.Hash {
	out := make([]types.Hash, len(hs))
	for i := range hs {
		out[i] = hs[i].Hash()
	}
	return out
}

// Generator produces random header trees rooted at Genesis.
type Generator struct {
	rng     *rand.Rand
	known   []block.Header // every header produced, genesis first
	palette []uint32
}

// NewGenerator returns a deterministic generator for seed.
func NewGenerator(seed uint64) *Generator {
	return &Generator{
		rng:     rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		known:   []block.Header{Genesis()},
		palette: []uint32{EasyBits, EasyBits, MediumBits, HardBits, NoWorkBits},
	}
}

// Rand exposes the generator's random source so callers can make their
// own choices reproducibly.
func (g *Generator) Rand() *rand.Rand {
	return g.rng
}

// Next returns a header whose parent is a random earlier header, biased
// towards recent ones so long branches form.
func (g *Generator) Next() block.Header {
	n := len(g.known)
	idx := n - 1 - g.rng.IntN(min(n, 4))
	if g.rng.IntN(5) == 0 {
		idx = g.rng.IntN(n)
	}
	h := Child(g.known[idx], g.palette[g.rng.IntN(len(g.palette))], g.rng.Uint64())
	g.known = append(g.known, h)
	return h
}

// Orphan returns a header whose parent was never produced.
func (g *Generator) Orphan() block.Header {
	var prev types.Hash
	for i := range prev {
		prev[i] = byte(g.rng.UintN(256))
	}
	return block.Header{
		Version:   block.CurrentVersion,
		PrevHash:  prev,
		Timestamp: GenesisTime + 1,
		Bits:      g.palette[g.rng.IntN(len(g.palette))],
		Nonce:     g.rng.Uint64(),
	}
}

// Batch returns n fresh headers in shuffled order, occasionally mixed with
// an orphan or a replay of an earlier header.
func (g *Generator) Batch(n int) []block.Header {
	out := make([]block.Header, 0, n+2)
	for range n {
		out = append(out, g.Next())
	}
	if g.rng.IntN(4) == 0 {
		out = append(out, g.Orphan())
	}
	if g.rng.IntN(3) == 0 {
		out = append(out, g.known[g.rng.IntN(len(g.known))])
	}
	g.rng.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}
