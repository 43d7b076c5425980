// Package crypto provides cryptographic primitives for the Klingnet header chain.
package crypto

import (
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
	"github.com/zeebo/blake3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashConcat hashes a||b. Merkle nodes are built with it.
func HashConcat(a, b types.Hash) types.Hash {
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	return Hash(buf[:])
}

// HashParts hashes the concatenation of parts without building the joined
// buffer first.
func HashParts(parts ...[]byte) types.Hash {
	hasher := blake3.New()
	for _, p := range parts {
		hasher.Write(p)
	}
	var out types.Hash
	hasher.Sum(out[:0])
	return out
}
