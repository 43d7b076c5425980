// Package block defines the header type carried by the chain, its identity
// and its proof-of-work weight.
package block

import (
	"encoding/binary"

	"github.com/Klingon-tech/klingnet-headers/pkg/crypto"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// HeaderSize is the length of the canonical header encoding.
const HeaderSize = 4 + types.HashSize + types.HashSize + 8 + 4 + 8

// Header contains block metadata. It is a plain value: copies share nothing.
type Header struct {
	Version    uint32     `json:"version"`
	PrevHash   types.Hash `json:"prev_hash"`
	MerkleRoot types.Hash `json:"merkle_root"`
	Timestamp  uint64     `json:"timestamp"`
	Bits       uint32     `json:"bits"` // compact proof-of-work target
	Nonce      uint64     `json:"nonce"`
}

// Hash computes the block header hash, the header's identity.
func (h *Header) Hash() types.Hash {
	return crypto.Hash(h.SigningBytes())
}

// SigningBytes returns the canonical bytes for hashing.
// Format: version(4) | prev_hash(32) | merkle_root(32) | timestamp(8) | bits(4) | nonce(8)
func (h *Header) SigningBytes() []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = binary.LittleEndian.AppendUint32(buf, h.Version)
	buf = append(buf, h.PrevHash[:]...)
	buf = append(buf, h.MerkleRoot[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, h.Timestamp)
	buf = binary.LittleEndian.AppendUint32(buf, h.Bits)
	buf = binary.LittleEndian.AppendUint64(buf, h.Nonce)
	return buf
}

// DecodeHeader parses the canonical encoding produced by SigningBytes.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, ErrBadEncoding
	}
	var h Header
	h.Version = binary.LittleEndian.Uint32(b[0:4])
	copy(h.PrevHash[:], b[4:36])
	copy(h.MerkleRoot[:], b[36:68])
	h.Timestamp = binary.LittleEndian.Uint64(b[68:76])
	h.Bits = binary.LittleEndian.Uint32(b[76:80])
	h.Nonce = binary.LittleEndian.Uint64(b[80:88])
	return h, nil
}
