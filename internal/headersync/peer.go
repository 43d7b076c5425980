package headersync

import (
	"math/big"
	"time"

	"github.com/Klingon-tech/klingnet-headers/pkg/types"
	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer represents a connected peer.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      string // "dht", "mdns", "seed", "gossip"

	// Set by a successful handshake, raised by announces and height polls.
	BestHeight uint64
	BestHash   types.Hash
	BestWork   *big.Int
	Verified   bool
}

// Tip returns the best chain the peer has reported.
func (p Peer) Tip() ChainTip {
	return ChainTip{Hash: p.BestHash, Height: p.BestHeight, Work: p.BestWork}
}
