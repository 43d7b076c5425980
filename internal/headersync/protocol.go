package headersync

import (
	"errors"
	"math/big"

	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
	"github.com/libp2p/go-libp2p/core/protocol"
)

// GossipSub topic names.
const (
	// TopicAnnounce carries newly produced tips.
	TopicAnnounce = "/klingnet-headers/announce/1.0.0"
)

// Stream protocols.
const (
	// HandshakeProtocol is the stream protocol ID for peer compatibility checking.
	HandshakeProtocol = protocol.ID("/klingnet-headers/handshake/1.0.0")

	// GetHeadersProtocol serves header ranges located by a block locator.
	GetHeadersProtocol = protocol.ID("/klingnet-headers/getheaders/1.0.0")

	// ProtocolVersion is the current protocol version advertised during handshake.
	ProtocolVersion uint32 = 2

	// MinProtocolVersion is the minimum protocol version we accept from peers.
	// Version 1 peers report height without work.
	MinProtocolVersion uint32 = 2
)

// MaxHeadersPerResponse caps a single getheaders response.
const MaxHeadersPerResponse = 2000

// Protocol errors.
var (
	ErrGenesisMismatch = errors.New("peer has a different genesis")
	ErrTooManyHeaders  = errors.New("peer sent more headers than requested")
	ErrNotStarted      = errors.New("header sync node not started")
)

// GetHeadersRequest asks for active-chain headers after the first locator
// hash the peer recognizes.
type GetHeadersRequest struct {
	Locator []types.Hash `json:"locator"`
	Stop    types.Hash   `json:"stop"`
	Max     uint32       `json:"max"`
}

// GetHeadersResponse carries headers in chain order.
type GetHeadersResponse struct {
	Headers []block.Header `json:"headers"`
}

// AnnounceMessage is gossiped when a node's tip moves to a header it
// produced or accepted over RPC.
type AnnounceMessage struct {
	Header block.Header `json:"header"`
	Height uint64       `json:"height"`
	Work   *big.Int     `json:"work"`
}

// ChainTip summarizes an active chain as peers see it.
type ChainTip struct {
	Hash   types.Hash
	Height uint64
	Work   *big.Int // nil when the peer did not say
}

// HeavierThan reports whether c wins fork choice against other. A tip
// with unknown work never wins.
func (c ChainTip) HeavierThan(other ChainTip) bool {
	if c.Work == nil {
		return false
	}
	otherWork := other.Work
	if otherWork == nil {
		otherWork = new(big.Int)
	}
	return blocktree.Heavier(c.Work, c.Hash, otherWork, other.Hash)
}
