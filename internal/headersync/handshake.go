package headersync

import (
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"time"

	klog "github.com/Klingon-tech/klingnet-headers/internal/log"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	handshakeTimeout  = 10 * time.Second
	maxHandshakeBytes = 4096
)

// HandshakeMessage is exchanged once per connection.
type HandshakeMessage struct {
	ProtocolVersion uint32     `json:"protocol_version"`
	GenesisHash     types.Hash `json:"genesis_hash"`
	NetworkID       string     `json:"network_id"`
	BestHeight      uint64     `json:"best_height"`
	BestHash        types.Hash `json:"best_hash"`
	BestWork        *big.Int   `json:"best_work"`
	Timestamp       int64      `json:"timestamp"` // sender's wall clock, unix seconds
}

// Tip returns the sender's active tip.
func (m HandshakeMessage) Tip() ChainTip {
	return ChainTip{Hash: m.BestHash, Height: m.BestHeight, Work: m.BestWork}
}

// registerHandshakeHandler answers handshakes opened by dialing peers.
func (n *Node) registerHandshakeHandler() {
	n.host.SetStreamHandler(HandshakeProtocol, func(stream network.Stream) {
		defer stream.Close()
		remote := stream.Conn().RemotePeer()
		_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

		var theirs HandshakeMessage
		if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&theirs); err != nil {
			klog.Sync.Debug().Err(err).Str("peer", shortID(remote)).Msg("Handshake read failed")
			return
		}
		ours := n.buildHandshakeMessage()
		if err := json.NewEncoder(stream).Encode(&ours); err != nil {
			klog.Sync.Debug().Err(err).Str("peer", shortID(remote)).Msg("Handshake write failed")
			return
		}
		n.finishHandshake(remote, theirs)
	})
}

// doHandshake opens the exchange from the dialing side.
func (n *Node) doHandshake(id peer.ID) {
	stream, err := n.host.NewStream(n.ctx, id, HandshakeProtocol)
	if err != nil {
		klog.Sync.Debug().Str("peer", shortID(id)).Msg("Peer does not speak handshake protocol")
		return
	}
	defer stream.Close()
	_ = stream.SetDeadline(time.Now().Add(handshakeTimeout))

	ours := n.buildHandshakeMessage()
	if err := json.NewEncoder(stream).Encode(&ours); err != nil {
		klog.Sync.Debug().Err(err).Str("peer", shortID(id)).Msg("Handshake send failed")
		return
	}
	_ = stream.CloseWrite()

	var theirs HandshakeMessage
	if err := json.NewDecoder(io.LimitReader(stream, maxHandshakeBytes)).Decode(&theirs); err != nil {
		klog.Sync.Debug().Err(err).Str("peer", shortID(id)).Msg("Handshake response read failed")
		return
	}
	n.finishHandshake(id, theirs)
}

// finishHandshake bans incompatible peers and records compatible ones.
func (n *Node) finishHandshake(id peer.ID, msg HandshakeMessage) {
	if err := n.validateHandshake(msg); err != nil {
		klog.Sync.Warn().
			Str("peer", shortID(id)).
			Err(err).
			Msg("Handshake rejected, banning peer")
		n.BanManager.RecordOffense(id, PenaltyHandshakeFail, err.Error())
		_ = n.DisconnectPeer(id)
		return
	}
	n.addPeer(id, "")
	n.markVerified(id, msg.Tip())
	klog.Sync.Debug().
		Str("peer", shortID(id)).
		Uint64("height", msg.BestHeight).
		Str("work", workString(msg.BestWork)).
		Msg("Handshake complete")
	if n.onHandshake != nil {
		n.onHandshake(id, msg)
	}
}

// validateHandshake checks a peer's handshake message for compatibility.
func (n *Node) validateHandshake(msg HandshakeMessage) error {
	if msg.GenesisHash != n.genesisHash {
		return fmt.Errorf("%w: peer=%s local=%s",
			ErrGenesisMismatch, msg.GenesisHash.Short(), n.genesisHash.Short())
	}
	if msg.ProtocolVersion < MinProtocolVersion {
		return fmt.Errorf("protocol version too low: peer=%d min=%d",
			msg.ProtocolVersion, MinProtocolVersion)
	}
	return nil
}

func (n *Node) buildHandshakeMessage() HandshakeMessage {
	msg := HandshakeMessage{
		ProtocolVersion: ProtocolVersion,
		GenesisHash:     n.genesisHash,
		NetworkID:       n.config.NetworkID,
		Timestamp:       time.Now().Unix(),
	}
	if n.tipFn != nil {
		tip := n.tipFn()
		msg.BestHeight, msg.BestHash, msg.BestWork = tip.Height, tip.Hash, tip.Work
	}
	return msg
}

func workString(w *big.Int) string {
	if w == nil {
		return "?"
	}
	return w.String()
}
