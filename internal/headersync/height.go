package headersync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"time"

	klog "github.com/Klingon-tech/klingnet-headers/internal/log"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"
)

const (
	// HeightProtocol asks a peer for its active tip.
	HeightProtocol = protocol.ID("/klingnet-headers/height/1.0.0")

	heightReadTimeout = 5 * time.Second

	// DefaultCatchUpInterval is how often RunCatchUp polls peer heights.
	DefaultCatchUpInterval = 30 * time.Second
)

// HeightResponse is a peer's active tip.
type HeightResponse struct {
	Height  uint64     `json:"height"`
	TipHash types.Hash `json:"tip_hash"`
	Work    *big.Int   `json:"work"`
}

// Tip returns the reported tip.
func (r *HeightResponse) Tip() ChainTip {
	return ChainTip{Hash: r.TipHash, Height: r.Height, Work: r.Work}
}

func (s *Syncer) registerHeightHandler() {
	s.node.host.SetStreamHandler(HeightProtocol, func(stream network.Stream) {
		defer stream.Close()
		tip := s.localTip()
		resp := HeightResponse{Height: tip.Height, TipHash: tip.Hash, Work: tip.Work}
		_ = json.NewEncoder(stream).Encode(&resp)
	})
}

// RequestHeight queries id for its active tip and records it on the peer.
func (s *Syncer) RequestHeight(ctx context.Context, id peer.ID) (*HeightResponse, error) {
	if s.node.host == nil {
		return nil, ErrNotStarted
	}
	stream, err := s.node.host.NewStream(ctx, id, HeightProtocol)
	if err != nil {
		return nil, fmt.Errorf("open height stream: %w", err)
	}
	defer stream.Close()

	// The request is empty; opening the stream is the question.
	_ = stream.CloseWrite()
	_ = stream.SetReadDeadline(time.Now().Add(heightReadTimeout))

	var resp HeightResponse
	if err := json.NewDecoder(io.LimitReader(stream, 1024)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read height response: %w", err)
	}
	s.node.setPeerTip(id, resp.Tip())
	return &resp, nil
}

// RunCatchUp polls verified peers every interval and syncs from the one
// with the heaviest chain when it beats ours. Gossip normally keeps the tree current; this
// recovers from missed announces. Blocks until ctx is done.
func (s *Syncer) RunCatchUp(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCatchUpInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.catchUpOnce(ctx)
		}
	}
}

func (s *Syncer) catchUpOnce(ctx context.Context) {
	for _, p := range s.node.PeerList() {
		if !p.Verified {
			continue
		}
		reqCtx, cancel := context.WithTimeout(ctx, heightReadTimeout)
		if _, err := s.RequestHeight(reqCtx, p.ID); err != nil {
			klog.Sync.Debug().Err(err).Str("peer", shortID(p.ID)).Msg("Height poll failed")
		}
		cancel()
	}

	best, ok := s.node.BestPeer()
	if !ok || !s.aheadOfUs(best.Tip()) {
		return
	}
	klog.Sync.Info().
		Str("peer", shortID(best.ID)).
		Uint64("peer_height", best.BestHeight).
		Str("peer_work", workString(best.BestWork)).
		Uint64("height", s.tree.Height()).
		Msg("Best peer has more work, catching up")
	if err := s.SyncFrom(ctx, best.ID); err != nil {
		klog.Sync.Debug().Err(err).Str("peer", shortID(best.ID)).Msg("Catch-up sync failed")
	}
}
