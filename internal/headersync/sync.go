package headersync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-headers/internal/log"
	"github.com/Klingon-tech/klingnet-headers/internal/metrics"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

const (
	syncReadTimeout = 30 * time.Second

	// maxHeadersResponseBytes fits MaxHeadersPerResponse JSON headers with room to spare.
	maxHeadersResponseBytes = 4 * 1024 * 1024
	maxHeadersRequestBytes  = 64 * 1024

	// maxSyncRounds bounds one SyncFrom call.
	maxSyncRounds = 1000

	seenCacheSize = 4096
)

// EventKind classifies Syncer events.
type EventKind int

const (
	// EventNewTip fires when an import moved the active tip.
	EventNewTip EventKind = iota
)

// Event reports a tip change caused by headers from a peer.
type Event struct {
	Kind   EventKind
	Peer   peer.ID
	Tip    types.Hash
	Height uint64
}

// TimeSampler receives peer clock samples taken during handshake.
type TimeSampler interface {
	AddSample(peer string, remoteUnix int64)
	RemovePeer(peer string)
}

// Syncer keeps a block tree in step with the network: it serves
// getheaders, pulls headers from peers whose chain has more work, and
// imports announced tips.
type Syncer struct {
	node      *Node
	tree      *blocktree.Synchronized
	validator *consensus.Validator
	metrics   metrics.SyncMetrics
	sampler   TimeSampler

	seen *lru.Cache[types.Hash, struct{}]

	// batchSize is the Max sent with each getheaders request.
	batchSize uint32

	mu      sync.Mutex
	syncing map[peer.ID]bool

	// OnEvent, when set, is called after each tip change. It runs on the
	// goroutine that imported the headers.
	OnEvent func(Event)
}

// NewSyncer wires a syncer to node. sampler may be nil.
func NewSyncer(node *Node, tree *blocktree.Synchronized, validator *consensus.Validator, sampler TimeSampler) *Syncer {
	seen, err := lru.New[types.Hash, struct{}](seenCacheSize)
	if err != nil {
		panic(fmt.Sprintf("seen cache: %v", err))
	}
	s := &Syncer{
		node:      node,
		tree:      tree,
		validator: validator,
		metrics:   metrics.NewNoopCollector(),
		sampler:   sampler,
		seen:      seen,
		batchSize: MaxHeadersPerResponse,
		syncing:   make(map[peer.ID]bool),
	}
	node.SetTipFn(s.localTip)
	node.SetHandshakeHandler(s.onHandshake)
	node.SetPeerGoneHandler(s.onPeerGone)
	node.SetAnnounceHandler(s.handleAnnounce)
	return s
}

// SetMetrics replaces the metrics sink.
func (s *Syncer) SetMetrics(m metrics.SyncMetrics) {
	if m == nil {
		m = metrics.NewNoopCollector()
	}
	s.metrics = m
}

// localTip reads the active tip and its cumulative work in one view.
func (s *Syncer) localTip() ChainTip {
	var tip ChainTip
	s.tree.View(func(t blocktree.BlockTree) {
		tip.Hash, _ = t.Tip()
		tip.Height = t.Height()
		tip.Work = blocktree.ChainWork(t)
	})
	return tip
}

// aheadOfUs reports whether a peer's tip would win fork choice against
// the local one.
func (s *Syncer) aheadOfUs(tip ChainTip) bool {
	return tip.HeavierThan(s.localTip())
}

// Forget drops hashes from the seen set so re-announced headers are
// processed again. Call it with the headers a rollback removed.
func (s *Syncer) Forget(hashes []types.Hash) {
	for _, h := range hashes {
		s.seen.Remove(h)
	}
}

// RegisterHandler serves getheaders and height requests from the local
// tree. Call after the node has started.
func (s *Syncer) RegisterHandler() {
	s.registerHeightHandler()
	s.node.host.SetStreamHandler(GetHeadersProtocol, func(stream network.Stream) {
		defer stream.Close()
		_ = stream.SetDeadline(time.Now().Add(syncReadTimeout))

		var req GetHeadersRequest
		if err := json.NewDecoder(io.LimitReader(stream, maxHeadersRequestBytes)).Decode(&req); err != nil {
			return
		}
		resp := GetHeadersResponse{Headers: s.serveHeaders(req)}
		_ = json.NewEncoder(stream).Encode(&resp)
	})
}

// serveHeaders answers req against a consistent snapshot of the tree.
func (s *Syncer) serveHeaders(req GetHeadersRequest) []block.Header {
	limit := int(req.Max)
	if limit <= 0 || limit > MaxHeadersPerResponse {
		limit = MaxHeadersPerResponse
	}
	var out []block.Header
	s.tree.View(func(t blocktree.BlockTree) {
		out = blocktree.HeadersAfter(t, req.Locator, req.Stop, limit)
	})
	return out
}

// RequestHeaders asks id for headers following locator.
func (s *Syncer) RequestHeaders(ctx context.Context, id peer.ID, locator []types.Hash, max uint32) ([]block.Header, error) {
	if s.node.host == nil {
		return nil, ErrNotStarted
	}
	start := time.Now()
	defer func() { s.metrics.SyncRequestDuration(time.Since(start)) }()

	stream, err := s.node.host.NewStream(ctx, id, GetHeadersProtocol)
	if err != nil {
		return nil, fmt.Errorf("open getheaders stream: %w", err)
	}
	defer stream.Close()

	req := GetHeadersRequest{Locator: locator, Max: max}
	if err := json.NewEncoder(stream).Encode(&req); err != nil {
		return nil, fmt.Errorf("send getheaders: %w", err)
	}
	_ = stream.CloseWrite()
	_ = stream.SetReadDeadline(time.Now().Add(syncReadTimeout))

	var resp GetHeadersResponse
	if err := json.NewDecoder(io.LimitReader(stream, maxHeadersResponseBytes)).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read getheaders response: %w", err)
	}
	if len(resp.Headers) > int(max) {
		return nil, fmt.Errorf("%w: got %d, asked for %d", ErrTooManyHeaders, len(resp.Headers), max)
	}
	s.metrics.HeadersReceived(len(resp.Headers))
	return resp.Headers, nil
}

// SyncFrom pulls headers from id until it has nothing new to offer. Only
// one sync per peer runs at a time; a second call returns immediately.
//
// A full batch is followed by a request that continues from its last
// header, so a fork that needs several batches before it outweighs the
// active chain is still fetched in full.
func (s *Syncer) SyncFrom(ctx context.Context, id peer.ID) error {
	s.mu.Lock()
	if s.syncing[id] {
		s.mu.Unlock()
		return nil
	}
	s.syncing[id] = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.syncing, id)
		s.mu.Unlock()
	}()

	var last types.Hash
	for round := range maxSyncRounds {
		var locator []types.Hash
		s.tree.View(func(t blocktree.BlockTree) {
			locator = blocktree.Locator(t)
		})
		if round > 0 {
			// The rest of the locator still applies if the peer reorged.
			locator = append([]types.Hash{last}, locator...)
		}

		headers, err := s.RequestHeaders(ctx, id, locator, s.batchSize)
		if err != nil {
			if errors.Is(err, ErrTooManyHeaders) {
				s.penalize(id, PenaltyBadResponse, err)
			}
			return err
		}
		if len(headers) == 0 {
			return nil
		}
		if !linked(headers) {
			err := fmt.Errorf("peer %s sent unlinked headers", shortID(id))
			s.penalize(id, PenaltyBadResponse, err)
			return err
		}
		if _, err := s.ProcessHeaders(id, headers); err != nil {
			return err
		}
		if len(headers) < int(s.batchSize) {
			return nil
		}
		last = headers[len(headers)-1].Hash()
	}
	return nil
}

// ProcessHeaders validates headers received from id and imports them. An
// invalid header rejects the whole batch and penalizes the sender. The
// returned bool reports whether the active tip moved.
func (s *Syncer) ProcessHeaders(id peer.ID, headers []block.Header) (bool, error) {
	if err := s.validator.ValidateHeaders(headers); err != nil {
		s.metrics.HeadersRejected(rejectReason(err))
		s.penalize(id, PenaltyInvalidHeader, err)
		return false, err
	}

	var (
		before, tip types.Hash
		height      uint64
	)
	err := s.tree.Update(func(t blocktree.BlockTree) error {
		before, _ = t.Tip()
		var err error
		tip, height, err = t.ImportBlocks(blocktree.Headers(headers...), s.validator.Clock())
		return err
	})
	if err != nil {
		return false, fmt.Errorf("import headers: %w", err)
	}
	for i := range headers {
		s.seen.Add(headers[i].Hash(), struct{}{})
	}
	if tip == before {
		return false, nil
	}

	klog.Sync.Info().
		Str("peer", shortID(id)).
		Int("headers", len(headers)).
		Uint64("height", height).
		Str("tip", tip.Short()).
		Msg("Active tip advanced")
	if s.OnEvent != nil {
		s.OnEvent(Event{Kind: EventNewTip, Peer: id, Tip: tip, Height: height})
	}
	return true, nil
}

// handleAnnounce imports a gossiped tip, falling back to a locator sync
// when its parent is unknown.
func (s *Syncer) handleAnnounce(from peer.ID, data []byte) {
	var msg AnnounceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.metrics.HeadersRejected("malformed")
		s.penalize(from, PenaltyBadResponse, err)
		return
	}
	hash := msg.Header.Hash()
	if s.seen.Contains(hash) {
		return
	}
	s.metrics.HeadersReceived(1)
	announced := ChainTip{Hash: hash, Height: msg.Height, Work: msg.Work}
	s.node.notePeerTip(from, announced)

	if _, _, known := s.tree.GetBlock(msg.Header.PrevHash); !known {
		if !s.aheadOfUs(announced) {
			// Lighter side branch; remember it so replays are ignored.
			s.seen.Add(hash, struct{}{})
			return
		}
		go func() {
			if err := s.SyncFrom(s.node.ctx, from); err != nil {
				klog.Sync.Debug().Err(err).Str("peer", shortID(from)).Msg("Sync after announce failed")
			}
		}()
		return
	}
	if _, err := s.ProcessHeaders(from, []block.Header{msg.Header}); err != nil {
		klog.Sync.Debug().Err(err).Str("peer", shortID(from)).Msg("Announced header rejected")
	}
}

// onHandshake samples the peer's clock and starts a sync when its chain
// has more work than ours.
func (s *Syncer) onHandshake(id peer.ID, msg HandshakeMessage) {
	if s.sampler != nil && msg.Timestamp > 0 {
		s.sampler.AddSample(id.String(), msg.Timestamp)
	}
	s.metrics.Peers(s.node.PeerCount())
	if !s.aheadOfUs(msg.Tip()) {
		return
	}
	go func() {
		if err := s.SyncFrom(s.node.ctx, id); err != nil {
			klog.Sync.Debug().Err(err).Str("peer", shortID(id)).Msg("Initial sync failed")
		}
	}()
}

func (s *Syncer) onPeerGone(id peer.ID) {
	if s.sampler != nil {
		s.sampler.RemovePeer(id.String())
	}
	s.metrics.Peers(s.node.PeerCount())
}

func (s *Syncer) penalize(id peer.ID, penalty int, err error) {
	klog.Sync.Warn().Err(err).Str("peer", shortID(id)).Int("penalty", penalty).Msg("Bad headers from peer")
	s.node.BanManager.RecordOffense(id, penalty, err.Error())
}

// linked reports whether every header extends the one before it.
func linked(headers []block.Header) bool {
	for i := 1; i < len(headers); i++ {
		if headers[i].PrevHash != headers[i-1].Hash() {
			return false
		}
	}
	return true
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, consensus.ErrTimestampTooNew):
		return "timestamp"
	case errors.Is(err, consensus.ErrInsufficientWork):
		return "work"
	case errors.Is(err, consensus.ErrBitsTooEasy), errors.Is(err, consensus.ErrZeroBits):
		return "bits"
	default:
		return "structure"
	}
}
