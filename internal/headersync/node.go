// Package headersync exchanges headers with peers over libp2p: a handshake
// that checks genesis and samples peer clocks, a getheaders stream protocol
// driven by block locators, and gossip of new tips.
package headersync

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-headers/internal/log"
	"github.com/Klingon-tech/klingnet-headers/internal/storage"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
	"github.com/libp2p/go-libp2p"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
)

// maxGossipBytes bounds a single announce message.
const maxGossipBytes = 64 * 1024

// Config holds P2P node configuration.
type Config struct {
	ListenAddr string
	Port       int
	Seeds      []string
	MaxPeers   int
	NoDiscover bool
	DB         storage.DB // Ban and peer persistence (nil = disabled, for tests)
	DHTServer  bool       // Run DHT in server mode (for seeds)
	NetworkID  string     // e.g. "klingnet-headers-mainnet-1", isolates discovery per network
	DataDir    string     // Persists the node identity key
}

// Node is a libp2p host speaking the header protocols.
type Node struct {
	host   host.Host
	pubsub *pubsub.PubSub
	config Config
	ctx    context.Context
	cancel context.CancelFunc

	topicAnnounce   *pubsub.Topic
	subAnnounce     *pubsub.Subscription
	announceHandler func(peer.ID, []byte)

	mu    sync.RWMutex
	peers map[peer.ID]*Peer

	BanManager *BanManager
	peerStore  *PeerStore    // nil if Config.DB is nil
	dht        *dht.IpfsDHT  // nil if NoDiscover
	connNotify *connNotifier // connection lifecycle tracker

	// Handshake state.
	genesisHash      types.Hash
	handshakeEnabled bool
	tipFn            func() ChainTip
	onHandshake      func(peer.ID, HandshakeMessage)
	onPeerGone       func(peer.ID)
}

// New creates a new P2P node with the given config.
func New(cfg Config) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		config: cfg,
		ctx:    ctx,
		cancel: cancel,
		peers:  make(map[peer.ID]*Peer),
	}
	if cfg.DB != nil {
		n.peerStore = NewPeerStore(cfg.DB)
		n.BanManager = NewBanManager(NewBanStore(cfg.DB), n)
	} else {
		n.BanManager = NewBanManager(nil, n)
	}
	return n
}

// Start initializes the libp2p host, pubsub, and begins listening.
func (n *Node) Start() error {
	addr := fmt.Sprintf("/ip4/%s/tcp/%d", n.config.ListenAddr, n.config.Port)

	n.BanManager.LoadBans()

	opts := []libp2p.Option{
		libp2p.ListenAddrStrings(addr),
		libp2p.ConnectionGater(&banGater{banMgr: n.BanManager}),
	}

	// A persisted identity keeps the peer ID stable across restarts.
	if n.config.DataDir != "" {
		privKey, err := loadOrCreateIdentity(n.config.DataDir)
		if err != nil {
			return fmt.Errorf("load p2p identity: %w", err)
		}
		opts = append(opts, libp2p.Identity(privKey))
	}

	h, err := libp2p.New(opts...)
	if err != nil {
		return fmt.Errorf("create libp2p host: %w", err)
	}
	n.host = h

	n.connNotify = &connNotifier{node: n}
	h.Network().Notify(n.connNotify)

	// The DHT comes up before GossipSub so it can serve as a peer source.
	if !n.config.NoDiscover {
		if err := n.initDHT(); err != nil {
			h.Close()
			return fmt.Errorf("init dht: %w", err)
		}
	}

	ps, err := pubsub.NewGossipSub(n.ctx, h, pubsub.WithMaxMessageSize(maxGossipBytes))
	if err != nil {
		n.closeDHT()
		h.Close()
		return fmt.Errorf("create pubsub: %w", err)
	}
	n.pubsub = ps

	if err := n.joinTopics(); err != nil {
		n.closeDHT()
		h.Close()
		return err
	}

	if n.handshakeEnabled {
		n.registerHandshakeHandler()
	}

	go n.readLoop(n.subAnnounce, n.handleAnnounceMessage)
	go n.BanManager.RunPruneLoop(n.ctx.Done())
	n.startDiscovery()
	return nil
}

// Stop shuts down the P2P node.
func (n *Node) Stop() error {
	n.persistPeers()

	n.cancel()
	if n.subAnnounce != nil {
		n.subAnnounce.Cancel()
	}
	if n.topicAnnounce != nil {
		n.topicAnnounce.Close()
	}

	n.closeDHT()
	if n.host != nil {
		return n.host.Close()
	}
	return nil
}

// Host returns the underlying libp2p host (nil before Start).
func (n *Node) Host() host.Host {
	return n.host
}

// SetGenesisHash sets the genesis hash for handshake validation.
// A non-zero hash enables the handshake protocol. Call before Start.
func (n *Node) SetGenesisHash(h types.Hash) {
	n.genesisHash = h
	n.handshakeEnabled = !h.IsZero()
}

// SetTipFn sets the function used to report the local tip during handshake.
func (n *Node) SetTipFn(fn func() ChainTip) {
	n.tipFn = fn
}

// SetHandshakeHandler registers a callback for every peer that passes the
// handshake, on either side of the exchange.
func (n *Node) SetHandshakeHandler(fn func(peer.ID, HandshakeMessage)) {
	n.onHandshake = fn
}

// SetPeerGoneHandler registers a callback for peers whose last connection
// closed.
func (n *Node) SetPeerGoneHandler(fn func(peer.ID)) {
	n.onPeerGone = fn
}

// SetAnnounceHandler registers a callback for gossiped announcements.
func (n *Node) SetAnnounceHandler(fn func(from peer.ID, data []byte)) {
	n.announceHandler = fn
}

// DisconnectPeer closes all connections to a peer and removes it from the peer list.
func (n *Node) DisconnectPeer(id peer.ID) error {
	if n.host == nil {
		return ErrNotStarted
	}
	n.removePeer(id)
	return n.host.Network().ClosePeer(id)
}

// ID returns the peer ID of this node.
func (n *Node) ID() peer.ID {
	if n.host == nil {
		return ""
	}
	return n.host.ID()
}

// Addrs returns the full multiaddrs of this node.
func (n *Node) Addrs() []string {
	if n.host == nil {
		return nil
	}
	var addrs []string
	for _, a := range n.host.Addrs() {
		addrs = append(addrs, fmt.Sprintf("%s/p2p/%s", a, n.host.ID()))
	}
	return addrs
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.peers)
}

// PeerList returns a snapshot of connected peers.
func (n *Node) PeerList() []Peer {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]Peer, 0, len(n.peers))
	for _, p := range n.peers {
		out = append(out, *p)
	}
	return out
}

// BestPeer returns the verified peer reporting the heaviest chain.
func (n *Node) BestPeer() (Peer, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	var (
		best  Peer
		found bool
	)
	for _, p := range n.peers {
		if !p.Verified || p.BestWork == nil {
			continue
		}
		if !found || p.Tip().HeavierThan(best.Tip()) {
			best, found = *p, true
		}
	}
	return best, found
}

func (n *Node) atCapacity() bool {
	return n.config.MaxPeers > 0 && n.PeerCount() >= n.config.MaxPeers
}

func (n *Node) addPeer(id peer.ID, source string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	p, exists := n.peers[id]
	if !exists {
		p = &Peer{ID: id, ConnectedAt: time.Now()}
		n.peers[id] = p
	}
	if p.Source == "" {
		p.Source = source
	}
}

func (n *Node) markVerified(id peer.ID, tip ChainTip) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		p.Verified = true
		p.BestHeight, p.BestHash, p.BestWork = tip.Height, tip.Hash, tip.Work
	}
}

// setPeerTip replaces the tip a peer last reported.
func (n *Node) setPeerTip(id peer.ID, tip ChainTip) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok {
		p.BestHeight, p.BestHash, p.BestWork = tip.Height, tip.Hash, tip.Work
	}
}

// notePeerTip records tip for a peer when it beats what the peer last
// reported.
func (n *Node) notePeerTip(id peer.ID, tip ChainTip) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if p, ok := n.peers[id]; ok && tip.HeavierThan(p.Tip()) {
		p.BestHeight, p.BestHash, p.BestWork = tip.Height, tip.Hash, tip.Work
	}
}

func (n *Node) removePeer(id peer.ID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.peers, id)
}

func (n *Node) joinTopics() error {
	var err error
	n.topicAnnounce, err = n.pubsub.Join(TopicAnnounce)
	if err != nil {
		return fmt.Errorf("join announce topic: %w", err)
	}
	n.subAnnounce, err = n.topicAnnounce.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	return nil
}

func (n *Node) readLoop(sub *pubsub.Subscription, handler func(*pubsub.Message)) {
	for {
		msg, err := sub.Next(n.ctx)
		if err != nil {
			return // Context cancelled.
		}
		if msg.ReceivedFrom == n.host.ID() {
			continue
		}
		handler(msg)
	}
}

func (n *Node) handleAnnounceMessage(msg *pubsub.Message) {
	defer func() {
		if r := recover(); r != nil {
			klog.Sync.Error().Interface("panic", r).Msg("Announce handler panicked")
		}
	}()
	n.addPeer(msg.ReceivedFrom, "gossip")
	if n.announceHandler != nil {
		n.announceHandler(msg.ReceivedFrom, msg.Data)
	}
}

// loadOrCreateIdentity loads the Ed25519 identity from dataDir/node.key,
// creating it on first start.
func loadOrCreateIdentity(dataDir string) (libp2pcrypto.PrivKey, error) {
	keyPath := filepath.Join(dataDir, "node.key")

	data, err := os.ReadFile(keyPath)
	if err == nil {
		keyBytes, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode node key: %w", err)
		}
		return libp2pcrypto.UnmarshalEd25519PrivateKey(keyBytes)
	}

	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	raw, err := priv.Raw()
	if err != nil {
		return nil, fmt.Errorf("marshal key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(raw)), 0600); err != nil {
		return nil, fmt.Errorf("save node key: %w", err)
	}
	return priv, nil
}

func shortID(id peer.ID) string {
	s := id.String()
	if len(s) > 16 {
		return s[:16]
	}
	return s
}
