package headersync

import (
	"context"
	"fmt"
	"time"

	klog "github.com/Klingon-tech/klingnet-headers/internal/log"
	dht "github.com/libp2p/go-libp2p-kad-dht"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	drouting "github.com/libp2p/go-libp2p/p2p/discovery/routing"
	dutil "github.com/libp2p/go-libp2p/p2p/discovery/util"
)

const (
	// dhtRendezvousFallback is the discovery namespace when no NetworkID is set.
	dhtRendezvousFallback = "klingnet-headers"

	dhtDiscoveryInterval = 30 * time.Second
	dhtFindTimeout       = 20 * time.Second
	peerConnectTimeout   = 5 * time.Second
	seedConnectTimeout   = 10 * time.Second
	seedRetryInterval    = 10 * time.Second
)

// rendezvous is the DHT and mDNS namespace. Nodes on different networks
// never find each other.
func (n *Node) rendezvous() string {
	if n.config.NetworkID != "" {
		return "klingnet-headers/" + n.config.NetworkID
	}
	return dhtRendezvousFallback
}

// startDiscovery dials seeds and remembered peers, then keeps looking for
// peers in the background until the node stops.
func (n *Node) startDiscovery() {
	go n.loadPersistedPeers()

	if len(n.config.Seeds) > 0 {
		klog.Sync.Info().Int("seeds", len(n.config.Seeds)).Msg("Connecting to seeds...")
		n.connectSeeds()
		go n.retrySeeds()
	}
	if !n.config.NoDiscover {
		// mDNS failure is non-fatal.
		_ = mdns.NewMdnsService(n.host, n.rendezvous(), &discoveryNotifee{node: n}).Start()
		go n.runDHTDiscovery()
	}
	if n.peerStore != nil {
		go n.runPersistLoop()
	}
}

// dial connects to info and records it under source. Self, banned peers and
// dials past MaxPeers are skipped.
func (n *Node) dial(info peer.AddrInfo, source string, timeout time.Duration) error {
	if info.ID == n.host.ID() {
		return nil
	}
	if n.atCapacity() {
		return fmt.Errorf("peer limit %d reached", n.config.MaxPeers)
	}
	ctx, cancel := context.WithTimeout(n.ctx, timeout)
	defer cancel()
	if err := n.host.Connect(ctx, info); err != nil {
		return err
	}
	n.addPeer(info.ID, source)
	return nil
}

// discoveryNotifee receives mDNS results.
type discoveryNotifee struct {
	node *Node
}

func (d *discoveryNotifee) HandlePeerFound(pi peer.AddrInfo) {
	_ = d.node.dial(pi, "mdns", peerConnectTimeout)
}

// connectSeeds tries each seed once and reports whether any connected.
func (n *Node) connectSeeds() bool {
	connected := false
	for _, addr := range n.config.Seeds {
		info, err := peer.AddrInfoFromString(addr)
		if err != nil {
			klog.Sync.Warn().Str("addr", addr).Err(err).Msg("Bad seed address")
			continue
		}
		if err := n.dial(*info, "seed", seedConnectTimeout); err != nil {
			klog.Sync.Warn().Str("peer", shortID(info.ID)).Err(err).Msg("Seed connect failed")
			continue
		}
		klog.Sync.Info().Str("peer", shortID(info.ID)).Msg("Seed connected")
		connected = true
	}
	return connected
}

// retrySeeds redials seeds whenever the node is left without peers.
func (n *Node) retrySeeds() {
	ticker := time.NewTicker(seedRetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if n.PeerCount() == 0 {
				klog.Sync.Info().Int("seeds", len(n.config.Seeds)).Msg("No peers, retrying seeds...")
				n.connectSeeds()
			}
		}
	}
}

func (n *Node) initDHT() error {
	mode := dht.ModeClient
	if n.config.DHTServer {
		mode = dht.ModeServer
	}
	kad, err := dht.New(n.ctx, n.host, dht.Mode(mode))
	if err != nil {
		return fmt.Errorf("create kad-dht: %w", err)
	}
	n.dht = kad
	return kad.Bootstrap(n.ctx)
}

func (n *Node) closeDHT() {
	if n.dht != nil {
		n.dht.Close()
		n.dht = nil
	}
}

// runDHTDiscovery advertises the rendezvous and periodically dials peers
// found under it.
func (n *Node) runDHTDiscovery() {
	if n.dht == nil {
		return
	}
	rd := drouting.NewRoutingDiscovery(n.dht)
	dutil.Advertise(n.ctx, rd, n.rendezvous())

	ticker := time.NewTicker(dhtDiscoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.findDHTPeers(rd)
		}
	}
}

func (n *Node) findDHTPeers(rd *drouting.RoutingDiscovery) {
	ctx, cancel := context.WithTimeout(n.ctx, dhtFindTimeout)
	defer cancel()

	found, err := rd.FindPeers(ctx, n.rendezvous())
	if err != nil {
		return
	}
	for p := range found {
		if len(p.Addrs) == 0 {
			continue
		}
		if n.atCapacity() {
			return
		}
		_ = n.dial(p, "dht", peerConnectTimeout)
	}
}
