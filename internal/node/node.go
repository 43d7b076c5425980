// Package node assembles a header node from its parts: storage, the block
// tree, header validation, peer-to-peer sync, the RPC server, metrics and
// an optional miner. It can be embedded in any binary.
package node

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-headers/config"
	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/internal/consensus"
	"github.com/Klingon-tech/klingnet-headers/internal/headersync"
	klog "github.com/Klingon-tech/klingnet-headers/internal/log"
	"github.com/Klingon-tech/klingnet-headers/internal/metrics"
	"github.com/Klingon-tech/klingnet-headers/internal/miner"
	"github.com/Klingon-tech/klingnet-headers/internal/nettime"
	"github.com/Klingon-tech/klingnet-headers/internal/rpc"
	"github.com/Klingon-tech/klingnet-headers/internal/storage"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// Node is a fully-initialized header node.
type Node struct {
	cfg     *config.Config
	genesis *config.Genesis
	logger  zerolog.Logger

	// Core
	db        storage.DB
	tree      *blocktree.Synchronized
	clock     *nettime.AdjustedTime
	pow       *consensus.PoW
	validator *consensus.Validator

	// Metrics
	registry      *prometheus.Registry
	metricsServer *metrics.Server

	// Networking
	p2pNode *headersync.Node
	syncer  *headersync.Syncer

	// RPC
	rpcServer *rpc.Server

	// Mining
	miner *miner.Miner

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and initializes a node. It opens storage, restores the tree
// and starts the listeners (P2P, RPC, metrics) but does not start
// background work (catch-up sync, mining). Call Start for that.
func New(cfg *config.Config) (*Node, error) {
	cfg.DataDir = expandHome(cfg.DataDir)

	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "headerd.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.Node

	// ── 2. Genesis ──────────────────────────────────────────────────
	genesis := config.GenesisFor(cfg.Network)
	if err := genesis.Validate(); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	genesisHeader := genesis.Header()

	logger.Info().
		Str("chain_id", genesis.ChainID).
		Str("network", string(cfg.Network)).
		Str("genesis", genesis.Hash().String()).
		Str("backend", string(cfg.Tree.Backend)).
		Msg("Starting Klingnet header node")

	n := &Node{cfg: cfg, genesis: genesis, logger: logger}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	fail := func(err error) (*Node, error) {
		n.Stop()
		return nil, err
	}

	// ── 3. Open storage ─────────────────────────────────────────────
	if err := os.MkdirAll(cfg.HeadersDir(), 0755); err != nil {
		return fail(fmt.Errorf("creating headers dir: %w", err))
	}
	db, err := storage.NewBadger(cfg.HeadersDir())
	if err != nil {
		return fail(fmt.Errorf("open database at %s: %w", cfg.HeadersDir(), err))
	}
	n.db = db
	logger.Info().Str("path", cfg.HeadersDir()).Msg("Database opened")

	// ── 4. Metrics ──────────────────────────────────────────────────
	var (
		treeMetrics metrics.TreeMetrics = metrics.NewNoopCollector()
		syncMetrics metrics.SyncMetrics = metrics.NewNoopCollector()
	)
	if cfg.Metrics.Enabled {
		n.registry = prometheus.NewRegistry()
		n.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		treeMetrics = metrics.NewTreeCollector(n.registry)
		syncMetrics = metrics.NewSyncCollector(n.registry)
	}

	// ── 5. Header tree ──────────────────────────────────────────────
	backend, err := openTree(cfg.Tree.Backend, db, genesisHeader, treeMetrics)
	if err != nil {
		return fail(fmt.Errorf("open header tree: %w", err))
	}
	n.tree = blocktree.NewSynchronized(backend)
	tip, _ := n.tree.Tip()
	logger.Info().
		Uint64("height", n.tree.Height()).
		Str("tip", tip.Short()).
		Msg("Header tree loaded")

	// ── 6. Validation ───────────────────────────────────────────────
	rules := genesis.Protocol.Consensus
	n.pow, err = consensus.NewPoW(rules.PowLimit, rules.Bits)
	if err != nil {
		return fail(fmt.Errorf("create pow: %w", err))
	}
	n.pow.Threads = cfg.Mining.Threads
	n.clock = nettime.NewAdjustedTime()
	n.validator = consensus.NewValidator(n.pow, n.clock)

	// ── 7. P2P ──────────────────────────────────────────────────────
	if cfg.P2P.Enabled {
		n.p2pNode = headersync.New(headersync.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			DB:         db,
			DHTServer:  cfg.P2P.DHTServer,
			NetworkID:  genesis.ChainID,
			DataDir:    cfg.ChainDataDir(),
		})
		n.p2pNode.SetGenesisHash(genesis.Hash())

		n.syncer = headersync.NewSyncer(n.p2pNode, n.tree, n.validator, n.clock)
		n.syncer.SetMetrics(syncMetrics)
		n.syncer.OnEvent = n.onSyncEvent

		if err := n.p2pNode.Start(); err != nil {
			n.p2pNode = nil
			return fail(fmt.Errorf("start P2P: %w", err))
		}
		n.syncer.RegisterHandler()

		if cfg.P2P.ClearBans {
			n.p2pNode.BanManager.ClearAll()
			logger.Info().Msg("Cleared all peer bans")
		}

		logger.Info().
			Str("id", n.p2pNode.ID().String()).
			Strs("addrs", n.p2pNode.Addrs()).
			Msg("P2P started")
	} else {
		logger.Warn().Msg("P2P disabled by config")
	}

	// ── 8. RPC server ───────────────────────────────────────────────
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpcServer = rpc.New(rpcAddr, n.tree, n.validator, n.p2pNode, genesis, cfg.RPC)
		n.rpcServer.SetNewTipHandler(n.announce)
		if n.syncer != nil {
			n.rpcServer.SetRollbackHandler(n.syncer.Forget)
		}
		if err := n.rpcServer.Start(); err != nil {
			n.rpcServer = nil
			return fail(fmt.Errorf("start RPC at %s: %w", rpcAddr, err))
		}
		logger.Info().Str("addr", n.rpcServer.Addr()).Msg("RPC server started")
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}

	// ── 9. Metrics server ───────────────────────────────────────────
	if cfg.Metrics.Enabled {
		n.metricsServer = metrics.NewServer(klog.WithComponent("metrics"), cfg.Metrics.Addr, n.registry)
		if err := n.metricsServer.Start(); err != nil {
			n.metricsServer = nil
			return fail(fmt.Errorf("start metrics at %s: %w", cfg.Metrics.Addr, err))
		}
	}

	// ── 10. Miner ───────────────────────────────────────────────────
	if cfg.Mining.Enabled {
		var nodeID string
		if n.p2pNode != nil {
			nodeID = n.p2pNode.ID().String()
		}
		n.miner = miner.New(n.tree, n.pow, n.validator, minerTag(genesis.ChainID, nodeID))
		n.miner.OnMined = n.announce
	}

	return n, nil
}

// Start launches background goroutines: the catch-up poller and the miner.
func (n *Node) Start() error {
	if n.syncer != nil {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.syncer.RunCatchUp(n.ctx, headersync.DefaultCatchUpInterval)
		}()
	}

	if n.miner != nil {
		blockTime := time.Duration(n.genesis.Protocol.Consensus.BlockTime) * time.Second
		n.logger.Info().
			Int("threads", n.cfg.Mining.Threads).
			Dur("interval", blockTime).
			Msg("Header production enabled")

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			// Give the initial sync a head start so we don't mine on a stale tip.
			if n.p2pNode != nil {
				n.logger.Info().Dur("delay", blockTime).Msg("Waiting for initial sync before mining")
				select {
				case <-n.ctx.Done():
					return
				case <-time.After(blockTime):
				}
			}
			n.miner.Run(n.ctx, blockTime)
		}()
	}

	tip, _ := n.tree.Tip()
	n.logger.Info().
		Uint64("height", n.tree.Height()).
		Str("tip", tip.Short()).
		Bool("mining", n.miner != nil).
		Msg("Node started successfully")
	return nil
}

// Stop performs graceful shutdown in reverse order. It is safe to call on
// a partially constructed node.
func (n *Node) Stop() {
	n.cancel()
	n.wg.Wait()

	if n.rpcServer != nil {
		n.rpcServer.Stop()
	}
	if n.metricsServer != nil {
		n.metricsServer.Stop()
	}
	if n.p2pNode != nil {
		n.p2pNode.Stop()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// MetricsAddr returns the address the metrics server is listening on.
func (n *Node) MetricsAddr() string {
	if n.metricsServer == nil {
		return ""
	}
	return n.metricsServer.Addr()
}

// Height returns the active chain height.
func (n *Node) Height() uint64 {
	return n.tree.Height()
}

// Tip returns the active tip hash and header.
func (n *Node) Tip() (types.Hash, block.Header) {
	return n.tree.Tip()
}

// Tree returns the node's shared block tree.
func (n *Node) Tree() *blocktree.Synchronized {
	return n.tree
}

// announce gossips a tip this node produced or accepted over RPC. A tip
// that has already been superseded is not announced.
func (n *Node) announce(h block.Header, height uint64) {
	if n.p2pNode == nil {
		return
	}
	var work *big.Int
	n.tree.View(func(t blocktree.BlockTree) {
		if tip, _ := t.Tip(); tip == h.Hash() {
			work = blocktree.ChainWork(t)
		}
	})
	if work == nil {
		return
	}
	if err := n.p2pNode.BroadcastHeader(h, height, work); err != nil {
		n.logger.Debug().Err(err).Uint64("height", height).Msg("Failed to announce header")
	}
}

func (n *Node) onSyncEvent(e headersync.Event) {
	if e.Kind != headersync.EventNewTip {
		return
	}
	n.logger.Debug().
		Uint64("height", e.Height).
		Str("tip", e.Tip.Short()).
		Str("peer", e.Peer.String()).
		Msg("Tip advanced from peer headers")
}
