package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/crypto"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
	"github.com/decred/dcrd/blockchain/standalone/v2"
)

// =============================================================================
// Protocol Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// ConsensusPoW is the only consensus type headers support.
const ConsensusPoW = "pow"

// Genesis holds the genesis header configuration and protocol rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`

	// Genesis header
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"` // committed to by the merkle root
	Nonce     uint64 `json:"nonce,omitempty"`

	// Protocol rules
	Protocol ProtocolConfig `json:"protocol"`
}

// ForkSchedule defines heights at which protocol upgrades activate.
// A zero value means the fork is not scheduled.
type ForkSchedule struct {
	// Future forks are added here as fields. Example:
	// HeaderV2Height uint64 `json:"header_v2_height,omitempty"`
}

// IsActive returns true if a fork at forkHeight has activated at currentHeight.
// Returns false if forkHeight is 0 (not scheduled).
func (f *ForkSchedule) IsActive(forkHeight, currentHeight uint64) bool {
	return forkHeight > 0 && currentHeight >= forkHeight
}

// ProtocolConfig holds consensus-critical rules.
type ProtocolConfig struct {
	Consensus ConsensusRules `json:"consensus"`
	Forks     ForkSchedule   `json:"forks,omitempty"`
}

// ConsensusRules defines how headers are produced and validated.
type ConsensusRules struct {
	Type      string `json:"type"`
	BlockTime int    `json:"block_time"` // Target seconds between headers

	// PowLimit is the compact form of the easiest target allowed.
	PowLimit uint32 `json:"pow_limit"`
	// Bits is the target stamped on genesis and on mined headers.
	Bits uint32 `json:"bits"`
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "klingnet-headers-mainnet-1",
		ChainName: "Klingnet Headers Mainnet",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Klingnet Headers Genesis",
		Protocol: ProtocolConfig{
			Consensus: ConsensusRules{
				Type:      ConsensusPoW,
				BlockTime: 60,
				PowLimit:  0x1f00ffff,
				Bits:      0x1f00ffff,
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "klingnet-headers-testnet-1"
	g.ChainName = "Klingnet Headers Testnet"
	g.ExtraData = "Klingnet Headers Testnet Genesis"

	// Near-trivial targets so laptops can mine.
	g.Protocol.Consensus.BlockTime = 10
	g.Protocol.Consensus.PowLimit = 0x207fffff
	g.Protocol.Consensus.Bits = 0x207fffff
	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis header
// =============================================================================

// Header builds the genesis header. Its hash is the chain's identity and
// must match between peers.
func (g *Genesis) Header() block.Header {
	return block.Header{
		Version:    block.CurrentVersion,
		MerkleRoot: block.ComputeMerkleRoot([]types.Hash{crypto.Hash([]byte(g.ExtraData))}),
		Timestamp:  g.Timestamp,
		Bits:       g.Protocol.Consensus.Bits,
		Nonce:      g.Nonce,
	}
}

// Hash returns the genesis header hash.
func (g *Genesis) Hash() types.Hash {
	h := g.Header()
	return h.Hash()
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}
	if g.Timestamp == 0 {
		return fmt.Errorf("timestamp is required")
	}

	c := g.Protocol.Consensus
	if c.Type != ConsensusPoW {
		return fmt.Errorf("unknown consensus type: %s", c.Type)
	}
	if c.BlockTime <= 0 {
		return fmt.Errorf("block_time must be positive")
	}

	limit := standalone.CompactToBig(c.PowLimit)
	if limit.Sign() <= 0 {
		return fmt.Errorf("pow_limit %#08x encodes a non-positive target", c.PowLimit)
	}
	target := standalone.CompactToBig(c.Bits)
	if target.Sign() <= 0 {
		return fmt.Errorf("bits %#08x encodes a non-positive target", c.Bits)
	}
	if target.Cmp(limit) > 0 {
		return fmt.Errorf("bits %#08x easier than pow_limit %#08x", c.Bits, c.PowLimit)
	}

	return nil
}
