package config

import (
	"fmt"
	"net"
	"strings"

	"github.com/multiformats/go-multiaddr"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}

	if cfg.Tree.Backend == "" {
		cfg.Tree.Backend = BackendChain
	}
	switch cfg.Tree.Backend {
	case BackendChain, BackendModel:
	default:
		return fmt.Errorf("tree.backend must be %q or %q", BackendChain, BackendModel)
	}

	if cfg.Mining.Threads < 0 {
		return fmt.Errorf("mining.threads must not be negative")
	}

	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("metrics.addr: %w", err)
		}
	}

	for i, s := range cfg.P2P.Seeds {
		if _, err := multiaddr.NewMultiaddr(strings.TrimSpace(s)); err != nil {
			return fmt.Errorf("p2p.seeds[%d]: %w", i, err)
		}
	}

	for i, ip := range cfg.RPC.AllowedIPs {
		if net.ParseIP(ip) == nil {
			if _, _, err := net.ParseCIDR(ip); err != nil {
				return fmt.Errorf("rpc.allowed[%d] %q is not an IP or CIDR", i, ip)
			}
		}
	}

	return nil
}
