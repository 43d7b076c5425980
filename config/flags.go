package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
)

// Version is reported by --version.
const Version = "0.1.0"

// Flags holds parsed command-line flags.
type Flags struct {
	Help    bool
	Version bool

	Network   string
	DataDir   string
	Config    string
	ClearBans bool // one-shot action, never written to the config file

	// Overrides maps conf keys to the values of option flags given
	// explicitly on the command line. Unset flags never override the file.
	Overrides map[string]string

	// Remaining positional args.
	Args []string
}

type flagKind int

const (
	kindString flagKind = iota
	kindBool
	kindInt
)

// optionFlags are command-line spellings of config file keys.
var optionFlags = []struct {
	name  string
	key   string
	kind  flagKind
	usage string
}{
	{"p2p", "p2p.enabled", kindBool, "Enable P2P networking"},
	{"p2p-port", "p2p.port", kindInt, "P2P listen port"},
	{"seeds", "p2p.seeds", kindString, "Seed nodes as comma-separated libp2p multiaddrs"},
	{"maxpeers", "p2p.maxpeers", kindInt, "Maximum number of peers"},
	{"nodiscover", "p2p.nodiscover", kindBool, "Disable peer discovery"},
	{"dht-server", "p2p.dhtserver", kindBool, "Run DHT in server mode (for seeds)"},

	{"rpc", "rpc.enabled", kindBool, "Enable RPC server"},
	{"rpc-addr", "rpc.addr", kindString, "RPC listen address"},
	{"rpc-port", "rpc.port", kindInt, "RPC listen port"},
	{"rpc-allowed", "rpc.allowed", kindString, "Allowed IPs for RPC"},
	{"rpc-cors", "rpc.cors", kindString, "Allowed CORS origins for RPC (comma-separated)"},
	{"rpc-rollback", "rpc.rollback", kindBool, "Enable the tree_rollback RPC method"},

	{"tree-backend", "tree.backend", kindString, "Header tree backend (chain or model)"},

	{"mine", "mining.enabled", kindBool, "Enable header mining"},
	{"mine-threads", "mining.threads", kindInt, "Mining threads"},

	{"metrics", "metrics.enabled", kindBool, "Serve Prometheus metrics"},
	{"metrics-addr", "metrics.addr", kindString, "Metrics listen address (host:port)"},

	{"log-level", "log.level", kindString, "Log level (debug, info, warn, error)"},
	{"log-file", "log.file", kindString, "Log file path"},
	{"log-json", "log.json", kindBool, "Output logs as JSON"},
}

// ParseFlags parses command-line flags (without the program name).
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{Overrides: make(map[string]string)}
	fs := flag.NewFlagSet("headerd", flag.ContinueOnError)

	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")
	fs.BoolVar(&f.Version, "v", false, "Show version (shorthand)")

	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	testnet := fs.Bool("testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")
	fs.BoolVar(&f.ClearBans, "clear-bans", false, "Clear all peer bans on startup")

	keys := make(map[string]string, len(optionFlags))
	for _, o := range optionFlags {
		keys[o.name] = o.key
		switch o.kind {
		case kindBool:
			fs.Bool(o.name, false, o.usage)
		case kindInt:
			fs.Int(o.name, 0, o.usage)
		default:
			fs.String(o.name, "", o.usage)
		}
	}

	fs.Usage = printUsage
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *testnet {
		f.Network = string(Testnet)
	}
	fs.Visit(func(fl *flag.Flag) {
		if key, ok := keys[fl.Name]; ok {
			f.Overrides[key] = fl.Value.String()
		}
	})

	// A positional argument stops the parser; anything after it that looks
	// like a flag would otherwise be silently ignored.
	f.Args = fs.Args()
	for _, arg := range f.Args {
		if strings.HasPrefix(arg, "-") {
			return nil, fmt.Errorf("flag %q was not parsed (positional argument stopped parsing)", arg)
		}
	}
	return f, nil
}

// ApplyFlags applies command-line flags to cfg. They take precedence over
// the config file.
func ApplyFlags(cfg *Config, f *Flags) error {
	if f.Network != "" {
		cfg.Network = NetworkType(strings.ToLower(f.Network))
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}
	if f.ClearBans {
		cfg.P2P.ClearBans = true
	}
	return ApplyFileConfig(cfg, f.Overrides)
}

func printUsage() {
	usage := `Klingnet Headers - header-only chain node with heaviest-work fork choice

Usage:
  headerd [options]
  headerd --help

Commands:
  --help, -h      Show this help message
  --version, -v   Show version information

Core Options:
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.klingnet-headers)
  --config, -c    Config file path (default: <datadir>/headerd.conf)

P2P Options:
  --p2p           Enable P2P networking (default: true)
  --p2p-port      P2P listen port (mainnet: 30313, testnet: 30314)
  --seeds         Seed nodes as comma-separated libp2p multiaddrs
  --maxpeers      Maximum number of peers (default: 50)
  --nodiscover    Disable peer discovery
  --dht-server    Run DHT in server mode (for seed nodes)
  --clear-bans    Clear all peer bans on startup

RPC Options:
  --rpc           Enable RPC server (default: true)
  --rpc-addr      RPC listen address (default: 127.0.0.1)
  --rpc-port      RPC port (mainnet: 8555, testnet: 8655)
  --rpc-allowed   Allowed IPs for RPC (comma-separated)
  --rpc-cors      Allowed CORS origins for RPC (comma-separated)
  --rpc-rollback  Enable the tree_rollback method

Tree Options:
  --tree-backend  chain (persisted, default) or model (in-memory reference)

Mining Options:
  --mine          Mine headers on top of the current tip
  --mine-threads  Mining threads (default: 1)

Metrics Options:
  --metrics       Serve Prometheus metrics
  --metrics-addr  Metrics listen address (mainnet: 127.0.0.1:9190)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (default: stdout)
  --log-json      Output logs as JSON

Examples:
  # Start mainnet node
  headerd

  # Start a mining testnet node with metrics
  headerd --testnet --mine --metrics

  # Run the in-memory reference tree
  headerd --tree-backend=model --nodiscover
`
	fmt.Print(usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
func Load(args []string) (*Config, *Flags, error) {
	flags, err := ParseFlags(args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		return nil, nil, err
	}

	// Handle help/version
	if flags.Help {
		printUsage()
		os.Exit(0)
	}
	if flags.Version {
		fmt.Println("headerd version " + Version)
		os.Exit(0)
	}

	// Determine network first (needed for defaults)
	network := Mainnet
	if strings.ToLower(flags.Network) == string(Testnet) {
		network = Testnet
	}

	// Start with defaults
	cfg := Default(network)

	// Override datadir if specified
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	// Auto-create data directories and default config on first start.
	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	// Determine config file path
	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}

	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	if err := ApplyFlags(cfg, flags); err != nil {
		return nil, nil, fmt.Errorf("applying flags: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, flags, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. Safe to call on every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.HeadersDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}
