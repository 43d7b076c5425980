package config

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strconv"
	"strings"
)

// LoadFile reads a key = value file. Blank lines and lines starting with #
// are skipped; values may be quoted. A missing file yields no values.
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for n := 1; scanner.Scan(); n++ {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line[0] == '#' {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: invalid format (expected key = value)", n)
		}
		values[strings.TrimSpace(key)] = unquote(strings.TrimSpace(value))
	}
	return values, scanner.Err()
}

func unquote(v string) string {
	if len(v) >= 2 && (v[0] == '"' || v[0] == '\'') && v[len(v)-1] == v[0] {
		return v[1 : len(v)-1]
	}
	return v
}

// keyAliases are short forms accepted for the most common switches.
var keyAliases = map[string]string{
	"p2p":     "p2p.enabled",
	"rpc":     "rpc.enabled",
	"mine":    "mining.enabled",
	"metrics": "metrics.enabled",
}

// ApplyFileConfig assigns file values to the Config fields carrying the
// matching conf tag. Unknown keys are ignored.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	fields := confFields(reflect.ValueOf(cfg).Elem(), nil)
	for key, value := range values {
		if alias, ok := keyAliases[key]; ok {
			key = alias
		}
		field, ok := fields[key]
		if !ok {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// confFields indexes every tagged field of v, descending into nested
// section structs.
func confFields(v reflect.Value, into map[string]reflect.Value) map[string]reflect.Value {
	if into == nil {
		into = make(map[string]reflect.Value)
	}
	t := v.Type()
	for i := range t.NumField() {
		f := t.Field(i)
		if tag := f.Tag.Get("conf"); tag != "" {
			into[tag] = v.Field(i)
			continue
		}
		if f.Type.Kind() == reflect.Struct {
			confFields(v.Field(i), into)
		}
	}
	return into
}

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		if field.Type() != reflect.TypeOf("") {
			// Enumerations such as NetworkType and TreeBackend.
			value = strings.ToLower(value)
		}
		field.SetString(value)
	case reflect.Bool:
		field.SetBool(parseBool(value))
	case reflect.Int:
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		field.SetInt(int64(n))
	case reflect.Slice:
		field.Set(reflect.ValueOf(parseStringList(value)))
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}

func parseBool(s string) bool {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

// parseStringList splits a comma-separated list, dropping empty entries.
func parseStringList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// WriteDefaultConfig writes a default node configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Klingnet Header Node Configuration
#
# This file contains NODE settings only.
# Protocol rules (genesis header, proof-of-work limit) are hardcoded in the
# genesis configuration and cannot be changed without a hard fork.

# Network: mainnet or testnet
network = ` + string(network) + `

# Data directory (default: ~/.klingnet-headers)
# datadir = ~/.klingnet-headers

# ============================================================================
# P2P Network
# ============================================================================

p2p.enabled = true
p2p.listen = 0.0.0.0
p2p.port = ` + defaultPort(network) + `
p2p.maxpeers = 50

# Seed nodes (comma-separated libp2p multiaddrs)
# p2p.seeds = /ip4/203.0.113.1/tcp/30313/p2p/12D3KooW...

# Disable peer discovery (for private networks)
# p2p.nodiscover = false

# Run DHT in server mode (for seed nodes)
# p2p.dhtserver = false

# ============================================================================
# RPC Server
# ============================================================================

rpc.enabled = true
rpc.addr = 127.0.0.1
rpc.port = ` + defaultRPCPort(network) + `
rpc.allowed = 127.0.0.1
# CORS allowed origins ("*" for all)
# rpc.cors = http://localhost:3000
# Allow tree_rollback (discards headers)
# rpc.rollback = false

# ============================================================================
# Header Tree
# ============================================================================

# chain (persisted, default) or model (in-memory reference)
tree.backend = chain

# ============================================================================
# Mining
# ============================================================================

mining.enabled = false
# mining.threads = 1

# ============================================================================
# Metrics
# ============================================================================

# metrics.enabled = false
# metrics.addr = 127.0.0.1:9190

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false
`
	return os.WriteFile(path, []byte(content), 0644)
}

func defaultPort(network NetworkType) string {
	if network == Testnet {
		return "30314"
	}
	return "30313"
}

func defaultRPCPort(network NetworkType) string {
	if network == Testnet {
		return "8655"
	}
	return "8555"
}
