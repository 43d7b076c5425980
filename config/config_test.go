package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestDefaults_Valid(t *testing.T) {
	for _, n := range []NetworkType{Mainnet, Testnet} {
		cfg := Default(n)
		if err := Validate(cfg); err != nil {
			t.Errorf("%s defaults invalid: %v", n, err)
		}
		if cfg.Tree.Backend != BackendChain {
			t.Errorf("%s default backend = %q, want chain", n, cfg.Tree.Backend)
		}
	}
	if DefaultMainnet().P2P.Port == DefaultTestnet().P2P.Port {
		t.Error("mainnet and testnet must not share a p2p port")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"bad network", func(c *Config) { c.Network = "devnet" }, true},
		{"bad p2p port", func(c *Config) { c.P2P.Port = 70000 }, true},
		{"bad rpc port", func(c *Config) { c.RPC.Port = -1 }, true},
		{"model backend", func(c *Config) { c.Tree.Backend = BackendModel }, false},
		{"empty backend defaults", func(c *Config) { c.Tree.Backend = "" }, false},
		{"unknown backend", func(c *Config) { c.Tree.Backend = "sql" }, true},
		{"negative threads", func(c *Config) { c.Mining.Threads = -2 }, true},
		{"bad metrics addr", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "nope" }, true},
		{"bad seed", func(c *Config) { c.P2P.Seeds = []string{"203.0.113.1:30313"} }, true},
		{"good seed", func(c *Config) {
			c.P2P.Seeds = []string{"/ip4/203.0.113.1/tcp/30313"}
		}, false},
		{"cidr allowed", func(c *Config) { c.RPC.AllowedIPs = []string{"10.0.0.0/8"} }, false},
		{"bad allowed", func(c *Config) { c.RPC.AllowedIPs = []string{"localhost"} }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultMainnet()
			tt.mutate(cfg)
			err := Validate(cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	if err := Validate(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "headerd.conf")
	content := `# comment
network = testnet
tree.backend = "model"
p2p.seeds = /ip4/127.0.0.1/tcp/1, /ip4/127.0.0.1/tcp/2
mining.threads = 4
metrics = yes
rpc.rollback = on
unknown.key = ignored
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := DefaultMainnet()
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}

	if cfg.Network != Testnet {
		t.Errorf("network = %q", cfg.Network)
	}
	if cfg.Tree.Backend != BackendModel {
		t.Errorf("backend = %q", cfg.Tree.Backend)
	}
	if len(cfg.P2P.Seeds) != 2 {
		t.Errorf("seeds = %v", cfg.P2P.Seeds)
	}
	if cfg.Mining.Threads != 4 {
		t.Errorf("threads = %d", cfg.Mining.Threads)
	}
	if !cfg.Metrics.Enabled || !cfg.RPC.AllowRollback {
		t.Error("bool keys not applied")
	}
}

func TestLoadFile_Missing(t *testing.T) {
	values, err := LoadFile(filepath.Join(t.TempDir(), "absent.conf"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if len(values) != 0 {
		t.Fatalf("values = %v, want empty", values)
	}
}

func TestLoadFile_BadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.conf")
	if err := os.WriteFile(path, []byte("no equals sign\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyFileConfig_BadInt(t *testing.T) {
	cfg := DefaultMainnet()
	if err := ApplyFileConfig(cfg, map[string]string{"rpc.port": "abc"}); err == nil {
		t.Fatal("expected error for non-numeric port")
	}
}

func TestWriteDefaultConfig_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "headerd.conf")
	if err := WriteDefaultConfig(path, Testnet); err != nil {
		t.Fatalf("WriteDefaultConfig: %v", err)
	}
	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := DefaultMainnet()
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
	if cfg.Network != Testnet || cfg.P2P.Port != 30314 || cfg.RPC.Port != 8655 {
		t.Fatalf("written defaults not applied: %+v", cfg)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestParseFlags(t *testing.T) {
	f, err := ParseFlags([]string{
		"--testnet", "--rpc=false", "--tree-backend=MODEL", "--mine", "--mine-threads=3",
		"--metrics-addr=127.0.0.1:9999", "--seeds=/ip4/127.0.0.1/tcp/1",
	})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	cfg := DefaultMainnet()
	if err := ApplyFlags(cfg, f); err != nil {
		t.Fatalf("ApplyFlags: %v", err)
	}

	if cfg.Network != Testnet {
		t.Errorf("network = %q", cfg.Network)
	}
	if cfg.RPC.Enabled {
		t.Error("--rpc=false not applied")
	}
	if !cfg.P2P.Enabled {
		t.Error("unset --p2p must keep the default")
	}
	if cfg.Tree.Backend != BackendModel {
		t.Errorf("backend = %q", cfg.Tree.Backend)
	}
	if !cfg.Mining.Enabled || cfg.Mining.Threads != 3 {
		t.Errorf("mining = %+v", cfg.Mining)
	}
	if cfg.Metrics.Addr != "127.0.0.1:9999" {
		t.Errorf("metrics addr = %q", cfg.Metrics.Addr)
	}
	if len(cfg.P2P.Seeds) != 1 {
		t.Errorf("seeds = %v", cfg.P2P.Seeds)
	}
}

func TestParseFlags_PositionalStopsParsing(t *testing.T) {
	if _, err := ParseFlags([]string{"--mine", "oops", "--metrics"}); err == nil {
		t.Fatal("expected error for flag after positional argument")
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfg, _, err := Load([]string{"--datadir", dir, "--testnet", "--tree-backend", "model"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Network != Testnet || cfg.Tree.Backend != BackendModel {
		t.Fatalf("cfg = %+v", cfg)
	}
	if _, err := os.Stat(cfg.ConfigFile()); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if _, err := os.Stat(cfg.HeadersDir()); err != nil {
		t.Fatalf("headers dir not created: %v", err)
	}
}

func TestApplyFileConfig_TaggedKeys(t *testing.T) {
	cfg := DefaultTestnet()
	err := ApplyFileConfig(cfg, map[string]string{
		"rpc":         "off",
		"rpc.allowed": "10.0.0.0/8, 127.0.0.1",
		"p2p.listen":  "127.0.0.1",
		"log.json":    "1",
		"mine":        "true",
	})
	if err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}
	if cfg.RPC.Enabled || !cfg.Mining.Enabled || !cfg.Log.JSON {
		t.Errorf("aliases or bools not applied: rpc=%v mine=%v json=%v", cfg.RPC.Enabled, cfg.Mining.Enabled, cfg.Log.JSON)
	}
	if len(cfg.RPC.AllowedIPs) != 2 || cfg.RPC.AllowedIPs[0] != "10.0.0.0/8" {
		t.Errorf("allowed = %v", cfg.RPC.AllowedIPs)
	}
	if cfg.P2P.ListenAddr != "127.0.0.1" {
		t.Errorf("listen = %q", cfg.P2P.ListenAddr)
	}

	keys := confFields(reflect.ValueOf(cfg).Elem(), nil)
	for _, k := range []string{"network", "datadir", "p2p.dhtserver", "tree.backend", "metrics.addr", "log.file"} {
		if _, ok := keys[k]; !ok {
			t.Errorf("no field tagged %q", k)
		}
	}
}

func TestParseFlags_OnlyExplicitOverrides(t *testing.T) {
	f, err := ParseFlags([]string{"--nodiscover", "--rpc-port=9000", "--clear-bans"})
	if err != nil {
		t.Fatalf("ParseFlags: %v", err)
	}
	want := map[string]string{"p2p.nodiscover": "true", "rpc.port": "9000"}
	if !reflect.DeepEqual(f.Overrides, want) {
		t.Fatalf("Overrides = %v, want %v", f.Overrides, want)
	}

	cfg := DefaultMainnet()
	cfg.Log.Level = "debug" // as if set by the config file
	if err := ApplyFlags(cfg, f); err != nil {
		t.Fatalf("ApplyFlags: %v", err)
	}
	if !cfg.P2P.ClearBans || !cfg.P2P.NoDiscover || cfg.RPC.Port != 9000 {
		t.Fatalf("flags not applied: %+v", cfg.P2P)
	}
	if cfg.Log.Level != "debug" {
		t.Fatal("an unset flag overrode a file value")
	}
}
