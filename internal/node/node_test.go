package node

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Klingon-tech/klingnet-headers/config"
	"github.com/Klingon-tech/klingnet-headers/internal/blocktree/forkgen"
	"github.com/Klingon-tech/klingnet-headers/internal/blocktree/model"
	"github.com/Klingon-tech/klingnet-headers/internal/chain"
	"github.com/Klingon-tech/klingnet-headers/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-headers/internal/storage"
)

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		input, want string
	}{
		{"~/foo/bar", filepath.Join(home, "foo/bar")},
		{"~/.klingnet-headers", filepath.Join(home, ".klingnet-headers")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		got := expandHome(tt.input)
		if got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestOpenTree(t *testing.T) {
	g := forkgen.Genesis()

	tree, err := openTree(config.BackendModel, nil, g, nil)
	if err != nil {
		t.Fatalf("model backend: %v", err)
	}
	if _, ok := tree.(*model.Cache); !ok {
		t.Fatalf("model backend returned %T", tree)
	}

	db := storage.NewMemory()
	tree, err = openTree(config.BackendChain, db, g, nil)
	if err != nil {
		t.Fatalf("chain backend: %v", err)
	}
	if _, ok := tree.(*chain.Tree); !ok {
		t.Fatalf("chain backend returned %T", tree)
	}

	// Tree keys live under their own prefix.
	var stray int
	db.ForEach(nil, func(key, _ []byte) error {
		if !strings.HasPrefix(string(key), string(treePrefix)) {
			stray++
		}
		return nil
	})
	if stray != 0 {
		t.Errorf("%d tree keys outside %q", stray, treePrefix)
	}

	if _, err := openTree("sqlite", db, g, nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestMinerTag(t *testing.T) {
	if got := minerTag("test-1", ""); got != "headerd/test-1" {
		t.Errorf("minerTag without id = %q", got)
	}
	if got := minerTag("test-1", "12D3KooW"); got != "headerd/test-1/12D3KooW" {
		t.Errorf("minerTag with id = %q", got)
	}
}

// testConfig returns a testnet config with networking off and listeners on
// ephemeral ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultTestnet()
	cfg.DataDir = t.TempDir()
	cfg.P2P.Enabled = false
	cfg.RPC.Port = 0
	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = "127.0.0.1:0"
	cfg.Log.Level = "error"
	return cfg
}

func TestNode_StartServesRPCAndMetrics(t *testing.T) {
	cfg := testConfig(t)
	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Stop()
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	client := rpcclient.New("http://" + n.RPCAddr() + "/")
	info, err := client.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	gen := config.TestnetGenesis()
	if info.ChainID != gen.ChainID || info.GenesisHash != gen.Hash().String() {
		t.Fatalf("info = %+v", info)
	}

	resp, err := http.Get("http://" + n.MetricsAddr() + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "klingnet_headers_tree_height") {
		t.Error("metrics output lacks the tree height gauge")
	}
}

func TestNode_ChainBackendPersists(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	cfg.Mining.Enabled = true

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, _, err := n.miner.MineOne(context.Background()); err != nil {
			n.Stop()
			t.Fatalf("MineOne: %v", err)
		}
	}
	tip, _ := n.Tip()
	n.Stop()

	n, err = New(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer n.Stop()
	if n.Height() != 3 {
		t.Fatalf("height after restart = %d, want 3", n.Height())
	}
	if got, _ := n.Tip(); got != tip {
		t.Fatal("tip changed across restart")
	}
}

func TestNode_ModelBackendIsVolatile(t *testing.T) {
	cfg := testConfig(t)
	cfg.Metrics.Enabled = false
	cfg.Mining.Enabled = true
	cfg.Tree.Backend = config.BackendModel

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, _, err := n.miner.MineOne(context.Background()); err != nil {
		n.Stop()
		t.Fatalf("MineOne: %v", err)
	}
	if n.Height() != 1 {
		n.Stop()
		t.Fatalf("height = %d, want 1", n.Height())
	}
	n.Stop()

	n, err = New(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer n.Stop()
	if n.Height() != 0 {
		t.Fatalf("model backend kept %d headers across restart", n.Height())
	}
}

func TestNode_RPCDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.RPC.Enabled = false
	cfg.Metrics.Enabled = false

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer n.Stop()
	if n.RPCAddr() != "" || n.MetricsAddr() != "" {
		t.Fatal("disabled listeners report addresses")
	}
}
