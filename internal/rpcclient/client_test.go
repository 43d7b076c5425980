package rpcclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-headers/config"
	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/internal/blocktree/forkgen"
	"github.com/Klingon-tech/klingnet-headers/internal/chain"
	"github.com/Klingon-tech/klingnet-headers/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-headers/internal/log"
	"github.com/Klingon-tech/klingnet-headers/internal/rpc"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

type testEnv struct {
	client  *Client
	tree    *blocktree.Synchronized
	pow     *consensus.PoW
	genesis *config.Genesis
}

func setupTestEnv(t *testing.T, rpcCfg ...config.RPCConfig) *testEnv {
	t.Helper()
	klog.Init("error", false, "")

	gen := config.TestnetGenesis()
	gen.ChainID = "klingnet-headers-test-client"
	rules := gen.Protocol.Consensus

	pow, err := consensus.NewPoW(rules.PowLimit, rules.Bits)
	if err != nil {
		t.Fatalf("create pow: %v", err)
	}
	clock := forkgen.FixedClock{T: time.Unix(int64(gen.Timestamp), 0).Add(24 * time.Hour)}
	tree := blocktree.NewSynchronized(chain.New(gen.Header()))

	srv := rpc.New("127.0.0.1:0", tree, consensus.NewValidator(pow, clock), nil, gen, rpcCfg...)
	if err := srv.Start(); err != nil {
		t.Fatalf("start rpc: %v", err)
	}
	t.Cleanup(func() { srv.Stop() })

	return &testEnv{
		client:  New("http://" + srv.Addr() + "/"),
		tree:    tree,
		pow:     pow,
		genesis: gen,
	}
}

func (env *testEnv) mine(t *testing.T, n int) []block.Header {
	t.Helper()
	out := make([]block.Header, 0, n)
	prev := env.genesis.Header()
	for range n {
		h := forkgen.Child(prev, env.genesis.Protocol.Consensus.Bits, 0)
		if err := env.pow.Seal(&h); err != nil {
			t.Fatalf("seal: %v", err)
		}
		out = append(out, h)
		prev = h
	}
	return out
}

func TestClient_Info(t *testing.T) {
	env := setupTestEnv(t)

	info, err := env.client.Info(context.Background())
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info.ChainID != "klingnet-headers-test-client" {
		t.Errorf("chain_id = %q", info.ChainID)
	}
	if info.Height != 0 || info.TipHash != env.genesis.Hash().String() {
		t.Errorf("info = %+v, want genesis tip", info)
	}
}

func TestClient_SubmitAndRead(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()
	hs := env.mine(t, 3)

	tip, err := env.client.SubmitHeaders(ctx, hs)
	if err != nil {
		t.Fatalf("SubmitHeaders: %v", err)
	}
	if !tip.Moved || tip.Height != 3 {
		t.Fatalf("tip = %+v", tip)
	}

	got, err := env.client.HeaderByHeight(ctx, 2)
	if err != nil {
		t.Fatalf("HeaderByHeight: %v", err)
	}
	if got.Header != hs[1] {
		t.Fatalf("height 2 = %+v, want %+v", got.Header, hs[1])
	}

	byHash, err := env.client.HeaderByHash(ctx, hs[2].Hash())
	if err != nil {
		t.Fatalf("HeaderByHash: %v", err)
	}
	if byHash.Height != 3 {
		t.Fatalf("height = %d, want 3", byHash.Height)
	}

	page, err := env.client.Headers(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Headers: %v", err)
	}
	if len(page) != 4 || page[0].Hash != env.genesis.Hash().String() {
		t.Fatalf("page = %+v", page)
	}

	loc, err := env.client.Locator(ctx)
	if err != nil {
		t.Fatalf("Locator: %v", err)
	}
	if len(loc) == 0 || loc[0] != hs[2].Hash() {
		t.Fatalf("locator = %v", loc)
	}
}

func TestClient_HeaderByHash_NotFound(t *testing.T) {
	env := setupTestEnv(t)

	_, err := env.client.HeaderByHash(context.Background(), types.Hash{1})
	if err == nil {
		t.Fatal("expected error for unknown header")
	}
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("expected RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != rpc.CodeNotFound {
		t.Errorf("error code = %d, want %d", rpcErr.Code, rpc.CodeNotFound)
	}
}

func TestClient_Rollback(t *testing.T) {
	ctx := context.Background()

	env := setupTestEnv(t)
	if _, err := env.client.Rollback(ctx, 0); !IsCode(err, rpc.CodeForbidden) {
		t.Fatalf("err = %v, want forbidden", err)
	}

	env = setupTestEnv(t, config.RPCConfig{AllowRollback: true})
	if _, err := env.client.SubmitHeaders(ctx, env.mine(t, 3)); err != nil {
		t.Fatal(err)
	}
	tip, err := env.client.Rollback(ctx, 0)
	if err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	if tip.Height != 0 || env.tree.Height() != 0 {
		t.Fatalf("rollback left height %d", tip.Height)
	}
}

func TestClient_NetWithoutNode(t *testing.T) {
	env := setupTestEnv(t)
	ctx := context.Background()

	peers, err := env.client.Peers(ctx)
	if err != nil || len(peers) != 0 {
		t.Fatalf("Peers = %v, %v", peers, err)
	}
	bans, err := env.client.BanList(ctx)
	if err != nil || len(bans) != 0 {
		t.Fatalf("BanList = %v, %v", bans, err)
	}
	if _, err := env.client.NodeInfo(ctx); err != nil {
		t.Fatalf("NodeInfo: %v", err)
	}
}

func TestClient_Call_InvalidEndpoint(t *testing.T) {
	client := NewWithTimeout("http://127.0.0.1:1/", time.Second) // port 1 should refuse

	if _, err := client.Info(context.Background()); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestClient_Call_MethodNotFound(t *testing.T) {
	env := setupTestEnv(t)

	err := env.client.Call("chain_getInfo", nil, nil)
	if !IsCode(err, rpc.CodeMethodNotFound) {
		t.Fatalf("err = %v, want method not found", err)
	}
}

func TestClient_Forbidden(t *testing.T) {
	env := setupTestEnv(t, config.RPCConfig{AllowedIPs: []string{"10.0.0.0/8"}})

	_, err := env.client.Info(context.Background())
	if err == nil {
		t.Fatal("expected refusal")
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		t.Fatalf("403 should not surface as an RPC error: %v", err)
	}
}

func TestClient_ContextCanceled(t *testing.T) {
	env := setupTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := env.client.Info(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
