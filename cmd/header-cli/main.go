// header-cli is a command-line client for a headerd node.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Klingon-tech/klingnet-headers/internal/rpc"
	"github.com/Klingon-tech/klingnet-headers/internal/rpcclient"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	rpcURL := "http://127.0.0.1:8555"
	timeout := 10 * time.Second

	// Scan for --rpc, --testnet and --timeout before the subcommand.
	args := os.Args[1:]
	for len(args) > 0 {
		switch {
		case args[0] == "--rpc" && len(args) > 1:
			rpcURL = args[1]
			args = args[2:]
		case strings.HasPrefix(args[0], "--rpc="):
			rpcURL = args[0][len("--rpc="):]
			args = args[1:]
		case args[0] == "--testnet":
			rpcURL = "http://127.0.0.1:8655"
			args = args[1:]
		case strings.HasPrefix(args[0], "--timeout="):
			d, err := time.ParseDuration(args[0][len("--timeout="):])
			if err != nil {
				fatal("invalid --timeout: %v", err)
			}
			timeout = d
			args = args[1:]
		default:
			goto dispatch
		}
	}

dispatch:
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	client := rpcclient.NewWithTimeout(rpcURL, timeout)
	ctx := context.Background()
	cmd := args[0]
	cmdArgs := args[1:]

	switch cmd {
	case "info", "status":
		cmdInfo(ctx, client)
	case "header":
		cmdHeader(ctx, client, cmdArgs)
	case "at":
		cmdAt(ctx, client, cmdArgs)
	case "headers":
		cmdHeaders(ctx, client, cmdArgs)
	case "submit":
		cmdSubmit(ctx, client, cmdArgs)
	case "rollback":
		cmdRollback(ctx, client, cmdArgs)
	case "peers":
		cmdPeers(ctx, client)
	case "bans":
		cmdBans(ctx, client)
	case "help", "--help", "-h":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: header-cli [global flags] <command> [args]

Global flags:
  --rpc <url>           RPC endpoint (default: http://127.0.0.1:8555)
  --testnet             Use the default testnet endpoint
  --timeout=<dur>       Request timeout (default: 10s)

Commands:
  info                  Show the active chain tip
  header <hash>         Show a header on the active chain
  at <height>           Show the active header at a height
  headers <from> [n]    List n active headers from a height (default 20)
  submit <file.json>    Submit a JSON array of headers
  rollback <height>     Truncate the active chain (needs rpc.rollback)
  peers                 Show node identity and connected peers
  bans                  Show banned peers
`)
}

// ── info ────────────────────────────────────────────────────────────────

func cmdInfo(ctx context.Context, client *rpcclient.Client) {
	info, err := client.Info(ctx)
	if err != nil {
		fatal("tree_getInfo: %v", err)
	}

	fmt.Printf("Chain:      %s\n", info.ChainID)
	fmt.Printf("Genesis:    %s\n", info.GenesisHash)
	fmt.Printf("Height:     %d\n", info.Height)
	fmt.Printf("Tip:        %s\n", info.TipHash)
	fmt.Printf("Tip time:   %s\n", formatTime(info.TipTimestamp))
	fmt.Printf("Chain work: 0x%s\n", info.ChainWork)

	peers, err := client.Peers(ctx)
	if err != nil {
		fatal("net_getPeerInfo: %v", err)
	}
	fmt.Printf("Peers:      %d\n", len(peers))
}

// ── header / at ─────────────────────────────────────────────────────────

func cmdHeader(ctx context.Context, client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: header-cli header <hash>")
	}
	hash, err := types.HexToHash(args[0])
	if err != nil {
		fatal("invalid hash: %v", err)
	}
	res, err := client.HeaderByHash(ctx, hash)
	if err != nil {
		fatal("tree_getHeaderByHash: %v", err)
	}
	printHeader(res)
}

func cmdAt(ctx context.Context, client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: header-cli at <height>")
	}
	height, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fatal("invalid height: %v", err)
	}
	res, err := client.HeaderByHeight(ctx, height)
	if err != nil {
		fatal("tree_getHeaderByHeight: %v", err)
	}
	printHeader(res)
}

func printHeader(res *rpc.HeaderResult) {
	h := res.Header
	fmt.Printf("Height:      %d\n", res.Height)
	fmt.Printf("Hash:        %s\n", res.Hash)
	fmt.Printf("Prev:        %s\n", h.PrevHash)
	fmt.Printf("Merkle Root: %s\n", h.MerkleRoot)
	fmt.Printf("Timestamp:   %s\n", formatTime(h.Timestamp))
	fmt.Printf("Bits:        %#08x\n", h.Bits)
	fmt.Printf("Nonce:       %d\n", h.Nonce)
	fmt.Printf("Work:        %s\n", h.Work())
}

// ── headers ─────────────────────────────────────────────────────────────

func cmdHeaders(ctx context.Context, client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: header-cli headers <from> [count]")
	}
	from, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fatal("invalid height: %v", err)
	}
	count := 20
	if len(args) > 1 {
		if count, err = strconv.Atoi(args[1]); err != nil {
			fatal("invalid count: %v", err)
		}
	}

	headers, err := client.Headers(ctx, from, count)
	if err != nil {
		fatal("tree_getHeaders: %v", err)
	}
	for _, r := range headers {
		fmt.Printf("%8d  %s  %s\n", r.Height, r.Hash, formatTime(r.Header.Timestamp))
	}
}

// ── submit ──────────────────────────────────────────────────────────────

func cmdSubmit(ctx context.Context, client *rpcclient.Client, args []string) {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		fatal("Usage: header-cli submit <file.json>")
	}

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fatal("read %s: %v", fs.Arg(0), err)
	}
	var headers []block.Header
	if err := json.Unmarshal(data, &headers); err != nil {
		fatal("decode headers: %v", err)
	}

	tip, err := client.SubmitHeaders(ctx, headers)
	if err != nil {
		fatal("tree_submitHeaders: %v", err)
	}
	printTip(tip)
}

// ── rollback ────────────────────────────────────────────────────────────

func cmdRollback(ctx context.Context, client *rpcclient.Client, args []string) {
	if len(args) < 1 {
		fatal("Usage: header-cli rollback <height>")
	}
	height, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fatal("invalid height: %v", err)
	}
	tip, err := client.Rollback(ctx, height)
	if rpcclient.IsCode(err, rpc.CodeForbidden) {
		fatal("rollback is disabled on this node (start it with rpc.rollback = true)")
	}
	if err != nil {
		fatal("tree_rollback: %v", err)
	}
	printTip(tip)
}

func printTip(tip *rpc.TipResult) {
	fmt.Printf("Tip:    %s\n", tip.TipHash)
	fmt.Printf("Height: %d\n", tip.Height)
	fmt.Printf("Moved:  %t\n", tip.Moved)
}

// ── peers ───────────────────────────────────────────────────────────────

func cmdPeers(ctx context.Context, client *rpcclient.Client) {
	node, err := client.NodeInfo(ctx)
	if err != nil {
		fatal("net_getNodeInfo: %v", err)
	}
	fmt.Printf("Node ID: %s\n", node.ID)
	for _, a := range node.Addrs {
		fmt.Printf("  Listen: %s\n", a)
	}

	peers, err := client.Peers(ctx)
	if err != nil {
		fatal("net_getPeerInfo: %v", err)
	}
	fmt.Printf("Peers:   %d\n", len(peers))
	for _, p := range peers {
		verified := ""
		if !p.Verified {
			verified = ", unverified"
		}
		fmt.Printf("  %s (height %d, connected %s, via %s%s)\n",
			p.ID, p.BestHeight, p.ConnectedAt, orDash(p.Source), verified)
	}
}

func cmdBans(ctx context.Context, client *rpcclient.Client) {
	bans, err := client.BanList(ctx)
	if err != nil {
		fatal("net_getBanList: %v", err)
	}
	fmt.Printf("Bans: %d\n", len(bans))
	for _, b := range bans {
		fmt.Printf("  %s score=%d until %s: %s\n",
			b.ID, b.Score, time.Unix(b.ExpiresAt, 0).UTC().Format(time.RFC3339), b.Reason)
	}
}

func formatTime(ts uint64) string {
	return time.Unix(int64(ts), 0).UTC().Format("2006-01-02 15:04:05 UTC")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
