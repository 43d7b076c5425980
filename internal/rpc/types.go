package rpc

import (
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeRejected       = -32001 // header failed validation
	CodeForbidden      = -32002 // method disabled by configuration
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// HashParam is used by endpoints that take a single hash.
type HashParam struct {
	Hash string `json:"hash"`
}

// HeightParam is used by endpoints that take a height.
type HeightParam struct {
	Height uint64 `json:"height"`
}

// RangeParam is used by tree_getHeaders.
type RangeParam struct {
	From  uint64 `json:"from"`
	Count int    `json:"count"`
}

// SubmitHeadersParam is used by tree_submitHeaders.
type SubmitHeadersParam struct {
	Headers []block.Header `json:"headers"`
}

// ── Tree result types ───────────────────────────────────────────────────

// TreeInfoResult is returned by tree_getInfo.
type TreeInfoResult struct {
	ChainID      string `json:"chain_id"`
	GenesisHash  string `json:"genesis_hash"`
	Height       uint64 `json:"height"`
	TipHash      string `json:"tip_hash"`
	TipTimestamp uint64 `json:"tip_timestamp"`
	ChainWork    string `json:"chain_work"` // hex, excludes genesis
}

// HeaderResult is an active-chain header with its identity and height.
type HeaderResult struct {
	Hash   string       `json:"hash"`
	Height uint64       `json:"height"`
	Header block.Header `json:"header"`
}

// NewHeaderResult wraps h found at height.
func NewHeaderResult(h block.Header, height uint64) *HeaderResult {
	return &HeaderResult{Hash: h.Hash().String(), Height: height, Header: h}
}

// HeadersResult is returned by tree_getHeaders.
type HeadersResult struct {
	Count   int            `json:"count"`
	Headers []HeaderResult `json:"headers"`
}

// LocatorResult is returned by tree_getLocator.
type LocatorResult struct {
	Hashes []types.Hash `json:"hashes"`
}

// TipResult is returned by tree_submitHeaders and tree_rollback.
type TipResult struct {
	TipHash string `json:"tip_hash"`
	Height  uint64 `json:"height"`
	Moved   bool   `json:"moved"`
}

// ── Net result types ────────────────────────────────────────────────────

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID          string `json:"id"`
	ConnectedAt string `json:"connected_at"`
	Source      string `json:"source,omitempty"`
	BestHeight  uint64 `json:"best_height"`
	BestWork    string `json:"best_work,omitempty"` // hex
	Verified    bool   `json:"verified"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// BanEntry describes a single banned peer.
type BanEntry struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// BanListResult is returned by net_getBanList.
type BanListResult struct {
	Count int        `json:"count"`
	Bans  []BanEntry `json:"bans"`
}
