// Package rpcclient is a JSON-RPC 2.0 client for header nodes. Call
// reaches any method; the typed helpers cover the tree_ and net_ namespaces
// served by internal/rpc.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/klingnet-headers/internal/rpc"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

const defaultTimeout = 10 * time.Second

// maxResponseSize bounds a single response body. A full tree_getHeaders
// page is well under this.
const maxResponseSize = 8 << 20

// Client is a JSON-RPC 2.0 HTTP client. It is safe for concurrent use.
type Client struct {
	endpoint string
	http     *http.Client
	nextID   atomic.Uint64
}

// New creates a client for endpoint with the default timeout.
func New(endpoint string) *Client {
	return NewWithTimeout(endpoint, defaultTimeout)
}

// NewWithTimeout creates a client whose requests give up after timeout.
func NewWithTimeout(endpoint string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: timeout},
	}
}

// Endpoint returns the URL the client posts to.
func (c *Client) Endpoint() string { return c.endpoint }

type request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
	ID      uint64      `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// RPCError is returned when the server answers with a JSON-RPC error.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// IsCode reports whether err is an RPCError carrying code.
func IsCode(err error, code int) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

// Call invokes method with a background context.
func (c *Client) Call(method string, params, result interface{}) error {
	return c.CallContext(context.Background(), method, params, result)
}

// CallContext invokes method and decodes the result into result, which may
// be nil to discard it.
func (c *Client) CallContext(ctx context.Context, method string, params, result interface{}) error {
	id := c.nextID.Add(1)
	body, err := json.Marshal(request{JSONRPC: "2.0", Method: method, Params: params, ID: id})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%s: endpoint refused this client (rpc.allowed)", method)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var rpcResp response
	if err := json.Unmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if rpcResp.ID != id {
		return fmt.Errorf("response id %d does not match request id %d", rpcResp.ID, id)
	}

	if result != nil && rpcResp.Result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("decode result: %w", err)
		}
	}
	return nil
}

// Info returns the active chain summary.
func (c *Client) Info(ctx context.Context) (*rpc.TreeInfoResult, error) {
	var res rpc.TreeInfoResult
	if err := c.CallContext(ctx, "tree_getInfo", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// HeaderByHash looks hash up on the active chain.
func (c *Client) HeaderByHash(ctx context.Context, hash types.Hash) (*rpc.HeaderResult, error) {
	var res rpc.HeaderResult
	if err := c.CallContext(ctx, "tree_getHeaderByHash", rpc.HashParam{Hash: hash.String()}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// HeaderByHeight returns the active header at height.
func (c *Client) HeaderByHeight(ctx context.Context, height uint64) (*rpc.HeaderResult, error) {
	var res rpc.HeaderResult
	if err := c.CallContext(ctx, "tree_getHeaderByHeight", rpc.HeightParam{Height: height}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Headers returns up to count active headers starting at from.
func (c *Client) Headers(ctx context.Context, from uint64, count int) ([]rpc.HeaderResult, error) {
	var res rpc.HeadersResult
	if err := c.CallContext(ctx, "tree_getHeaders", rpc.RangeParam{From: from, Count: count}, &res); err != nil {
		return nil, err
	}
	return res.Headers, nil
}

// Locator returns the node's block locator, newest first.
func (c *Client) Locator(ctx context.Context) ([]types.Hash, error) {
	var res rpc.LocatorResult
	if err := c.CallContext(ctx, "tree_getLocator", nil, &res); err != nil {
		return nil, err
	}
	return res.Hashes, nil
}

// SubmitHeaders hands headers to the node for validation and import.
func (c *Client) SubmitHeaders(ctx context.Context, headers []block.Header) (*rpc.TipResult, error) {
	var res rpc.TipResult
	if err := c.CallContext(ctx, "tree_submitHeaders", rpc.SubmitHeadersParam{Headers: headers}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Rollback truncates the node's active chain to height.
func (c *Client) Rollback(ctx context.Context, height uint64) (*rpc.TipResult, error) {
	var res rpc.TipResult
	if err := c.CallContext(ctx, "tree_rollback", rpc.HeightParam{Height: height}, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Peers lists the node's connected peers.
func (c *Client) Peers(ctx context.Context) ([]rpc.PeerInfo, error) {
	var res rpc.PeerInfoResult
	if err := c.CallContext(ctx, "net_getPeerInfo", nil, &res); err != nil {
		return nil, err
	}
	return res.Peers, nil
}

// NodeInfo returns the node's libp2p identity.
func (c *Client) NodeInfo(ctx context.Context) (*rpc.NodeInfoResult, error) {
	var res rpc.NodeInfoResult
	if err := c.CallContext(ctx, "net_getNodeInfo", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// BanList returns the node's active bans.
func (c *Client) BanList(ctx context.Context) ([]rpc.BanEntry, error) {
	var res rpc.BanListResult
	if err := c.CallContext(ctx, "net_getBanList", nil, &res); err != nil {
		return nil, err
	}
	return res.Bans, nil
}
