// Package rpc implements the JSON-RPC 2.0 API of the header node.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"time"

	"github.com/Klingon-tech/klingnet-headers/config"
	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/internal/consensus"
	"github.com/Klingon-tech/klingnet-headers/internal/headersync"
	klog "github.com/Klingon-tech/klingnet-headers/internal/log"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
	"github.com/rs/zerolog"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

type methodFunc func(*Request) (interface{}, *Error)

// Server is the JSON-RPC 2.0 HTTP server.
type Server struct {
	addr          string
	tree          *blocktree.Synchronized
	validator     *consensus.Validator
	node          *headersync.Node // nil when P2P is disabled
	genesis       *config.Genesis
	allowRollback bool
	onNewTip      func(block.Header, uint64)
	onRollback    func([]types.Hash)

	methods map[string]methodFunc

	server  *http.Server
	logger  zerolog.Logger
	ln      net.Listener
	allowed []netip.Prefix // Empty = allow all.
	origins []string       // Empty = no CORS headers.
}

// New creates a new RPC server. rpcCfg controls IP filtering, CORS and
// whether tree_rollback is served; without it every client is allowed,
// CORS is off and rollbacks are refused.
func New(addr string, tree *blocktree.Synchronized, validator *consensus.Validator,
	node *headersync.Node, genesis *config.Genesis, rpcCfg ...config.RPCConfig) *Server {

	s := &Server{
		addr:      addr,
		tree:      tree,
		validator: validator,
		node:      node,
		genesis:   genesis,
		logger:    klog.RPC,
	}
	if len(rpcCfg) > 0 {
		s.allowed = parseAllowedIPs(rpcCfg[0].AllowedIPs)
		s.origins = rpcCfg[0].CORSOrigins
		s.allowRollback = rpcCfg[0].AllowRollback
	}

	s.methods = map[string]methodFunc{
		"tree_getInfo":           s.handleTreeGetInfo,
		"tree_getHeaderByHash":   s.handleTreeGetHeaderByHash,
		"tree_getHeaderByHeight": s.handleTreeGetHeaderByHeight,
		"tree_getHeaders":        s.handleTreeGetHeaders,
		"tree_getLocator":        s.handleTreeGetLocator,
		"tree_submitHeaders":     s.handleTreeSubmitHeaders,
		"tree_rollback":          s.handleTreeRollback,
		"net_getPeerInfo":        s.handleNetGetPeerInfo,
		"net_getNodeInfo":        s.handleNetGetNodeInfo,
		"net_getBanList":         s.handleNetGetBanList,
	}

	s.server = &http.Server{
		Handler:      s.filterIP(s.cors(http.HandlerFunc(s.serveRPC))),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// SetNewTipHandler registers a callback for tips moved by tree_submitHeaders.
// The node uses it to gossip the new tip.
func (s *Server) SetNewTipHandler(fn func(block.Header, uint64)) {
	s.onNewTip = fn
}

// SetRollbackHandler registers a callback receiving the headers removed by
// tree_rollback.
func (s *Server) SetRollbackHandler(fn func(removed []types.Hash)) {
	s.onRollback = fn
}

// parseAllowedIPs accepts single addresses and CIDR ranges. Entries that
// are neither are skipped.
func parseAllowedIPs(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, entry := range entries {
		if p, err := netip.ParsePrefix(entry); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(entry); err == nil {
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("rpc listen: %w", err)
	}
	s.ln = ln

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("RPC server error")
		}
	}()
	return nil
}

// Addr returns the listener address (useful when bound to :0).
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.addr
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// filterIP answers 403 to clients outside the allow-list.
func (s *Server) filterIP(next http.Handler) http.Handler {
	if len(s.allowed) == 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ap, err := netip.ParseAddrPort(r.RemoteAddr)
		addr := ap.Addr().Unmap()
		if err != nil || !slices.ContainsFunc(s.allowed, func(p netip.Prefix) bool { return p.Contains(addr) }) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cors sets CORS headers for configured origins and answers preflights.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && len(s.origins) > 0 {
			allow := ""
			switch {
			case slices.Contains(s.origins, "*"):
				allow = "*"
			case slices.Contains(s.origins, origin):
				allow = origin
			}
			if allow != "" {
				h := w.Header()
				h.Set("Access-Control-Allow-Origin", allow)
				h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) serveRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, nil, CodeInvalidRequest, "only POST method is allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil {
		writeError(w, nil, CodeParseError, "failed to read request body")
		return
	}
	if len(body) > maxBodySize {
		writeError(w, nil, CodeInvalidRequest, "request body too large")
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, nil, CodeParseError, "invalid JSON")
		return
	}
	if req.JSONRPC != "2.0" {
		writeError(w, req.ID, CodeInvalidRequest, "jsonrpc must be \"2.0\"")
		return
	}

	method, ok := s.methods[req.Method]
	if !ok {
		writeError(w, req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
		return
	}
	result, rpcErr := method(&req)
	if rpcErr != nil {
		writeJSON(w, Response{JSONRPC: "2.0", Error: rpcErr, ID: req.ID})
		return
	}
	writeJSON(w, Response{JSONRPC: "2.0", Result: result, ID: req.ID})
}

func writeJSON(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, id interface{}, code int, message string) {
	writeJSON(w, Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
}

// parseParams unmarshals the request params into target.
func parseParams(req *Request, target interface{}) *Error {
	if req.Params == nil {
		return &Error{Code: CodeInvalidParams, Message: "params required"}
	}
	data, err := json.Marshal(req.Params)
	if err != nil {
		return &Error{Code: CodeInvalidParams, Message: "invalid params"}
	}
	if err := json.Unmarshal(data, target); err != nil {
		return &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}
