package rpc

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/internal/headersync"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// maxHeadersPerCall bounds tree_getHeaders and tree_submitHeaders.
const maxHeadersPerCall = headersync.MaxHeadersPerResponse

// ── Tree endpoints ──────────────────────────────────────────────────────

func (s *Server) handleTreeGetInfo(_ *Request) (interface{}, *Error) {
	res := &TreeInfoResult{ChainID: s.genesis.ChainID}
	s.tree.View(func(t blocktree.BlockTree) {
		genesis, _ := t.GetBlockByHeight(0)
		tip, tipHeader := t.Tip()
		res.GenesisHash = genesis.Hash().String()
		res.Height = t.Height()
		res.TipHash = tip.String()
		res.TipTimestamp = tipHeader.Timestamp
		res.ChainWork = blocktree.ChainWork(t).Text(16)
	})
	return res, nil
}

func (s *Server) handleTreeGetHeaderByHash(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Hash == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "hash is required"}
	}
	hash, err := types.HexToHash(params.Hash)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid hash: must be 32-byte hex"}
	}

	height, h, ok := s.tree.GetBlock(hash)
	if !ok {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("header %s not on the active chain", params.Hash)}
	}
	return NewHeaderResult(h, height), nil
}

func (s *Server) handleTreeGetHeaderByHeight(req *Request) (interface{}, *Error) {
	var params HeightParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	h, ok := s.tree.GetBlockByHeight(params.Height)
	if !ok {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("no header at height %d", params.Height)}
	}
	return NewHeaderResult(h, params.Height), nil
}

func (s *Server) handleTreeGetHeaders(req *Request) (interface{}, *Error) {
	var params RangeParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Count <= 0 || params.Count > maxHeadersPerCall {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("count must be 1..%d", maxHeadersPerCall)}
	}

	res := &HeadersResult{Headers: []HeaderResult{}}
	s.tree.View(func(t blocktree.BlockTree) {
		for height := params.From; len(res.Headers) < params.Count; height++ {
			h, ok := t.GetBlockByHeight(height)
			if !ok {
				break
			}
			res.Headers = append(res.Headers, *NewHeaderResult(h, height))
		}
	})
	res.Count = len(res.Headers)
	return res, nil
}

func (s *Server) handleTreeGetLocator(_ *Request) (interface{}, *Error) {
	var res LocatorResult
	s.tree.View(func(t blocktree.BlockTree) {
		res.Hashes = blocktree.Locator(t)
	})
	return &res, nil
}

func (s *Server) handleTreeSubmitHeaders(req *Request) (interface{}, *Error) {
	var params SubmitHeadersParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if len(params.Headers) == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "headers are required"}
	}
	if len(params.Headers) > maxHeadersPerCall {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("at most %d headers per call", maxHeadersPerCall)}
	}
	if err := s.validator.ValidateHeaders(params.Headers); err != nil {
		return nil, &Error{Code: CodeRejected, Message: err.Error()}
	}

	var (
		res       TipResult
		tipHeader block.Header
	)
	err := s.tree.Update(func(t blocktree.BlockTree) error {
		before, _ := t.Tip()
		tip, height, err := t.ImportBlocks(blocktree.Headers(params.Headers...), s.validator.Clock())
		if err != nil {
			return err
		}
		_, tipHeader = t.Tip()
		res = TipResult{TipHash: tip.String(), Height: height, Moved: tip != before}
		return nil
	})
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("import: %v", err)}
	}

	if res.Moved {
		s.logger.Info().
			Int("headers", len(params.Headers)).
			Uint64("height", res.Height).
			Msg("Active tip advanced via RPC")
		if s.onNewTip != nil {
			s.onNewTip(tipHeader, res.Height)
		}
	}
	return &res, nil
}

func (s *Server) handleTreeRollback(req *Request) (interface{}, *Error) {
	if !s.allowRollback {
		return nil, &Error{Code: CodeForbidden, Message: "tree_rollback is disabled (set rpc.rollback = true)"}
	}
	var params HeightParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}

	var (
		res     TipResult
		removed []types.Hash
	)
	err := s.tree.Update(func(t blocktree.BlockTree) error {
		before, _ := t.Tip()
		for height := params.Height + 1; height <= t.Height(); height++ {
			if h, ok := t.GetBlockByHeight(height); ok {
				removed = append(removed, h.Hash())
			}
		}
		if err := t.Rollback(params.Height); err != nil {
			return err
		}
		tip, _ := t.Tip()
		res = TipResult{TipHash: tip.String(), Height: t.Height(), Moved: tip != before}
		return nil
	})
	if errors.Is(err, blocktree.ErrInvalidHeight) {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("rollback: %v", err)}
	}

	s.logger.Warn().
		Uint64("height", res.Height).
		Int("removed", len(removed)).
		Msg("Active chain rolled back via RPC")
	if s.onRollback != nil && len(removed) > 0 {
		s.onRollback(removed)
	}
	return &res, nil
}

// ── Network endpoints ───────────────────────────────────────────────────

func (s *Server) handleNetGetPeerInfo(_ *Request) (interface{}, *Error) {
	if s.node == nil {
		return &PeerInfoResult{Count: 0, Peers: []PeerInfo{}}, nil
	}

	peers := s.node.PeerList()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		infos[i] = PeerInfo{
			ID:          p.ID.String(),
			ConnectedAt: p.ConnectedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Source:      p.Source,
			BestHeight:  p.BestHeight,
			Verified:    p.Verified,
		}
		if p.BestWork != nil {
			infos[i].BestWork = p.BestWork.Text(16)
		}
	}
	return &PeerInfoResult{Count: len(infos), Peers: infos}, nil
}

func (s *Server) handleNetGetNodeInfo(_ *Request) (interface{}, *Error) {
	if s.node == nil {
		return &NodeInfoResult{ID: "", Addrs: []string{}}, nil
	}
	addrs := s.node.Addrs()
	if addrs == nil {
		addrs = []string{}
	}
	return &NodeInfoResult{ID: s.node.ID().String(), Addrs: addrs}, nil
}

func (s *Server) handleNetGetBanList(_ *Request) (interface{}, *Error) {
	if s.node == nil {
		return &BanListResult{Count: 0, Bans: []BanEntry{}}, nil
	}

	records := s.node.BanManager.BanList()
	entries := make([]BanEntry, len(records))
	for i, r := range records {
		entries[i] = BanEntry{
			ID:        r.ID,
			Reason:    r.Reason,
			Score:     r.Score,
			BannedAt:  r.BannedAt,
			ExpiresAt: r.ExpiresAt,
		}
	}
	return &BanListResult{Count: len(entries), Bans: entries}, nil
}
