// Package miner produces proof-of-work headers on top of the active tip.
// It exists for testnets and local networks where a node must extend its
// own chain; headers it finds are imported locally and handed to a
// callback for gossip.
package miner

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Klingon-tech/klingnet-headers/internal/blocktree"
	"github.com/Klingon-tech/klingnet-headers/internal/consensus"
	klog "github.com/Klingon-tech/klingnet-headers/internal/log"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/crypto"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// ErrStaleTip is returned when the tip moved while a header was being sealed.
var ErrStaleTip = errors.New("tip moved during sealing")

// tipPollInterval is how often a running seal checks for a new tip.
const tipPollInterval = 250 * time.Millisecond

// Miner produces headers extending the active tip of a tree.
type Miner struct {
	tree      *blocktree.Synchronized
	pow       *consensus.PoW
	validator *consensus.Validator
	tag       []byte

	extraNonce atomic.Uint64

	// OnMined is called after a mined header became the active tip.
	OnMined func(h block.Header, height uint64)
}

// New creates a miner. tag is committed to by every produced header's
// merkle root, so two miners with different tags never race on identical
// templates.
func New(tree *blocktree.Synchronized, pow *consensus.PoW, validator *consensus.Validator, tag string) *Miner {
	return &Miner{
		tree:      tree,
		pow:       pow,
		validator: validator,
		tag:       []byte(tag),
	}
}

// Template returns an unsealed header extending the current tip, stamped
// with now or one second past the parent, whichever is later.
func (m *Miner) Template(now time.Time) (block.Header, uint64) {
	tip, parent := m.tree.Tip()
	height := m.tree.Height() + 1

	timestamp := uint64(now.Unix())
	if timestamp <= parent.Timestamp {
		timestamp = parent.Timestamp + 1
	}

	h := block.Header{
		Version:    block.CurrentVersion,
		PrevHash:   tip,
		MerkleRoot: m.merkleRoot(height),
		Timestamp:  timestamp,
	}
	_ = m.pow.Prepare(&h)
	return h, height
}

// merkleRoot commits to the tag, the height and a fresh extra nonce.
func (m *Miner) merkleRoot(height uint64) types.Hash {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], height)
	heightLeaf := crypto.HashParts(m.tag, buf[:])

	binary.LittleEndian.PutUint64(buf[:], m.extraNonce.Add(1))
	nonceLeaf := crypto.HashParts(buf[:])

	return block.ComputeMerkleRoot([]types.Hash{heightLeaf, nonceLeaf})
}

// MineOne seals one header on the current tip and imports it. Sealing is
// abandoned with ErrStaleTip if another header takes the tip first.
func (m *Miner) MineOne(ctx context.Context) (block.Header, uint64, error) {
	h, height := m.Template(m.validator.Clock().Now())

	sealCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go m.watchTip(sealCtx, cancel, h.PrevHash)

	start := time.Now()
	if err := m.pow.SealWithCancel(sealCtx, &h); err != nil {
		if ctx.Err() == nil && errors.Is(err, context.Canceled) {
			return block.Header{}, 0, ErrStaleTip
		}
		return block.Header{}, 0, fmt.Errorf("seal header: %w", err)
	}
	if err := m.validator.ValidateHeader(&h); err != nil {
		return block.Header{}, 0, fmt.Errorf("mined header invalid: %w", err)
	}

	var tip types.Hash
	err := m.tree.Update(func(t blocktree.BlockTree) error {
		var err error
		tip, _, err = t.ImportBlocks(blocktree.Headers(h), m.validator.Clock())
		return err
	})
	if err != nil {
		return block.Header{}, 0, fmt.Errorf("import mined header: %w", err)
	}
	hash := h.Hash()
	if tip != hash {
		return block.Header{}, 0, ErrStaleTip
	}

	klog.Miner.Info().
		Uint64("height", height).
		Str("hash", hash.Short()).
		Uint64("nonce", h.Nonce).
		Dur("took", time.Since(start)).
		Msg("Mined header")
	if m.OnMined != nil {
		m.OnMined(h, height)
	}
	return h, height, nil
}

// watchTip cancels sealing once the active tip is no longer parent.
func (m *Miner) watchTip(ctx context.Context, cancel context.CancelFunc, parent types.Hash) {
	ticker := time.NewTicker(tipPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if tip, _ := m.tree.Tip(); tip != parent {
				cancel()
				return
			}
		}
	}
}

// Run mines until ctx is done, pausing interval between headers.
func (m *Miner) Run(ctx context.Context, interval time.Duration) {
	klog.Miner.Info().Int("threads", m.pow.Threads).Msg("Miner started")
	defer klog.Miner.Info().Msg("Miner stopped")

	for {
		_, _, err := m.MineOne(ctx)
		switch {
		case ctx.Err() != nil:
			return
		case errors.Is(err, ErrStaleTip):
			klog.Miner.Debug().Msg("Tip moved, restarting on new tip")
			continue
		case err != nil:
			klog.Miner.Error().Err(err).Msg("Mining failed")
		}

		if interval <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
