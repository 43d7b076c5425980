// Package consensus checks headers against the proof-of-work and timestamp
// rules and produces sealed headers for the miner.
package consensus

import (
	"context"

	"github.com/Klingon-tech/klingnet-headers/pkg/block"
)

// Engine is the interface for consensus implementations.
type Engine interface {
	VerifyHeader(header *block.Header) error
	Prepare(header *block.Header) error
	SealWithCancel(ctx context.Context, header *block.Header) error
}
