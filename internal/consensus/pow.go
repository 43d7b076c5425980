package consensus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/crypto"
	"github.com/decred/dcrd/blockchain/standalone/v2"
)

// PoW errors.
var (
	ErrInsufficientWork = errors.New("hash does not meet target")
	ErrZeroBits         = errors.New("target must be > 0")
	ErrBitsTooEasy      = errors.New("target above proof-of-work limit")
)

// PoW implements proof-of-work consensus. The target is carried in each
// header's compact Bits; Limit is the easiest target the network accepts.
type PoW struct {
	Limit uint32 // compact form of the easiest allowed target
	Bits  uint32 // compact target stamped on mined headers by Prepare

	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded (default). Each goroutine searches a
	// strided partition of the nonce space.
	Threads int

	limit *big.Int
}

// NewPoW creates a new PoW engine. bits must not be easier than limit.
func NewPoW(limit, bits uint32) (*PoW, error) {
	limitTarget := standalone.CompactToBig(limit)
	if limitTarget.Sign() <= 0 {
		return nil, fmt.Errorf("%w: limit %#08x", ErrZeroBits, limit)
	}
	p := &PoW{Limit: limit, Bits: bits, limit: limitTarget}
	if err := p.checkRange(bits); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PoW) checkRange(bits uint32) error {
	t := standalone.CompactToBig(bits)
	if t.Sign() <= 0 {
		return fmt.Errorf("%w: bits %#08x", ErrZeroBits, bits)
	}
	if t.Cmp(p.limit) > 0 {
		return fmt.Errorf("%w: bits %#08x, limit %#08x", ErrBitsTooEasy, bits, p.Limit)
	}
	return nil
}

// hashToBig reads a header hash as a big-endian 256-bit integer.
func hashToBig(h []byte) *big.Int {
	return new(big.Int).SetBytes(h)
}

// VerifyHeader checks that the header's target is within the limit and
// that its hash meets that target.
func (p *PoW) VerifyHeader(header *block.Header) error {
	if err := p.checkRange(header.Bits); err != nil {
		return err
	}
	hash := header.Hash()
	if hashToBig(hash[:]).Cmp(header.Target()) > 0 {
		return ErrInsufficientWork
	}
	return nil
}

// Prepare sets the header's target for mining.
func (p *PoW) Prepare(header *block.Header) error {
	header.Bits = p.Bits
	return nil
}

// Seal mines the header by iterating the nonce until its hash meets the
// target in header.Bits.
func (p *PoW) Seal(header *block.Header) error {
	return p.SealWithCancel(context.Background(), header)
}

// SealWithCancel mines the header with cancellation support.
// When the context is cancelled, mining stops and ctx.Err() is returned.
func (p *PoW) SealWithCancel(ctx context.Context, header *block.Header) error {
	if header == nil {
		return fmt.Errorf("nil header")
	}
	if err := p.checkRange(header.Bits); err != nil {
		return err
	}

	threads := p.Threads
	if threads <= 1 {
		return p.sealSingle(ctx, header)
	}
	return p.sealParallel(ctx, header, threads)
}

// signingPrefix returns the header's signing bytes without the trailing
// nonce, so each attempt only rewrites the last 8 bytes.
func signingPrefix(h *block.Header) []byte {
	b := h.SigningBytes()
	return b[:len(b)-8]
}

func (p *PoW) sealSingle(ctx context.Context, header *block.Header) error {
	t := header.Target()
	prefix := signingPrefix(header)
	buf := make([]byte, len(prefix)+8)
	copy(buf, prefix)
	hashInt := new(big.Int)

	for nonce := uint64(0); ; nonce++ {
		// Check cancellation every 65536 iterations.
		if nonce&0xFFFF == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}

		binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
		hash := crypto.Hash(buf)
		hashInt.SetBytes(hash[:])
		if hashInt.Cmp(t) <= 0 {
			header.Nonce = nonce
			return nil
		}
		if nonce == ^uint64(0) {
			return fmt.Errorf("nonce space exhausted")
		}
	}
}

// sealParallel has goroutine i start at nonce i and step by threads.
func (p *PoW) sealParallel(ctx context.Context, header *block.Header, threads int) error {
	t := header.Target()
	prefix := signingPrefix(header)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		nonce uint64
		err   error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		wg.Add(1)
		startNonce := uint64(i)
		stride := uint64(threads)
		go func() {
			defer wg.Done()
			buf := make([]byte, len(prefix)+8)
			copy(buf, prefix)
			hashInt := new(big.Int)

			for nonce := startNonce; ; nonce += stride {
				if (nonce/stride)&0xFFFF == 0 && nonce > 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}

				binary.LittleEndian.PutUint64(buf[len(prefix):], nonce)
				hash := crypto.Hash(buf)
				hashInt.SetBytes(hash[:])
				if hashInt.Cmp(t) <= 0 {
					select {
					case found <- result{nonce: nonce}:
					default:
					}
					cancel()
					return
				}

				if nonce > ^uint64(0)-stride {
					select {
					case found <- result{err: fmt.Errorf("nonce space exhausted")}:
					default:
					}
					return
				}
			}
		}()
	}

	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			return fmt.Errorf("nonce space exhausted")
		}
		if r.err != nil {
			return r.err
		}
		header.Nonce = r.nonce
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
