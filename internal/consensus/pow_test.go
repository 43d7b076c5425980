package consensus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-headers/internal/blocktree/forkgen"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// hardBits gives a target near 2^224: an arbitrary nonce never meets it.
const hardBits = 0x1d00ffff

func testHeader(bits uint32) *block.Header {
	return &block.Header{
		Version:    1,
		PrevHash:   types.Hash{},
		MerkleRoot: types.Hash{1, 2, 3},
		Timestamp:  forkgen.GenesisTime,
		Bits:       bits,
	}
}

func TestNewPoW_ZeroBits(t *testing.T) {
	if _, err := NewPoW(0, forkgen.EasyBits); !errors.Is(err, ErrZeroBits) {
		t.Fatalf("NewPoW(limit=0) err = %v, want ErrZeroBits", err)
	}
	if _, err := NewPoW(forkgen.EasyBits, 0); !errors.Is(err, ErrZeroBits) {
		t.Fatalf("NewPoW(bits=0) err = %v, want ErrZeroBits", err)
	}
}

func TestNewPoW_BitsAboveLimit(t *testing.T) {
	if _, err := NewPoW(forkgen.MediumBits, forkgen.EasyBits); !errors.Is(err, ErrBitsTooEasy) {
		t.Fatalf("err = %v, want ErrBitsTooEasy", err)
	}
}

func TestPoW_SealAndVerify(t *testing.T) {
	pow, err := NewPoW(forkgen.EasyBits, forkgen.EasyBits)
	if err != nil {
		t.Fatal(err)
	}

	h := testHeader(0)
	if err := pow.Prepare(h); err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if h.Bits != forkgen.EasyBits {
		t.Fatalf("Prepare set bits = %#x, want %#x", h.Bits, forkgen.EasyBits)
	}
	if err := pow.Seal(h); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := pow.VerifyHeader(h); err != nil {
		t.Fatalf("VerifyHeader after Seal: %v", err)
	}
}

func TestPoW_SealModerateTarget(t *testing.T) {
	pow, err := NewPoW(forkgen.EasyBits, forkgen.HardBits)
	if err != nil {
		t.Fatal(err)
	}

	h := testHeader(forkgen.HardBits)
	h.MerkleRoot = types.Hash{0xDE, 0xAD}
	if err := pow.Seal(h); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := pow.VerifyHeader(h); err != nil {
		t.Fatalf("VerifyHeader: %v", err)
	}

	hash := h.Hash()
	if hashToBig(hash[:]).Cmp(h.Target()) > 0 {
		t.Fatalf("hash %s above target", hash)
	}
}

func TestPoW_SealParallel(t *testing.T) {
	pow, err := NewPoW(forkgen.EasyBits, forkgen.HardBits)
	if err != nil {
		t.Fatal(err)
	}
	pow.Threads = 4

	h := testHeader(forkgen.HardBits)
	if err := pow.Seal(h); err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if err := pow.VerifyHeader(h); err != nil {
		t.Fatalf("VerifyHeader: %v", err)
	}
}

func TestPoW_VerifyHeader_Rejects(t *testing.T) {
	pow, err := NewPoW(forkgen.EasyBits, forkgen.EasyBits)
	if err != nil {
		t.Fatal(err)
	}

	h := testHeader(hardBits)
	h.Nonce = 42
	if err := pow.VerifyHeader(h); !errors.Is(err, ErrInsufficientWork) {
		t.Fatalf("VerifyHeader = %v, want ErrInsufficientWork", err)
	}
}

func TestPoW_VerifyHeader_BadBits(t *testing.T) {
	pow, err := NewPoW(forkgen.MediumBits, forkgen.MediumBits)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		bits uint32
		want error
	}{
		{"zero", forkgen.NoWorkBits, ErrZeroBits},
		{"negative", 0x04923456, ErrZeroBits},
		{"above limit", forkgen.EasyBits, ErrBitsTooEasy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := pow.VerifyHeader(testHeader(tt.bits)); !errors.Is(err, tt.want) {
				t.Fatalf("VerifyHeader(%#x) = %v, want %v", tt.bits, err, tt.want)
			}
		})
	}
}

func TestPoW_SealCancelled(t *testing.T) {
	pow, err := NewPoW(forkgen.EasyBits, hardBits)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := pow.SealWithCancel(ctx, testHeader(hardBits)); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("SealWithCancel = %v, want DeadlineExceeded", err)
	}
}

func TestPoW_SealNil(t *testing.T) {
	pow, _ := NewPoW(forkgen.EasyBits, forkgen.EasyBits)
	if err := pow.Seal(nil); err == nil {
		t.Fatal("expected error for nil header")
	}
}
