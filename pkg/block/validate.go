package block

import (
	"errors"
	"fmt"
)

// Validation errors.
var (
	ErrBadVersion    = errors.New("unsupported header version")
	ErrZeroTimestamp = errors.New("header timestamp is zero")
	ErrBadEncoding   = errors.New("malformed header encoding")
)

// Header version constants.
const (
	CurrentVersion = 1 // The current header version produced by this software.
	MaxVersion     = 1 // Bump when a fork introduces a new header version.
)

// Validate checks header structure. It does NOT verify proof of work or
// timestamps against the clock (use consensus.Validator for that).
func (h *Header) Validate() error {
	if h.Version < 1 || h.Version > MaxVersion {
		return fmt.Errorf("%w: got %d, want 1..%d", ErrBadVersion, h.Version, MaxVersion)
	}
	if h.Timestamp == 0 {
		return ErrZeroTimestamp
	}
	return nil
}
