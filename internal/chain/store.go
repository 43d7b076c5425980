package chain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-headers/internal/storage"
	"github.com/Klingon-tech/klingnet-headers/pkg/block"
	"github.com/Klingon-tech/klingnet-headers/pkg/types"
)

// Key prefixes and state keys for the header store.
var (
	prefixHeader = []byte("h/") // h/<hash(32)> -> header JSON
	keyTipHash   = []byte("s/tip")
	keyGenesis   = []byte("s/genesis")
)

// HeaderStore persists every known header, connected or not, plus the
// active tip and the genesis identity.
type HeaderStore struct {
	db storage.DB
}

// NewHeaderStore creates a header store backed by the given database.
func NewHeaderStore(db storage.DB) *HeaderStore {
	return &HeaderStore{db: db}
}

// Writer stages header writes for one atomic commit.
type Writer struct {
	batch storage.Batch
}

// NewWriter starts a batch of writes.
func (hs *HeaderStore) NewWriter() *Writer {
	return &Writer{batch: storage.NewBatch(hs.db)}
}

// PutHeader stages a header.
func (w *Writer) PutHeader(h block.Header) error {
	data, err := json.Marshal(&h)
	if err != nil {
		return fmt.Errorf("header marshal: %w", err)
	}
	hash := h.Hash()
	if err := w.batch.Put(headerKey(hash), data); err != nil {
		return fmt.Errorf("header put: %w", err)
	}
	return nil
}

// DeleteHeader stages the removal of a header.
func (w *Writer) DeleteHeader(hash types.Hash) error {
	if err := w.batch.Delete(headerKey(hash)); err != nil {
		return fmt.Errorf("header delete: %w", err)
	}
	return nil
}

// SetTip stages the active tip.
func (w *Writer) SetTip(hash types.Hash) error {
	if err := w.batch.Put(keyTipHash, hash[:]); err != nil {
		return fmt.Errorf("set tip hash: %w", err)
	}
	return nil
}

// Commit applies the staged writes.
func (w *Writer) Commit() error {
	if err := w.batch.Commit(); err != nil {
		return fmt.Errorf("commit headers: %w", err)
	}
	return nil
}

// GetHeader retrieves a header by its hash.
func (hs *HeaderStore) GetHeader(hash types.Hash) (block.Header, error) {
	data, err := hs.db.Get(headerKey(hash))
	if err != nil {
		return block.Header{}, fmt.Errorf("header get: %w", err)
	}
	var h block.Header
	if err := json.Unmarshal(data, &h); err != nil {
		return block.Header{}, fmt.Errorf("header unmarshal: %w", err)
	}
	return h, nil
}

// HasHeader checks if a header exists by hash.
func (hs *HeaderStore) HasHeader(hash types.Hash) (bool, error) {
	return hs.db.Has(headerKey(hash))
}

// ForEachHeader calls fn for every stored header, in no particular order.
func (hs *HeaderStore) ForEachHeader(fn func(block.Header) error) error {
	return hs.db.ForEach(prefixHeader, func(key, value []byte) error {
		var h block.Header
		if err := json.Unmarshal(value, &h); err != nil {
			return fmt.Errorf("header unmarshal %x: %w", key[len(prefixHeader):], err)
		}
		return fn(h)
	})
}

// GetTip returns the persisted tip hash. ok is false on a fresh store.
func (hs *HeaderStore) GetTip() (types.Hash, bool, error) {
	return hs.getHash(keyTipHash, "tip hash")
}

// GetGenesis returns the persisted genesis hash. ok is false on a fresh store.
func (hs *HeaderStore) GetGenesis() (types.Hash, bool, error) {
	return hs.getHash(keyGenesis, "genesis hash")
}

// SetGenesis records the genesis identity.
func (hs *HeaderStore) SetGenesis(hash types.Hash) error {
	if err := hs.db.Put(keyGenesis, hash[:]); err != nil {
		return fmt.Errorf("set genesis: %w", err)
	}
	return nil
}

func (hs *HeaderStore) getHash(key []byte, what string) (types.Hash, bool, error) {
	data, err := hs.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Hash{}, false, nil
	}
	if err != nil {
		return types.Hash{}, false, fmt.Errorf("get %s: %w", what, err)
	}
	if len(data) != types.HashSize {
		return types.Hash{}, false, fmt.Errorf("corrupt %s: got %d bytes", what, len(data))
	}
	var hash types.Hash
	copy(hash[:], data)
	return hash, true, nil
}

func headerKey(hash types.Hash) []byte {
	key := make([]byte, len(prefixHeader)+types.HashSize)
	copy(key, prefixHeader)
	copy(key[len(prefixHeader):], hash[:])
	return key
}
