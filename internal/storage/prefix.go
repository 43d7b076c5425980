package storage

// PrefixDB is a namespace inside another DB. The node keeps the header
// tree, peer bans and known peers in one badger database, each under its
// own prefix.
type PrefixDB struct {
	inner  DB
	prefix []byte
}

// NewPrefixDB returns a view of inner restricted to keys under prefix.
func NewPrefixDB(inner DB, prefix []byte) *PrefixDB {
	return &PrefixDB{inner: inner, prefix: clone(prefix)}
}

func (p *PrefixDB) key(k []byte) []byte {
	out := make([]byte, 0, len(p.prefix)+len(k))
	out = append(out, p.prefix...)
	return append(out, k...)
}

func (p *PrefixDB) Get(key []byte) ([]byte, error) { return p.inner.Get(p.key(key)) }

func (p *PrefixDB) Put(key, value []byte) error { return p.inner.Put(p.key(key), value) }

func (p *PrefixDB) Delete(key []byte) error { return p.inner.Delete(p.key(key)) }

func (p *PrefixDB) Has(key []byte) (bool, error) { return p.inner.Has(p.key(key)) }

// ForEach visits keys under prefix inside the namespace. Keys passed to fn
// have the namespace stripped.
func (p *PrefixDB) ForEach(prefix []byte, fn func(key, value []byte) error) error {
	n := len(p.prefix)
	return p.inner.ForEach(p.key(prefix), func(key, value []byte) error {
		return fn(key[n:], value)
	})
}

// DeleteAll removes every key in the namespace in one batch.
func (p *PrefixDB) DeleteAll() error {
	var keys [][]byte
	err := p.inner.ForEach(p.prefix, func(key, _ []byte) error {
		keys = append(keys, clone(key))
		return nil
	})
	if err != nil || len(keys) == 0 {
		return err
	}
	b := NewBatch(p.inner)
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return b.Commit()
}

// Close does nothing; the inner DB owns the handle.
func (p *PrefixDB) Close() error { return nil }

// NewBatch returns a batch on the inner DB that writes inside the namespace.
func (p *PrefixDB) NewBatch() Batch {
	return &prefixBatch{Batch: NewBatch(p.inner), db: p}
}

type prefixBatch struct {
	Batch
	db *PrefixDB
}

func (pb *prefixBatch) Put(key, value []byte) error { return pb.Batch.Put(pb.db.key(key), value) }

func (pb *prefixBatch) Delete(key []byte) error { return pb.Batch.Delete(pb.db.key(key)) }
