package storage

import (
	"errors"
	"fmt"
	"slices"
	"testing"
)

func TestPrefixDB_ReadWrite(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("tree/"))

	if err := db.Put([]byte("s/tip"), []byte("abc")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if v, err := inner.Get([]byte("tree/s/tip")); err != nil || string(v) != "abc" {
		t.Fatalf("inner key = %q, %v", v, err)
	}
	if v, err := db.Get([]byte("s/tip")); err != nil || string(v) != "abc" {
		t.Fatalf("Get = %q, %v", v, err)
	}
	if ok, _ := db.Has([]byte("s/tip")); !ok {
		t.Fatal("Has = false after Put")
	}
	if err := db.Delete([]byte("s/tip")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := db.Get([]byte("s/tip")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after Delete: err = %v, want ErrNotFound", err)
	}
}

func TestPrefixDB_Namespaces(t *testing.T) {
	inner := NewMemory()
	tree := NewPrefixDB(inner, []byte("tree/"))
	bans := NewPrefixDB(inner, []byte("ban/"))

	tree.Put([]byte("k"), []byte("header"))
	bans.Put([]byte("k"), []byte("ban"))

	if v, _ := tree.Get([]byte("k")); string(v) != "header" {
		t.Fatalf("tree sees %q", v)
	}
	if v, _ := bans.Get([]byte("k")); string(v) != "ban" {
		t.Fatalf("bans sees %q", v)
	}
	if ok, _ := tree.Has([]byte("ban/k")); ok {
		t.Fatal("namespace leaked a sibling's raw key")
	}
}

func TestPrefixDB_ForEach(t *testing.T) {
	db := NewPrefixDB(NewMemory(), []byte("tree/"))
	db.Put([]byte("h/1"), []byte("a"))
	db.Put([]byte("h/2"), []byte("b"))
	db.Put([]byte("s/tip"), []byte("c"))

	var keys []string
	if err := db.ForEach([]byte("h/"), func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}); err != nil {
		t.Fatalf("ForEach: %v", err)
	}
	slices.Sort(keys)
	if !slices.Equal(keys, []string{"h/1", "h/2"}) {
		t.Fatalf("keys = %v", keys)
	}

	stop := errors.New("stop")
	n := 0
	err := db.ForEach(nil, func(_, _ []byte) error {
		n++
		return stop
	})
	if err != stop || n != 1 {
		t.Fatalf("early stop: err = %v after %d calls", err, n)
	}
}

func TestPrefixDB_DeleteAll(t *testing.T) {
	inner := NewMemory()
	bans := NewPrefixDB(inner, []byte("ban/"))
	peers := NewPrefixDB(inner, []byte("peer/"))

	if err := bans.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll on empty namespace: %v", err)
	}
	for i := range 5 {
		bans.Put([]byte(fmt.Sprintf("p%d", i)), []byte("x"))
	}
	peers.Put([]byte("p0"), []byte("addr"))

	if err := bans.DeleteAll(); err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	n := 0
	bans.ForEach(nil, func(_, _ []byte) error { n++; return nil })
	if n != 0 {
		t.Fatalf("%d keys survived DeleteAll", n)
	}
	if v, err := peers.Get([]byte("p0")); err != nil || string(v) != "addr" {
		t.Fatalf("sibling namespace damaged: %q, %v", v, err)
	}
}

func TestPrefixDB_Close(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("x/"))
	db.Put([]byte("k"), []byte("v"))
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if v, err := inner.Get([]byte("x/k")); err != nil || string(v) != "v" {
		t.Fatalf("inner unusable after namespace Close: %q, %v", v, err)
	}
}

func TestPrefixDB_Batch(t *testing.T) {
	inner := NewMemory()
	db := NewPrefixDB(inner, []byte("tree/"))

	b := db.NewBatch()
	b.Put([]byte("h/1"), []byte("one"))
	b.Put([]byte("h/2"), []byte("two"))
	if ok, _ := db.Has([]byte("h/1")); ok {
		t.Fatal("batched write visible before Commit")
	}
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if v, err := inner.Get([]byte("tree/h/1")); err != nil || string(v) != "one" {
		t.Fatalf("inner Get = %q, %v", v, err)
	}

	b = db.NewBatch()
	b.Delete([]byte("h/1"))
	if err := b.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if ok, _ := db.Has([]byte("h/1")); ok {
		t.Fatal("batched delete not applied through the namespace")
	}
	if ok, _ := db.Has([]byte("h/2")); !ok {
		t.Fatal("unrelated key removed")
	}
}
