package headersync

import (
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-headers/internal/storage"
	"github.com/libp2p/go-libp2p/core/peer"
)

func TestPeerStore_SaveLoad(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())
	id := generateTestPeerID(t)
	rec := PeerRecord{
		ID:       id.String(),
		Addrs:    []string{"/ip4/192.168.1.1/tcp/30313"},
		LastSeen: time.Now().Unix(),
		Source:   "seed",
	}
	if err := ps.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := ps.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ID != rec.ID || got.Source != rec.Source || got.LastSeen != rec.LastSeen {
		t.Fatalf("Load = %+v, want %+v", got, rec)
	}

	info, ok := got.AddrInfo()
	if !ok {
		t.Fatal("AddrInfo not usable")
	}
	if info.ID != id || len(info.Addrs) != 1 {
		t.Fatalf("AddrInfo = %+v", info)
	}
}

func TestPeerRecord_AddrInfo(t *testing.T) {
	id := generateTestPeerID(t)
	tests := []struct {
		name string
		rec  PeerRecord
		ok   bool
		n    int
	}{
		{"valid", PeerRecord{ID: id.String(), Addrs: []string{"/ip4/10.0.0.1/tcp/1"}}, true, 1},
		{"drops bad addrs", PeerRecord{ID: id.String(), Addrs: []string{"nonsense", "/ip4/10.0.0.1/tcp/1"}}, true, 1},
		{"no addrs", PeerRecord{ID: id.String()}, false, 0},
		{"bad id", PeerRecord{ID: "???", Addrs: []string{"/ip4/10.0.0.1/tcp/1"}}, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := tt.rec.AddrInfo()
			if ok != tt.ok || len(info.Addrs) != tt.n {
				t.Fatalf("AddrInfo = (%d addrs, %v), want (%d, %v)", len(info.Addrs), ok, tt.n, tt.ok)
			}
		})
	}
}

func TestPeerStore_PruneStale(t *testing.T) {
	db := storage.NewMemory()
	ps := NewPeerStore(db)
	now := time.Now()

	fresh := PeerRecord{ID: peer.ID("fresh").String(), LastSeen: now.Unix()}
	stale := PeerRecord{ID: peer.ID("stale").String(), LastSeen: now.Add(-2 * staleThreshold).Unix()}
	for _, r := range []PeerRecord{fresh, stale} {
		if err := ps.Save(r); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.Put([]byte("peer/corrupt"), []byte("not json")); err != nil {
		t.Fatal(err)
	}

	n, err := ps.PruneStale(staleThreshold)
	if err != nil {
		t.Fatalf("PruneStale: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned %d, want 2", n)
	}
	all, err := ps.LoadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].ID != fresh.ID {
		t.Fatalf("LoadAll = %+v, want only the fresh peer", all)
	}
}

func TestPeerStore_Capacity(t *testing.T) {
	ps := NewPeerStore(storage.NewMemory())
	for i := range maxPersistedPeers {
		id := peer.ID([]byte{byte(i >> 8), byte(i)})
		if err := ps.Save(PeerRecord{ID: id.String(), LastSeen: 1}); err != nil {
			t.Fatal(err)
		}
	}
	first := peer.ID([]byte{0, 0}).String()
	if err := ps.Save(PeerRecord{ID: peer.ID("one-too-many").String()}); err != nil {
		t.Fatal(err)
	}
	if n, _ := ps.Count(); n != maxPersistedPeers {
		t.Fatalf("Count = %d, want %d", n, maxPersistedPeers)
	}

	// Existing peers can still be refreshed at capacity.
	if err := ps.Save(PeerRecord{ID: first, LastSeen: 99}); err != nil {
		t.Fatal(err)
	}
	got, err := ps.Load(peer.ID([]byte{0, 0}))
	if err != nil {
		t.Fatal(err)
	}
	if got.LastSeen != 99 {
		t.Fatalf("LastSeen = %d, want 99", got.LastSeen)
	}
}
