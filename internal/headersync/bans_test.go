package headersync

import (
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/Klingon-tech/klingnet-headers/internal/storage"
	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
)

func generateTestPeerID(t *testing.T) peer.ID {
	t.Helper()
	priv, _, err := libp2pcrypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	id, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		t.Fatalf("peer id from key: %v", err)
	}
	return id
}

type recordingDisconnecter struct {
	ids chan peer.ID
}

func (r *recordingDisconnecter) DisconnectPeer(id peer.ID) error {
	r.ids <- id
	return nil
}

func TestBanManager_ScoreAccumulation(t *testing.T) {
	bm := NewBanManager(nil, nil)
	id := peer.ID("scored")

	if bm.RecordOffense(id, PenaltyBadResponse, "bad reply") {
		t.Fatal("one bad response should not ban")
	}
	bm.RecordOffense(id, PenaltyInvalidHeader, "bad header")
	if got := bm.Score(id); got != PenaltyBadResponse+PenaltyInvalidHeader {
		t.Fatalf("score = %d, want %d", got, PenaltyBadResponse+PenaltyInvalidHeader)
	}
	if bm.IsBanned(id) {
		t.Fatal("peer below threshold is banned")
	}
}

func TestBanManager_ThresholdBan(t *testing.T) {
	conn := &recordingDisconnecter{ids: make(chan peer.ID, 1)}
	bm := NewBanManager(nil, conn)
	id := peer.ID("repeat-offender")

	bm.RecordOffense(id, PenaltyInvalidHeader, "first")
	if !bm.RecordOffense(id, PenaltyInvalidHeader, "second") {
		t.Fatal("two invalid headers should ban")
	}
	if !bm.IsBanned(id) {
		t.Fatal("IsBanned = false after threshold")
	}
	if bm.Score(id) != 0 {
		t.Fatalf("score should reset once banned, got %d", bm.Score(id))
	}

	select {
	case got := <-conn.ids:
		if got != id {
			t.Fatalf("disconnected %s, want %s", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("banned peer was not disconnected")
	}
}

func TestBanManager_HandshakeFailIsInstant(t *testing.T) {
	bm := NewBanManager(nil, nil)
	id := peer.ID("wrong-genesis")
	if !bm.RecordOffense(id, PenaltyHandshakeFail, "genesis mismatch") {
		t.Fatal("handshake failure should ban at once")
	}
	list := bm.BanList()
	if len(list) != 1 || list[0].Reason != "genesis mismatch" {
		t.Fatalf("BanList = %+v", list)
	}
}

func TestBanManager_Unban(t *testing.T) {
	bm := NewBanManager(nil, nil)
	id := peer.ID("forgiven")
	bm.RecordOffense(id, PenaltyHandshakeFail, "x")
	bm.Unban(id)
	if bm.IsBanned(id) {
		t.Fatal("still banned after Unban")
	}
	if len(bm.BanList()) != 0 {
		t.Fatal("BanList not empty after Unban")
	}
}

func TestBanManager_Expiry(t *testing.T) {
	bm := NewBanManager(nil, nil)
	now := time.Unix(1_800_000_000, 0)
	bm.now = func() time.Time { return now }

	id := peer.ID("temporary")
	bm.RecordOffense(id, PenaltyHandshakeFail, "x")
	if !bm.IsBanned(id) {
		t.Fatal("not banned")
	}

	now = now.Add(BanDuration)
	if bm.IsBanned(id) {
		t.Fatal("ban outlived BanDuration")
	}
	if len(bm.BanList()) != 0 {
		t.Fatal("expired ban still listed")
	}
}

func TestBanManager_Persistence(t *testing.T) {
	db := storage.NewMemory()
	id := generateTestPeerID(t)

	bm := NewBanManager(NewBanStore(db), nil)
	bm.RecordOffense(id, PenaltyHandshakeFail, "genesis mismatch")

	reloaded := NewBanManager(NewBanStore(db), nil)
	if reloaded.IsBanned(id) {
		t.Fatal("ban visible before LoadBans")
	}
	reloaded.LoadBans()
	if !reloaded.IsBanned(id) {
		t.Fatal("ban should survive reload from store")
	}

	reloaded.ClearAll()
	again := NewBanManager(NewBanStore(db), nil)
	again.LoadBans()
	if again.IsBanned(id) {
		t.Fatal("ClearAll left a stored ban behind")
	}
}

func TestBanStore_PutGetDelete(t *testing.T) {
	bs := NewBanStore(storage.NewMemory())
	id := peer.ID("stored")
	rec := &BanRecord{ID: id.String(), Reason: "bad", Score: 100, BannedAt: 1, ExpiresAt: 2}
	if err := bs.Put(rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := bs.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if *got != *rec {
		t.Fatalf("Get = %+v, want %+v", got, rec)
	}
	if err := bs.Delete(id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := bs.Get(id); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("Get after Delete: err = %v, want ErrNotFound", err)
	}
}

func TestBanStore_Prune(t *testing.T) {
	db := storage.NewMemory()
	bs := NewBanStore(db)
	now := time.Unix(1_800_000_000, 0)

	recs := []*BanRecord{
		{ID: peer.ID("expired").String(), ExpiresAt: now.Add(-time.Second).Unix()},
		{ID: peer.ID("active").String(), ExpiresAt: now.Add(time.Hour).Unix()},
		{ID: peer.ID("forever").String()},
	}
	for _, r := range recs {
		if err := bs.Put(r); err != nil {
			t.Fatal(err)
		}
	}
	// Corrupt entries are pruned too.
	if err := db.Put([]byte("ban/garbage"), []byte("{")); err != nil {
		t.Fatal(err)
	}
	// Keys outside the prefix are left alone.
	if err := db.Put([]byte("peer/x"), []byte("{")); err != nil {
		t.Fatal(err)
	}

	n, err := bs.Prune(now)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if n != 2 {
		t.Fatalf("pruned %d, want 2", n)
	}
	all, err := bs.All()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("%d records left, want 2", len(all))
	}
	if ok, _ := db.Has([]byte("peer/x")); !ok {
		t.Fatal("prune touched a key outside its prefix")
	}
}

func TestBanGater(t *testing.T) {
	bm := NewBanManager(nil, nil)
	g := &banGater{banMgr: bm}
	good, bad := peer.ID("good"), peer.ID("bad")
	bm.RecordOffense(bad, PenaltyHandshakeFail, "x")

	if !g.InterceptPeerDial(good) || g.InterceptPeerDial(bad) {
		t.Fatal("InterceptPeerDial did not follow the ban list")
	}
	if !g.InterceptSecured(network.DirInbound, good, nil) || g.InterceptSecured(network.DirInbound, bad, nil) {
		t.Fatal("InterceptSecured did not follow the ban list")
	}
	if !g.InterceptAccept(nil) || !g.InterceptAddrDial(bad, nil) {
		t.Fatal("address-level hooks should allow everything")
	}
	if ok, _ := g.InterceptUpgraded(nil); !ok {
		t.Fatal("InterceptUpgraded should allow")
	}

	bm.Unban(bad)
	if !g.InterceptPeerDial(bad) {
		t.Fatal("unbanned peer still refused")
	}
}
