package headersync

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	klog "github.com/Klingon-tech/klingnet-headers/internal/log"
	"github.com/Klingon-tech/klingnet-headers/internal/storage"
	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
)

// Ban thresholds and durations.
const (
	BanThreshold = 100
	BanDuration  = 24 * time.Hour

	banPruneInterval = 10 * time.Minute
)

// Penalties by offense.
const (
	PenaltyInvalidHeader = 50  // failed structure, work or timestamp checks
	PenaltyBadResponse   = 20  // malformed, oversized or unconnected getheaders reply
	PenaltyOrphanFlood   = 5   // announce whose parent nobody has
	PenaltyHandshakeFail = 100 // genesis mismatch bans at once
)

var banPrefix = []byte("ban/")

// BanRecord is a ban entry as stored on disk.
type BanRecord struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"` // 0 never expires
}

func (r *BanRecord) expiredAt(now int64) bool {
	return r.ExpiresAt > 0 && now >= r.ExpiresAt
}

// BanStore persists ban records under their own key prefix.
type BanStore struct {
	db *storage.PrefixDB
}

// NewBanStore wraps db.
func NewBanStore(db storage.DB) *BanStore {
	return &BanStore{db: storage.NewPrefixDB(db, banPrefix)}
}

// Get returns the record for id, or storage.ErrNotFound.
func (bs *BanStore) Get(id peer.ID) (*BanRecord, error) {
	data, err := bs.db.Get([]byte(id.String()))
	if err != nil {
		return nil, err
	}
	var rec BanRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal ban record: %w", err)
	}
	return &rec, nil
}

// Put stores rec, replacing any earlier record for the same peer.
func (bs *BanStore) Put(rec *BanRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ban record: %w", err)
	}
	return bs.db.Put([]byte(rec.ID), data)
}

// Delete removes the record for id.
func (bs *BanStore) Delete(id peer.ID) error {
	return bs.db.Delete([]byte(id.String()))
}

// Clear removes every stored ban.
func (bs *BanStore) Clear() error {
	return bs.db.DeleteAll()
}

// All returns every decodable record. Corrupt entries are skipped.
func (bs *BanStore) All() ([]BanRecord, error) {
	var out []BanRecord
	err := bs.db.ForEach(nil, func(_, value []byte) error {
		var rec BanRecord
		if json.Unmarshal(value, &rec) == nil {
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

// Prune deletes expired and corrupt records and reports how many went.
func (bs *BanStore) Prune(now time.Time) (int, error) {
	var stale [][]byte
	err := bs.db.ForEach(nil, func(key, value []byte) error {
		var rec BanRecord
		if json.Unmarshal(value, &rec) != nil || rec.expiredAt(now.Unix()) {
			stale = append(stale, append([]byte(nil), key...))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan bans: %w", err)
	}
	if len(stale) == 0 {
		return 0, nil
	}
	b := bs.db.NewBatch()
	for _, k := range stale {
		if err := b.Delete(k); err != nil {
			return 0, err
		}
	}
	if err := b.Commit(); err != nil {
		return 0, fmt.Errorf("delete expired bans: %w", err)
	}
	return len(stale), nil
}

// disconnecter closes connections to a banned peer.
type disconnecter interface {
	DisconnectPeer(peer.ID) error
}

// BanManager accumulates offense scores and bans peers that cross
// BanThreshold.
type BanManager struct {
	mu     sync.RWMutex
	scores map[peer.ID]int
	bans   map[peer.ID]*BanRecord
	store  *BanStore    // nil disables persistence
	conn   disconnecter // nil skips disconnect-on-ban
	now    func() time.Time
}

// NewBanManager creates a BanManager. Either argument may be nil.
func NewBanManager(store *BanStore, conn disconnecter) *BanManager {
	return &BanManager{
		scores: make(map[peer.ID]int),
		bans:   make(map[peer.ID]*BanRecord),
		store:  store,
		conn:   conn,
		now:    time.Now,
	}
}

// LoadBans restores unexpired bans from the store.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}
	now := bm.now()
	if _, err := bm.store.Prune(now); err != nil {
		klog.Sync.Warn().Err(err).Msg("Failed to prune stored bans")
	}
	recs, err := bm.store.All()
	if err != nil {
		klog.Sync.Warn().Err(err).Msg("Failed to load stored bans")
		return
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	for i := range recs {
		id, err := peer.Decode(recs[i].ID)
		if err != nil || recs[i].expiredAt(now.Unix()) {
			continue
		}
		bm.bans[id] = &recs[i]
	}
}

// RecordOffense adds penalty to the peer's score and bans it once the
// score reaches BanThreshold. It reports whether the peer is now banned.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) bool {
	now := bm.now()

	bm.mu.Lock()
	if rec, ok := bm.bans[id]; ok && !rec.expiredAt(now.Unix()) {
		bm.mu.Unlock()
		return true
	}
	bm.scores[id] += penalty
	score := bm.scores[id]
	if score < BanThreshold {
		bm.mu.Unlock()
		klog.Sync.Debug().Str("peer", shortID(id)).Int("score", score).Str("reason", reason).Msg("Peer penalized")
		return false
	}
	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     score,
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[id] = rec
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			klog.Sync.Warn().Err(err).Msg("Failed to persist ban")
		}
	}
	klog.Sync.Warn().
		Str("peer", shortID(id)).
		Str("reason", reason).
		Int("score", score).
		Msg("Peer banned")

	if bm.conn != nil {
		go bm.conn.DisconnectPeer(id)
	}
	return true
}

// Score returns the peer's accumulated score below the ban threshold.
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.scores[id]
}

// IsBanned reports whether id is under an unexpired ban. Expired bans are
// dropped on the way.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[id]
	bm.mu.RUnlock()
	if !ok {
		return false
	}
	if !rec.expiredAt(bm.now().Unix()) {
		return true
	}
	bm.Unban(id)
	return false
}

// Unban lifts a ban and clears the peer's score.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		_ = bm.store.Delete(id)
	}
}

// ClearAll lifts every ban, in memory and on disk.
func (bm *BanManager) ClearAll() {
	bm.mu.Lock()
	ids := make([]peer.ID, 0, len(bm.bans))
	for id := range bm.bans {
		ids = append(ids, id)
	}
	bm.mu.Unlock()

	for _, id := range ids {
		bm.Unban(id)
	}
	if bm.store != nil {
		if err := bm.store.Clear(); err != nil {
			klog.Sync.Warn().Err(err).Msg("Failed to clear stored bans")
		}
	}
}

// BanList returns the active bans.
func (bm *BanManager) BanList() []BanRecord {
	now := bm.now().Unix()
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	list := make([]BanRecord, 0, len(bm.bans))
	for _, rec := range bm.bans {
		if !rec.expiredAt(now) {
			list = append(list, *rec)
		}
	}
	return list
}

// RunPruneLoop drops expired bans until done closes.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(banPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bm.pruneExpired()
		}
	}
}

func (bm *BanManager) pruneExpired() {
	now := bm.now()
	bm.mu.Lock()
	for id, rec := range bm.bans {
		if rec.expiredAt(now.Unix()) {
			delete(bm.bans, id)
		}
	}
	bm.mu.Unlock()

	if bm.store != nil {
		_, _ = bm.store.Prune(now)
	}
}

// banGater refuses banned peers at dial time and once their identity is
// authenticated on inbound connections.
type banGater struct {
	banMgr *BanManager
}

func (g *banGater) InterceptPeerDial(p peer.ID) bool {
	return !g.banMgr.IsBanned(p)
}

func (g *banGater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool { return true }

func (g *banGater) InterceptAccept(network.ConnMultiaddrs) bool { return true }

func (g *banGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	return !g.banMgr.IsBanned(p)
}

func (g *banGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
