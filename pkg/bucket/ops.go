package bucket

import (
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/burrow/pkg/cookie"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/hashtable"
	"github.com/cuemby/burrow/pkg/kvstore"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/vbucket"
)

// Get reads a key.
func (b *Bucket) Get(vb types.VBucketID, key string, c cookie.Cookie) vbucket.GetResult {
	v := b.getVB(vb)
	if v == nil {
		return vbucket.GetResult{Status: types.StatusNotMyVBucket}
	}
	return v.Get(key, c, true)
}

// Set stores an item, honoring an expected cas when non-zero.
func (b *Bucket) Set(itm *types.Item, cas uint64, c cookie.Cookie) (uint64, types.Status) {
	if st := b.writeGate(); st != types.StatusSuccess {
		return 0, st
	}
	v := b.getVB(itm.VB)
	if v == nil {
		return 0, types.StatusNotMyVBucket
	}
	return v.Set(itm, cas, c)
}

// Add stores an item only if the key is absent.
func (b *Bucket) Add(itm *types.Item, c cookie.Cookie) (uint64, types.Status) {
	if st := b.writeGate(); st != types.StatusSuccess {
		return 0, st
	}
	v := b.getVB(itm.VB)
	if v == nil {
		return 0, types.StatusNotMyVBucket
	}
	return v.Add(itm, c)
}

// Replace stores an item only if the key exists.
func (b *Bucket) Replace(itm *types.Item, cas uint64, c cookie.Cookie) (uint64, types.Status) {
	if st := b.writeGate(); st != types.StatusSuccess {
		return 0, st
	}
	v := b.getVB(itm.VB)
	if v == nil {
		return 0, types.StatusNotMyVBucket
	}
	return v.Replace(itm, cas, c)
}

// Delete removes a key.
func (b *Bucket) Delete(vb types.VBucketID, key string, cas uint64, c cookie.Cookie) (uint64, types.Status) {
	if st := b.writeGate(); st != types.StatusSuccess {
		return 0, st
	}
	v := b.getVB(vb)
	if v == nil {
		return 0, types.StatusNotMyVBucket
	}
	return v.Delete(key, cas, c)
}

// GetAndTouch reads a key and resets its expiration.
func (b *Bucket) GetAndTouch(vb types.VBucketID, key string, newExpiry uint32, c cookie.Cookie) vbucket.GetResult {
	if st := b.writeGate(); st != types.StatusSuccess {
		return vbucket.GetResult{Status: st}
	}
	v := b.getVB(vb)
	if v == nil {
		return vbucket.GetResult{Status: types.StatusNotMyVBucket}
	}
	return v.GetAndTouch(key, newExpiry, c)
}

// Touch resets a key's expiration without returning the value.
func (b *Bucket) Touch(vb types.VBucketID, key string, newExpiry uint32, c cookie.Cookie) (uint64, types.Status) {
	res := b.GetAndTouch(vb, key, newExpiry, c)
	if res.Status != types.StatusSuccess {
		return 0, res.Status
	}
	return res.Item.CAS, types.StatusSuccess
}

// GetLocked reads a key under a GETL lock.
func (b *Bucket) GetLocked(vb types.VBucketID, key string, lockTimeout time.Duration, c cookie.Cookie) vbucket.GetResult {
	v := b.getVB(vb)
	if v == nil {
		return vbucket.GetResult{Status: types.StatusNotMyVBucket}
	}
	return v.GetLocked(key, lockTimeout, c)
}

// Unlock releases a GETL lock.
func (b *Bucket) Unlock(vb types.VBucketID, key string, cas uint64, c cookie.Cookie) types.Status {
	v := b.getVB(vb)
	if v == nil {
		return types.StatusNotMyVBucket
	}
	return v.Unlock(key, cas, c)
}

// GetMeta returns a key's conflict-resolution metadata.
func (b *Bucket) GetMeta(vb types.VBucketID, key string, c cookie.Cookie) vbucket.MetaResult {
	v := b.getVB(vb)
	if v == nil {
		return vbucket.MetaResult{Status: types.StatusNotMyVBucket}
	}
	return v.GetMeta(key, c)
}

// SetWithMeta applies an externally timestamped mutation.
func (b *Bucket) SetWithMeta(itm *types.Item, force bool, c cookie.Cookie) types.Status {
	if st := b.writeGate(); st != types.StatusSuccess {
		return st
	}
	v := b.getVB(itm.VB)
	if v == nil {
		return types.StatusNotMyVBucket
	}
	return v.SetWithMeta(itm, force, c)
}

// DelWithMeta applies an externally timestamped deletion.
func (b *Bucket) DelWithMeta(vb types.VBucketID, key string, meta types.ItemMeta, force bool, c cookie.Cookie) types.Status {
	if st := b.writeGate(); st != types.StatusSuccess {
		return st
	}
	v := b.getVB(vb)
	if v == nil {
		return types.StatusNotMyVBucket
	}
	return v.DelWithMeta(key, meta, force, c)
}

// EvictKey explicitly ejects a clean resident value.
func (b *Bucket) EvictKey(vb types.VBucketID, key string) types.Status {
	v := b.getVB(vb)
	if v == nil {
		return types.StatusNotMyVBucket
	}
	return v.EvictKey(key)
}

// GetRandomKey returns an arbitrary alive key from any active vbucket.
func (b *Bucket) GetRandomKey() (types.VBucketID, string, types.Status) {
	vbs := b.allVBuckets()
	if len(vbs) == 0 {
		return 0, "", types.StatusKeyNotFound
	}
	start := int(time.Now().UnixNano()) % len(vbs)
	for i := 0; i < len(vbs); i++ {
		vb := vbs[(start+i)%len(vbs)]
		if vb.State() != types.VBActive {
			continue
		}
		items := vb.HashTable().NumItems.Load()
		if items == 0 {
			continue
		}
		skip := int(time.Now().UnixNano()) % int(items)
		if key, ok := vb.RandomKey(skip); ok {
			return vb.ID, key, types.StatusSuccess
		}
	}
	return 0, "", types.StatusKeyNotFound
}

// GetKeys returns up to count keys from the vbucket, ordered, starting at
// startKey inclusive. Keys are read from disk so non-resident items are
// included.
func (b *Bucket) GetKeys(vb types.VBucketID, startKey string, count int) ([]string, types.Status) {
	v := b.getVB(vb)
	if v == nil {
		return nil, types.StatusNotMyVBucket
	}
	if v.State() != types.VBActive {
		return nil, types.StatusNotMyVBucket
	}
	if count <= 0 {
		count = 1000
	}

	var keys []string
	err := b.shardFor(vb).KV.Scan(vb, 0, 0, kvstore.NoValues, func(itm *types.Item) bool {
		if !itm.Deleted && itm.Key >= startKey {
			keys = append(keys, itm.Key)
		}
		return true
	})
	if err != nil {
		b.logger.Error().Err(err).Uint16("vb", uint16(vb)).Msg("GetKeys scan failed")
		return nil, types.StatusTempFailure
	}
	sort.Strings(keys)
	if len(keys) > count {
		keys = keys[:count]
	}
	return keys, types.StatusSuccess
}

// VBSeqno pairs a vbucket with its high seqno.
type VBSeqno struct {
	VB        types.VBucketID
	HighSeqno uint64
}

// GetAllVBSeqnos lists the high seqnos of every vbucket in the given
// state; an empty state matches all live vbuckets.
func (b *Bucket) GetAllVBSeqnos(state types.VBState) []VBSeqno {
	var out []VBSeqno
	for _, vb := range b.allVBuckets() {
		if state != "" && vb.State() != state {
			continue
		}
		if vb.State() == types.VBDead {
			continue
		}
		out = append(out, VBSeqno{VB: vb.ID, HighSeqno: vb.HighSeqno()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VB < out[j].VB })
	return out
}

// ObserveResult is the per-key OBSERVE answer.
type ObserveResult struct {
	VB    types.VBucketID
	Key   string
	State types.ObserveKeyState
	CAS   uint64
}

// Observe reports a key's persistence state.
func (b *Bucket) Observe(vb types.VBucketID, key string) (ObserveResult, types.Status) {
	v := b.getVB(vb)
	if v == nil || v.State() != types.VBActive {
		return ObserveResult{}, types.StatusNotMyVBucket
	}

	res := ObserveResult{VB: vb, Key: key, State: types.ObserveNotFound}
	v.HashTable().WithKeyLock(key, func(lk hashtable.KeyLock) {
		sv := lk.Find(true, false)
		if sv == nil || sv.Temp {
			return
		}
		res.CAS = sv.CAS
		if sv.Deleted {
			res.State = types.ObserveLogicallyDeleted
			return
		}
		if !sv.Dirty && sv.BySeqno <= v.LastPersistedSeqno() {
			res.State = types.ObservePersisted
		} else {
			res.State = types.ObserveNotPersisted
		}
	})
	return res, types.StatusSuccess
}

// ObserveSeqno reports persistence progress and failover lineage for the
// client's known vb_uuid.
func (b *Bucket) ObserveSeqno(vb types.VBucketID, vbUUID uint64) (types.ObserveSeqnoResult, types.Status) {
	v := b.getVB(vb)
	if v == nil || v.State() == types.VBDead {
		return types.ObserveSeqnoResult{}, types.StatusNotMyVBucket
	}

	entries := v.Failover().Entries()
	res := types.ObserveSeqnoResult{
		VB:            vb,
		VBUUID:        entries[0].UUID,
		LastPersisted: v.LastPersistedSeqno(),
		Current:       v.HighSeqno(),
	}
	if entries[0].UUID == vbUUID {
		return res, types.StatusSuccess
	}

	// Failover happened since the client's uuid: report the branch point,
	// the seqno at which the client's lineage ended.
	res.Format = 1
	res.FailoverUUID = vbUUID
	for i, e := range entries {
		if e.UUID == vbUUID && i > 0 {
			res.FailoverSeqno = entries[i-1].Seqno
			return res, types.StatusSuccess
		}
	}
	res.FailoverSeqno = 0
	return res, types.StatusSuccess
}

// SetVBucketState creates or transitions a vbucket.
func (b *Bucket) SetVBucketState(vbid types.VBucketID, state types.VBState, transfer bool) types.Status {
	if !state.Valid() || state == types.VBDead {
		return types.StatusInvalidArgument
	}
	if int(vbid) >= b.cfg.MaxVBuckets {
		return types.StatusInvalidArgument
	}

	shard := b.shardFor(vbid)
	v := shard.VBucket(vbid)
	if v == nil {
		v = vbucket.New(vbid, state, b.newVBucketConfig(nil), b.stats, nil)
		v.SetNotifiers(shard.Flusher.Notify, shard.BGFetcher.NotifyBGEvent)
		v.SetBucketCreation(true)
		shard.setVBucket(v)
		metrics.VBucketsTotal.WithLabelValues(string(state)).Inc()
		// Get the file and state record onto disk.
		shard.Flusher.Notify(vbid)
		b.events.Publish(&events.Event{Type: events.EventVBucketStateChanged, VB: vbid, Message: string(state)})
		b.logger.Info().Uint16("vb", uint16(vbid)).Str("state", string(state)).Msg("VBucket created")
		return types.StatusSuccess
	}

	old := v.State()
	st := v.SetState(state, transfer)
	if st == types.StatusSuccess && old != state {
		metrics.VBucketsTotal.WithLabelValues(string(old)).Dec()
		metrics.VBucketsTotal.WithLabelValues(string(state)).Inc()
		b.events.Publish(&events.Event{Type: events.EventVBucketStateChanged, VB: vbid, Message: string(state)})
	}
	return st
}

// GetVBucketState reports a vbucket's state.
func (b *Bucket) GetVBucketState(vbid types.VBucketID) (types.VBState, types.Status) {
	v := b.getVB(vbid)
	if v == nil {
		return "", types.StatusNotMyVBucket
	}
	return v.State(), types.StatusSuccess
}

// DeleteVBucket tears a vbucket down: outstanding cookies complete with
// NotMyVBucket, the slot is freed and the on-disk file removed.
func (b *Bucket) DeleteVBucket(vbid types.VBucketID) types.Status {
	shard := b.shardFor(vbid)
	v := shard.VBucket(vbid)
	if v == nil {
		return types.StatusNotMyVBucket
	}

	old := v.State()
	v.SetState(types.VBDead, false)
	v.NotifyAllPendingWith(types.StatusNotMyVBucket)
	shard.removeVBucket(vbid)
	metrics.VBucketsTotal.WithLabelValues(string(old)).Dec()

	if err := shard.KV.DelVBucket(vbid); err != nil {
		b.logger.Error().Err(err).Uint16("vb", uint16(vbid)).Msg("Failed to delete vbucket file")
		return types.StatusTempFailure
	}
	b.events.Publish(&events.Event{Type: events.EventVBucketDeleted, VB: vbid})
	return types.StatusSuccess
}

// CompactVBucket drives on-disk compaction for one vbucket.
func (b *Bucket) CompactVBucket(vbid types.VBucketID, purgeBefore uint64, dropDeletes bool) (*kvstore.CompactionResult, types.Status) {
	v := b.getVB(vbid)
	if v == nil {
		return nil, types.StatusNotMyVBucket
	}
	res, err := v.Compact(b.shardFor(vbid).KV, purgeBefore, dropDeletes)
	if err != nil {
		b.logger.Error().Err(err).Uint16("vb", uint16(vbid)).Msg("Compaction failed")
		return nil, types.StatusTempFailure
	}
	b.events.Publish(&events.Event{
		Type: events.EventCompactionComplete,
		VB:   vbid,
		Message: fmt.Sprintf("purged %d tombstones up to seqno %d",
			res.TombstonesPurged, res.PurgedUpTo),
	})
	return res, types.StatusSuccess
}
