package vbucket

import (
	"time"

	"github.com/cuemby/burrow/pkg/checkpoint"
	"github.com/cuemby/burrow/pkg/cookie"
	"github.com/cuemby/burrow/pkg/hashtable"
	"github.com/cuemby/burrow/pkg/stats"
	"github.com/cuemby/burrow/pkg/types"
)

// GetResult carries a read outcome.
type GetResult struct {
	Status types.Status
	Item   *types.Item
}

// expireLocked runs the deletion pipeline for an expired stored value and
// charges the right expiry counters. Caller holds the key's stripe.
func (v *VBucket) expireLocked(lk hashtable.KeyLock, sv *hashtable.StoredValue, src stats.ExpirySource) {
	tomb := &types.Item{
		Key:      sv.Key,
		VB:       v.ID,
		RevSeqno: sv.RevSeqno + 1,
		Deleted:  true,
	}
	v.assignSeqnoAndQueue(tomb, checkpoint.OpDeletion, false)
	lk.SoftDelete(sv)
	sv.CAS = tomb.CAS
	sv.RevSeqno = tomb.RevSeqno
	sv.BySeqno = tomb.BySeqno
	sv.MarkDirty()

	v.stats.ExpiredBy(src)
	switch v.State() {
	case types.VBActive:
		v.stats.ActiveExpired.Inc()
	case types.VBReplica:
		v.stats.ReplicaExpired.Inc()
	case types.VBPending:
		v.stats.PendingExpired.Inc()
	}
}

// tempMetaKnown reports whether a temp placeholder already carries
// fetched metadata (CAS is only ever non-zero after a restore).
func tempMetaKnown(sv *hashtable.StoredValue) bool { return sv.CAS != 0 }

// Get reads a key. Non-resident values schedule a background fetch and
// park the cookie; under full eviction the bloom filter short-circuits
// known-absent keys.
func (v *VBucket) Get(key string, c cookie.Cookie, trackRef bool) GetResult {
	if st := v.gate(c); st != types.StatusSuccess {
		return GetResult{Status: st}
	}

	res := GetResult{Status: types.StatusKeyNotFound}
	v.ht.WithKeyLock(key, func(lk hashtable.KeyLock) {
		sv := lk.Find(true, trackRef)
		now := v.now()
		switch {
		case sv == nil:
			if v.policy == types.FullEviction {
				if !v.filter.MaybeContains(key) {
					v.stats.BloomRejects.Inc()
					return
				}
				if tmp := lk.InsertTemp(); tmp != nil {
					v.queueBGFetch(key, c, false)
					res.Status = types.StatusWouldBlock
				} else {
					v.stats.TmpOOMErrors.Inc()
					res.Status = types.StatusTempFailure
				}
			}
		case sv.Temp:
			if sv.Deleted && !tempMetaKnown(sv) {
				// One-shot confirmed-absent marker.
				lk.Release(sv)
				return
			}
			if sv.Deleted {
				return
			}
			if tempMetaKnown(sv) && !sv.Resident {
				v.queueBGFetch(key, c, false)
				res.Status = types.StatusWouldBlock
				return
			}
			v.queueBGFetch(key, c, false)
			res.Status = types.StatusWouldBlock
		case sv.Deleted:
			// Tombstone still in memory.
		case sv.IsExpired(now):
			v.expireLocked(lk, sv, stats.ExpiredByAccess)
		case !sv.Resident:
			v.queueBGFetch(key, c, false)
			res.Status = types.StatusWouldBlock
		default:
			res.Status = types.StatusSuccess
			res.Item = sv.ToItem(v.ID)
		}
	})
	return res
}

// mutationOutcome is shared by the write paths.
type mutationOutcome struct {
	status types.Status
	cas    uint64
	seqno  uint64
}

// Set stores the item, honoring an expected cas when non-zero.
func (v *VBucket) Set(itm *types.Item, cas uint64, c cookie.Cookie) (uint64, types.Status) {
	if st := v.gate(c); st != types.StatusSuccess {
		return 0, st
	}

	out := mutationOutcome{status: types.StatusSuccess}
	v.ht.WithKeyLock(itm.Key, func(lk hashtable.KeyLock) {
		sv := lk.Find(true, false)
		now := v.now()

		if sv != nil && !sv.Temp && !sv.Deleted && sv.IsExpired(now) {
			v.expireLocked(lk, sv, stats.ExpiredByAccess)
			if cas != 0 {
				out.status = types.StatusKeyNotFound
				return
			}
			sv = lk.Find(true, false)
		}

		if sv != nil && sv.Temp {
			if cas != 0 && !tempMetaKnown(sv) {
				v.queueBGFetch(itm.Key, c, true)
				out.status = types.StatusWouldBlock
				return
			}
			if cas != 0 && tempMetaKnown(sv) && cas != sv.CAS {
				out.status = types.StatusKeyExists
				return
			}
		}

		alive := sv != nil && !sv.Deleted && !(sv.Temp && !tempMetaKnown(sv))
		if sv != nil && sv.Temp && sv.Deleted {
			alive = false
		}

		if sv != nil && !sv.Temp && sv.IsLocked(now) {
			if cas == 0 || cas != sv.CAS {
				out.status = types.StatusLocked
				return
			}
		}

		if cas != 0 {
			if sv == nil || !alive {
				if v.policy == types.FullEviction && sv == nil && v.filter.MaybeContains(itm.Key) {
					if tmp := lk.InsertTemp(); tmp != nil {
						v.queueBGFetch(itm.Key, c, true)
						out.status = types.StatusWouldBlock
					} else {
						v.stats.TmpOOMErrors.Inc()
						out.status = types.StatusTempFailure
					}
					return
				}
				out.status = types.StatusKeyNotFound
				return
			}
			if !sv.Temp && cas != sv.CAS {
				out.status = types.StatusKeyExists
				return
			}
		}

		newItm := &types.Item{
			Key:      itm.Key,
			VB:       v.ID,
			Value:    itm.Value,
			Flags:    itm.Flags,
			Expiry:   itm.Expiry,
			Datatype: itm.Datatype,
			RevSeqno: 1,
		}
		if sv != nil && (alive || sv.Deleted) {
			newItm.RevSeqno = sv.RevSeqno + 1
		}

		if sv == nil {
			if !v.ht.HasMemoryFor(newItm.Size()) {
				out.status = types.StatusNoMemory
				return
			}
			v.assignSeqnoAndQueue(newItm, checkpoint.OpMutation, false)
			nsv := lk.Insert(newItm, true)
			if nsv == nil {
				out.status = types.StatusNoMemory
				return
			}
			nsv.MarkDirty()
		} else {
			v.assignSeqnoAndQueue(newItm, checkpoint.OpMutation, false)
			lk.Apply(sv, newItm)
			sv.MarkDirty()
		}
		out.cas = newItm.CAS
		out.seqno = newItm.BySeqno
	})
	return out.cas, out.status
}

// Add stores the item only if the key is absent. A tombstone still in the
// table is revived (UnDel) with its revision advanced.
func (v *VBucket) Add(itm *types.Item, c cookie.Cookie) (uint64, types.Status) {
	if st := v.gate(c); st != types.StatusSuccess {
		return 0, st
	}

	out := mutationOutcome{status: types.StatusSuccess}
	v.ht.WithKeyLock(itm.Key, func(lk hashtable.KeyLock) {
		sv := lk.Find(true, false)
		now := v.now()

		if sv != nil && !sv.Temp && !sv.Deleted && sv.IsExpired(now) {
			v.expireLocked(lk, sv, stats.ExpiredByAccess)
		}

		switch {
		case sv != nil && sv.Temp && !tempMetaKnown(sv) && !sv.Deleted:
			v.queueBGFetch(itm.Key, c, true)
			out.status = types.StatusWouldBlock
			return
		case sv != nil && !sv.Temp && !sv.Deleted && !sv.IsExpired(now):
			out.status = types.StatusKeyExists
			return
		case sv == nil && v.policy == types.FullEviction && v.filter.MaybeContains(itm.Key):
			if tmp := lk.InsertTemp(); tmp != nil {
				v.queueBGFetch(itm.Key, c, true)
				out.status = types.StatusWouldBlock
			} else {
				v.stats.TmpOOMErrors.Inc()
				out.status = types.StatusTempFailure
			}
			return
		}

		newItm := &types.Item{
			Key:      itm.Key,
			VB:       v.ID,
			Value:    itm.Value,
			Flags:    itm.Flags,
			Expiry:   itm.Expiry,
			Datatype: itm.Datatype,
			RevSeqno: 1,
		}
		if sv != nil {
			newItm.RevSeqno = sv.RevSeqno + 1
		}

		if sv == nil {
			if !v.ht.HasMemoryFor(newItm.Size()) {
				out.status = types.StatusNoMemory
				return
			}
			v.assignSeqnoAndQueue(newItm, checkpoint.OpMutation, false)
			nsv := lk.Insert(newItm, true)
			if nsv == nil {
				out.status = types.StatusNoMemory
				return
			}
			nsv.MarkDirty()
		} else {
			v.assignSeqnoAndQueue(newItm, checkpoint.OpMutation, false)
			lk.Apply(sv, newItm)
			sv.MarkDirty()
		}
		out.cas = newItm.CAS
	})
	return out.cas, out.status
}

// Replace stores the item only if the key already exists.
func (v *VBucket) Replace(itm *types.Item, cas uint64, c cookie.Cookie) (uint64, types.Status) {
	if st := v.gate(c); st != types.StatusSuccess {
		return 0, st
	}

	exists := false
	wouldBlock := false
	v.ht.WithKeyLock(itm.Key, func(lk hashtable.KeyLock) {
		sv := lk.Find(false, false)
		switch {
		case sv != nil && sv.Temp && !tempMetaKnown(sv):
			v.queueBGFetch(itm.Key, c, true)
			wouldBlock = true
		case sv != nil && !sv.Temp && !sv.IsExpired(v.now()):
			exists = true
		case sv == nil && v.policy == types.FullEviction && v.filter.MaybeContains(itm.Key):
			if tmp := lk.InsertTemp(); tmp != nil {
				v.queueBGFetch(itm.Key, c, true)
				wouldBlock = true
			}
		}
	})
	if wouldBlock {
		return 0, types.StatusWouldBlock
	}
	if !exists {
		return 0, types.StatusKeyNotFound
	}
	return v.Set(itm, cas, c)
}

// Delete removes the key, honoring an expected cas when non-zero.
func (v *VBucket) Delete(key string, cas uint64, c cookie.Cookie) (uint64, types.Status) {
	if st := v.gate(c); st != types.StatusSuccess {
		return 0, st
	}

	out := mutationOutcome{status: types.StatusSuccess}
	v.ht.WithKeyLock(key, func(lk hashtable.KeyLock) {
		sv := lk.Find(true, false)
		now := v.now()

		switch {
		case sv == nil:
			if v.policy == types.FullEviction && v.filter.MaybeContains(key) {
				if tmp := lk.InsertTemp(); tmp != nil {
					v.queueBGFetch(key, c, true)
					out.status = types.StatusWouldBlock
				} else {
					v.stats.TmpOOMErrors.Inc()
					out.status = types.StatusTempFailure
				}
				return
			}
			out.status = types.StatusKeyNotFound
			return
		case sv.Temp && !tempMetaKnown(sv):
			if sv.Deleted {
				lk.Release(sv)
				out.status = types.StatusKeyNotFound
				return
			}
			v.queueBGFetch(key, c, true)
			out.status = types.StatusWouldBlock
			return
		case sv.Deleted:
			out.status = types.StatusKeyNotFound
			return
		case sv.IsExpired(now):
			v.expireLocked(lk, sv, stats.ExpiredByAccess)
			out.status = types.StatusKeyNotFound
			return
		case sv.IsLocked(now) && (cas == 0 || cas != sv.CAS):
			out.status = types.StatusLocked
			return
		case cas != 0 && cas != sv.CAS:
			out.status = types.StatusKeyExists
			return
		}

		tomb := &types.Item{
			Key:      key,
			VB:       v.ID,
			RevSeqno: sv.RevSeqno + 1,
			Deleted:  true,
		}
		v.assignSeqnoAndQueue(tomb, checkpoint.OpDeletion, false)
		if sv.Temp {
			lk.Apply(sv, tomb)
		} else {
			lk.SoftDelete(sv)
			sv.CAS = tomb.CAS
			sv.RevSeqno = tomb.RevSeqno
			sv.BySeqno = tomb.BySeqno
		}
		sv.MarkDirty()
		out.cas = tomb.CAS
	})
	return out.cas, out.status
}

// GetAndTouch reads the key and resets its expiration in one mutation.
func (v *VBucket) GetAndTouch(key string, newExpiry uint32, c cookie.Cookie) GetResult {
	res := v.Get(key, c, true)
	if res.Status != types.StatusSuccess {
		return res
	}

	touched := *res.Item
	touched.Expiry = newExpiry
	cas, st := v.Set(&touched, res.Item.CAS, c)
	if st != types.StatusSuccess {
		return GetResult{Status: st}
	}
	touched.CAS = cas
	return GetResult{Status: types.StatusSuccess, Item: &touched}
}

// GetLocked reads the key and places a lock-until timestamp on it. While
// locked, mutations without the lock holder's cas fail with Locked.
func (v *VBucket) GetLocked(key string, lockTimeout time.Duration, c cookie.Cookie) GetResult {
	if st := v.gate(c); st != types.StatusSuccess {
		return GetResult{Status: st}
	}
	if lockTimeout <= 0 || lockTimeout > v.getlMax {
		lockTimeout = v.getlDefault
	}

	res := GetResult{Status: types.StatusKeyNotFound}
	v.ht.WithKeyLock(key, func(lk hashtable.KeyLock) {
		sv := lk.Find(false, true)
		now := v.now()
		switch {
		case sv == nil:
			if v.policy == types.FullEviction && v.filter.MaybeContains(key) {
				if tmp := lk.InsertTemp(); tmp != nil {
					v.queueBGFetch(key, c, false)
					res.Status = types.StatusWouldBlock
				}
			}
		case sv.Temp:
			v.queueBGFetch(key, c, false)
			res.Status = types.StatusWouldBlock
		case sv.IsExpired(now):
			v.expireLocked(lk, sv, stats.ExpiredByAccess)
		case sv.IsLocked(now):
			res.Status = types.StatusLocked
		case !sv.Resident:
			v.queueBGFetch(key, c, false)
			res.Status = types.StatusWouldBlock
		default:
			sv.LockExpiry = now.Add(lockTimeout)
			sv.CAS = v.clock.NextCAS()
			res.Status = types.StatusSuccess
			res.Item = sv.ToItem(v.ID)
		}
	})
	return res
}

// Unlock releases a GETL lock when cas matches the lock holder's.
func (v *VBucket) Unlock(key string, cas uint64, c cookie.Cookie) types.Status {
	if st := v.gate(c); st != types.StatusSuccess {
		return st
	}

	status := types.StatusKeyNotFound
	v.ht.WithKeyLock(key, func(lk hashtable.KeyLock) {
		sv := lk.Find(false, false)
		now := v.now()
		switch {
		case sv == nil || sv.Temp:
		case !sv.IsLocked(now):
			status = types.StatusTempFailure
		case cas != sv.CAS:
			status = types.StatusLocked
		default:
			sv.LockExpiry = time.Time{}
			status = types.StatusSuccess
		}
	})
	return status
}

// MetaResult carries a GetMeta outcome.
type MetaResult struct {
	Status   types.Status
	Meta     types.ItemMeta
	Deleted  bool
	Datatype types.Datatype
}

// GetMeta returns the key's conflict-resolution metadata, fetching it
// from disk under full eviction when the bloom filter cannot rule the key
// out.
func (v *VBucket) GetMeta(key string, c cookie.Cookie) MetaResult {
	if st := v.gate(c); st != types.StatusSuccess {
		return MetaResult{Status: st}
	}

	res := MetaResult{Status: types.StatusKeyNotFound}
	v.ht.WithKeyLock(key, func(lk hashtable.KeyLock) {
		sv := lk.Find(true, false)
		switch {
		case sv == nil:
			if v.policy == types.FullEviction && v.filter.MaybeContains(key) {
				if tmp := lk.InsertTemp(); tmp != nil {
					v.queueBGFetch(key, c, true)
					res.Status = types.StatusWouldBlock
				} else {
					v.stats.TmpOOMErrors.Inc()
					res.Status = types.StatusTempFailure
				}
			}
		case sv.Temp && !tempMetaKnown(sv):
			if sv.Deleted {
				lk.Release(sv)
				return
			}
			v.queueBGFetch(key, c, true)
			res.Status = types.StatusWouldBlock
		default:
			res.Status = types.StatusSuccess
			res.Meta = sv.Meta()
			res.Deleted = sv.Deleted
			res.Datatype = sv.Datatype
		}
	})
	return res
}

// SetWithMeta applies a mutation carrying external metadata, resolving
// conflicts against the stored revision unless force is set. A losing
// incoming mutation is acknowledged but skipped, reported as KeyExists,
// and does not advance the high seqno.
func (v *VBucket) SetWithMeta(itm *types.Item, force bool, c cookie.Cookie) types.Status {
	if st := v.gate(c); st != types.StatusSuccess {
		return st
	}

	status := types.StatusSuccess
	v.ht.WithKeyLock(itm.Key, func(lk hashtable.KeyLock) {
		sv := lk.Find(true, false)

		if sv == nil && v.policy == types.FullEviction && !force && v.filter.MaybeContains(itm.Key) {
			if tmp := lk.InsertTemp(); tmp != nil {
				v.queueBGFetch(itm.Key, c, true)
				status = types.StatusWouldBlock
			} else {
				v.stats.TmpOOMErrors.Inc()
				status = types.StatusTempFailure
			}
			return
		}

		if sv != nil && sv.Temp && !tempMetaKnown(sv) && !sv.Deleted {
			v.queueBGFetch(itm.Key, c, true)
			status = types.StatusWouldBlock
			return
		}

		if sv != nil && !force && !(sv.Temp && sv.Deleted && !tempMetaKnown(sv)) {
			if itm.Meta().Compare(sv.Meta()) <= 0 {
				// Local copy wins; accept but skip.
				status = types.StatusKeyExists
				return
			}
		}

		if sv != nil && !sv.Temp && sv.IsLocked(v.now()) {
			status = types.StatusLocked
			return
		}

		v.clock.ObserveCAS(itm.CAS)
		newItm := &types.Item{
			Key:      itm.Key,
			VB:       v.ID,
			Value:    itm.Value,
			CAS:      itm.CAS,
			RevSeqno: itm.RevSeqno,
			Flags:    itm.Flags,
			Expiry:   itm.Expiry,
			Datatype: itm.Datatype,
		}
		if sv == nil {
			if !v.ht.HasMemoryFor(newItm.Size()) {
				status = types.StatusNoMemory
				return
			}
			v.assignSeqnoAndQueue(newItm, checkpoint.OpMutation, true)
			nsv := lk.Insert(newItm, true)
			if nsv == nil {
				status = types.StatusNoMemory
				return
			}
			nsv.MarkDirty()
		} else {
			v.assignSeqnoAndQueue(newItm, checkpoint.OpMutation, true)
			lk.Apply(sv, newItm)
			sv.MarkDirty()
		}
	})
	return status
}

// DelWithMeta applies a deletion carrying external metadata under the
// same conflict resolution as SetWithMeta.
func (v *VBucket) DelWithMeta(key string, meta types.ItemMeta, force bool, c cookie.Cookie) types.Status {
	if st := v.gate(c); st != types.StatusSuccess {
		return st
	}

	status := types.StatusSuccess
	v.ht.WithKeyLock(key, func(lk hashtable.KeyLock) {
		sv := lk.Find(true, false)

		if sv == nil {
			if v.policy == types.FullEviction && !force && v.filter.MaybeContains(key) {
				if tmp := lk.InsertTemp(); tmp != nil {
					v.queueBGFetch(key, c, true)
					status = types.StatusWouldBlock
				} else {
					v.stats.TmpOOMErrors.Inc()
					status = types.StatusTempFailure
				}
				return
			}
			status = types.StatusKeyNotFound
			return
		}

		if sv.Temp && !tempMetaKnown(sv) {
			if sv.Deleted {
				lk.Release(sv)
				status = types.StatusKeyNotFound
				return
			}
			v.queueBGFetch(key, c, true)
			status = types.StatusWouldBlock
			return
		}

		if !force {
			incoming := types.ItemMeta{CAS: meta.CAS, RevSeqno: meta.RevSeqno, Flags: meta.Flags, Expiry: meta.Expiry}
			if incoming.Compare(sv.Meta()) <= 0 {
				status = types.StatusKeyExists
				return
			}
		}

		if !sv.Temp && sv.IsLocked(v.now()) {
			status = types.StatusLocked
			return
		}

		v.clock.ObserveCAS(meta.CAS)
		tomb := &types.Item{
			Key:      key,
			VB:       v.ID,
			CAS:      meta.CAS,
			RevSeqno: meta.RevSeqno,
			Flags:    meta.Flags,
			Expiry:   meta.Expiry,
			Deleted:  true,
		}
		v.assignSeqnoAndQueue(tomb, checkpoint.OpDeletion, true)
		if sv.Temp {
			lk.Apply(sv, tomb)
		} else {
			lk.SoftDelete(sv)
			sv.CAS = tomb.CAS
			sv.RevSeqno = tomb.RevSeqno
			sv.BySeqno = tomb.BySeqno
		}
		sv.MarkDirty()
	})
	return status
}

// DeleteExpired issues the deletion pipeline for an expired item found by
// the expiry pager or the compactor. For compactor finds under full
// eviction the item may be absent from memory; a tombstone is created
// from the on-disk metadata.
func (v *VBucket) DeleteExpired(itm *types.Item, src stats.ExpirySource) {
	if v.State() == types.VBDead {
		return
	}
	v.ht.WithKeyLock(itm.Key, func(lk hashtable.KeyLock) {
		sv := lk.Find(false, false)
		now := v.now()
		if sv != nil && !sv.Temp {
			if !sv.IsExpired(now) || sv.IsLocked(now) || sv.Deleted {
				return
			}
			v.expireLocked(lk, sv, src)
			return
		}
		if sv != nil {
			return
		}
		// Absent from memory (full eviction): synthesize the tombstone
		// from the disk copy's metadata.
		if v.policy != types.FullEviction || !itm.IsExpired(now) {
			return
		}
		tomb := &types.Item{
			Key:      itm.Key,
			VB:       v.ID,
			RevSeqno: itm.RevSeqno + 1,
			Deleted:  true,
		}
		v.assignSeqnoAndQueue(tomb, checkpoint.OpDeletion, false)
		if nsv := lk.Insert(tomb, true); nsv != nil {
			nsv.MarkDirty()
		}
		v.stats.ExpiredBy(src)
		switch v.State() {
		case types.VBActive:
			v.stats.ActiveExpired.Inc()
		case types.VBReplica:
			v.stats.ReplicaExpired.Inc()
		case types.VBPending:
			v.stats.PendingExpired.Inc()
		}
	})
}

// EvictKey explicitly ejects a clean resident value.
func (v *VBucket) EvictKey(key string) types.Status {
	status := types.StatusKeyNotFound
	v.ht.WithKeyLock(key, func(lk hashtable.KeyLock) {
		sv := lk.Find(false, false)
		if sv == nil || sv.Temp {
			return
		}
		if sv.Dirty {
			status = types.StatusTempFailure
			return
		}
		if v.ht.EjectLocked(lk, sv) {
			if v.policy == types.FullEviction {
				v.stats.NumFullEjects.Inc()
			} else {
				v.stats.NumValueEjects.Inc()
			}
			status = types.StatusSuccess
		} else {
			v.stats.NumEjectFails.Inc()
			status = types.StatusTempFailure
		}
	})
	return status
}

// RandomKey returns an arbitrary key that is neither deleted nor a temp
// placeholder. Residency and expiry are not checked.
func (v *VBucket) RandomKey(skip int) (string, bool) {
	found := ""
	n := 0
	v.ht.Visit(visitorFunc(func(lk hashtable.KeyLock, sv *hashtable.StoredValue) {
		if found != "" || sv.Deleted || sv.Temp {
			return
		}
		if n >= skip {
			found = sv.Key
		}
		n++
	}))
	return found, found != ""
}

// visitorFunc adapts a closure to hashtable.Visitor.
type visitorFunc func(lk hashtable.KeyLock, sv *hashtable.StoredValue)

func (f visitorFunc) Visit(lk hashtable.KeyLock, sv *hashtable.StoredValue) { f(lk, sv) }
