package vbucket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/burrow/pkg/bloom"
	"github.com/cuemby/burrow/pkg/checkpoint"
	"github.com/cuemby/burrow/pkg/cookie"
	"github.com/cuemby/burrow/pkg/failover"
	"github.com/cuemby/burrow/pkg/hashtable"
	"github.com/cuemby/burrow/pkg/hlc"
	"github.com/cuemby/burrow/pkg/kvstore"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/stats"
	"github.com/cuemby/burrow/pkg/types"
)

// Config parameterizes a VBucket.
type Config struct {
	HTSize  int
	HTLocks int
	Policy  types.EvictionPolicy

	MaxCheckpointItems int

	GetlDefaultTimeout time.Duration
	GetlMaxTimeout     time.Duration

	BloomEnabled bool
	BloomFPProb  float64

	DriftAheadThreshold  time.Duration
	DriftBehindThreshold time.Duration

	// MemUsed and MaxMem wire the bucket-wide memory accounting into the
	// hash table.
	MemUsed *stats.Counter
	MaxMem  int64

	// Restored state (zero for a fresh vbucket).
	InitialHighSeqno  uint64
	InitialPurgeSeqno uint64
	InitialMaxCAS     uint64
	InitialSnapStart  uint64
	InitialSnapEnd    uint64
}

// BGFetchReq aggregates the waiters for one key's background fetch.
type BGFetchReq struct {
	Cookies  []cookie.Cookie
	MetaOnly bool
	Start    time.Time
}

// VBucket is the unit of ownership: one hash table, one checkpoint
// manager, one bloom filter, one failover table, seqno counters and the
// HLC producing CAS values. A dead vbucket refuses every data operation.
type VBucket struct {
	ID types.VBucketID

	stateMu sync.RWMutex
	state   types.VBState

	ht       *hashtable.HashTable
	ckpt     *checkpoint.Manager
	filter   *bloom.Filter
	failover *failover.Table
	clock    *hlc.HLC

	// seqMu serializes seqno allocation with the checkpoint append so the
	// persistence cursor observes mutations in bySeqno order.
	seqMu     sync.Mutex
	highSeqno atomic.Uint64

	purgeSeqno         atomic.Uint64
	lastPersistedSeqno atomic.Uint64
	persistedSnapStart atomic.Uint64
	persistedSnapEnd   atomic.Uint64
	maxDeletedRevSeqno atomic.Uint64

	bgMu    sync.Mutex
	bgQueue map[string]*BGFetchReq

	pendingMu  sync.Mutex
	pendingOps []cookie.Cookie

	// creation is set while the on-disk file has not been written yet.
	creation atomic.Bool

	// stateChanged flags that the persisted state record is stale.
	stateChanged atomic.Bool

	policy      types.EvictionPolicy
	getlDefault time.Duration
	getlMax     time.Duration

	notifyBG    func(types.VBucketID)
	notifyFlush func(types.VBucketID)

	stats  *stats.EngineStats
	logger zerolog.Logger
	now    func() time.Time
}

// New creates a vbucket in the given state. ft may be nil for a fresh
// lineage.
func New(id types.VBucketID, state types.VBState, cfg Config, st *stats.EngineStats, ft *failover.Table) *VBucket {
	if st == nil {
		st = stats.New()
	}
	if ft == nil {
		ft = failover.New()
	}
	getlDefault := cfg.GetlDefaultTimeout
	if getlDefault <= 0 {
		getlDefault = 15 * time.Second
	}
	getlMax := cfg.GetlMaxTimeout
	if getlMax < getlDefault {
		getlMax = 2 * getlDefault
	}
	v := &VBucket{
		ID:    id,
		state: state,
		ht: hashtable.New(hashtable.Config{
			InitialSize: cfg.HTSize,
			NumLocks:    cfg.HTLocks,
			Policy:      cfg.Policy,
			MemUsed:     cfg.MemUsed,
			MaxMem:      cfg.MaxMem,
		}),
		ckpt:        checkpoint.NewManager(id, cfg.InitialHighSeqno, cfg.MaxCheckpointItems),
		filter:      bloom.New(0, bloomFPOrDefault(cfg.BloomFPProb), cfg.BloomEnabled),
		failover:    ft,
		clock:       hlc.New(cfg.InitialMaxCAS, cfg.DriftAheadThreshold, cfg.DriftBehindThreshold),
		bgQueue:     make(map[string]*BGFetchReq),
		policy:      cfg.Policy,
		getlDefault: getlDefault,
		getlMax:     getlMax,
		stats:       st,
		logger:      log.WithVBucket("vbucket", uint16(id)),
		now:         time.Now,
	}
	v.highSeqno.Store(cfg.InitialHighSeqno)
	v.purgeSeqno.Store(cfg.InitialPurgeSeqno)
	v.lastPersistedSeqno.Store(cfg.InitialHighSeqno)
	v.persistedSnapStart.Store(cfg.InitialSnapStart)
	v.persistedSnapEnd.Store(cfg.InitialSnapEnd)
	return v
}

func bloomFPOrDefault(p float64) float64 {
	if p <= 0 || p >= 1 {
		return 0.01
	}
	return p
}

// State returns the current replication state.
func (v *VBucket) State() types.VBState {
	v.stateMu.RLock()
	defer v.stateMu.RUnlock()
	return v.state
}

// SetState performs a state transition. Transitions to active push a new
// failover entry unless transfer is set (graceful takeover keeps the
// lineage). Transition to dead completes every parked cookie with
// NotMyVBucket.
func (v *VBucket) SetState(newState types.VBState, transfer bool) types.Status {
	v.stateMu.Lock()
	old := v.state
	if !old.CanTransition(newState) {
		v.stateMu.Unlock()
		return types.StatusInvalidArgument
	}
	v.state = newState
	v.stateMu.Unlock()

	if newState == types.VBActive && old != types.VBActive && !transfer {
		e := v.failover.CreateEntry(v.highSeqno.Load())
		v.logger.Info().Uint64("vb_uuid", e.UUID).Uint64("high_seqno", e.Seqno).
			Msg("New failover entry on activation")
	}

	switch {
	case old == types.VBPending && newState == types.VBActive:
		v.notifyPendingOps(types.StatusSuccess)
	case newState == types.VBDead:
		v.notifyPendingOps(types.StatusNotMyVBucket)
		v.notifyAllBGFetches(types.StatusNotMyVBucket)
	}

	v.stateChanged.Store(true)
	if v.notifyFlush != nil {
		v.notifyFlush(v.ID)
	}
	v.logger.Info().Str("from", string(old)).Str("to", string(newState)).Msg("VBucket state changed")
	return types.StatusSuccess
}

// MarkStateChanged flags the persisted state record as stale.
func (v *VBucket) MarkStateChanged() { v.stateChanged.Store(true) }

// TakeStateChanged consumes the stale-state flag.
func (v *VBucket) TakeStateChanged() bool { return v.stateChanged.Swap(false) }

// gate admits the operation under the current state. Writes and reads are
// served by active vbuckets only; pending parks the cookie for later
// notification.
func (v *VBucket) gate(c cookie.Cookie) types.Status {
	switch v.State() {
	case types.VBActive:
		return types.StatusSuccess
	case types.VBPending:
		if c != nil {
			v.addPendingOp(c)
		}
		return types.StatusWouldBlock
	default:
		return types.StatusNotMyVBucket
	}
}

func (v *VBucket) addPendingOp(c cookie.Cookie) {
	v.pendingMu.Lock()
	defer v.pendingMu.Unlock()
	v.pendingOps = append(v.pendingOps, c)
}

func (v *VBucket) notifyPendingOps(status types.Status) {
	v.pendingMu.Lock()
	ops := v.pendingOps
	v.pendingOps = nil
	v.pendingMu.Unlock()
	for _, c := range ops {
		c.NotifyIOComplete(status)
	}
}

// SetNotifiers wires the shard's flusher and bgfetcher wakeups.
func (v *VBucket) SetNotifiers(flush, bgFetch func(types.VBucketID)) {
	v.notifyFlush = flush
	v.notifyBG = bgFetch
}

// HighSeqno returns the seqno of the most recent mutation.
func (v *VBucket) HighSeqno() uint64 { return v.highSeqno.Load() }

// PurgeSeqno returns the highest seqno removed by compaction.
func (v *VBucket) PurgeSeqno() uint64 { return v.purgeSeqno.Load() }

// LastPersistedSeqno returns the persistence high-water mark.
func (v *VBucket) LastPersistedSeqno() uint64 { return v.lastPersistedSeqno.Load() }

// HashTable exposes the vbucket's index to pagers and stats.
func (v *VBucket) HashTable() *hashtable.HashTable { return v.ht }

// Checkpoints exposes the checkpoint manager to the flusher.
func (v *VBucket) Checkpoints() *checkpoint.Manager { return v.ckpt }

// Failover exposes the failover table.
func (v *VBucket) Failover() *failover.Table { return v.failover }

// Filter exposes the bloom filter.
func (v *VBucket) Filter() *bloom.Filter { return v.filter }

// MaxCAS returns the HLC's current maximum.
func (v *VBucket) MaxCAS() uint64 { return v.clock.MaxCAS() }

// DriftCounters returns the HLC ahead/behind exception counts.
func (v *VBucket) DriftCounters() (ahead, behind int64) {
	return v.clock.DriftAhead.Load(), v.clock.DriftBehind.Load()
}

// IsBucketCreation reports whether the on-disk file is still pending
// creation.
func (v *VBucket) IsBucketCreation() bool { return v.creation.Load() }

// SetBucketCreation flags the vbucket's file lifecycle.
func (v *VBucket) SetBucketCreation(pending bool) { v.creation.Store(pending) }

// assignSeqnoAndQueue stamps the item with the next bySeqno (and a fresh
// HLC CAS unless the caller preserves incoming meta), appends it to the
// open checkpoint and marks the disk queue.
func (v *VBucket) assignSeqnoAndQueue(itm *types.Item, op checkpoint.Op, preserveCAS bool) {
	v.seqMu.Lock()
	if !preserveCAS {
		itm.CAS = v.clock.NextCAS()
	}
	itm.BySeqno = v.highSeqno.Add(1)
	fresh := v.ckpt.QueueDirty(itm, op)
	v.seqMu.Unlock()

	if fresh {
		// A superseded entry keeps its queue slot; the count covers the
		// entries the persistence cursor will actually drain.
		v.stats.DiskQueueSize.Inc()
	}
	v.filter.Add(itm.Key)
	if itm.Deleted {
		for {
			cur := v.maxDeletedRevSeqno.Load()
			if itm.RevSeqno <= cur || v.maxDeletedRevSeqno.CompareAndSwap(cur, itm.RevSeqno) {
				break
			}
		}
	}
	if v.notifyFlush != nil {
		v.notifyFlush(v.ID)
	}
}

// StateRecord snapshots the persistent vbucket state.
func (v *VBucket) StateRecord() *kvstore.StateRecord {
	return &kvstore.StateRecord{
		State:           v.State(),
		CheckpointID:    v.ckpt.OpenCheckpointID(),
		MaxDeletedSeqno: v.maxDeletedRevSeqno.Load(),
		HighSeqno:       v.highSeqno.Load(),
		PurgeSeqno:      v.purgeSeqno.Load(),
		SnapStart:       v.persistedSnapStart.Load(),
		SnapEnd:         v.persistedSnapEnd.Load(),
		MaxCAS:          v.clock.MaxCAS(),
		FailoverTable:   v.failover.Entries(),
	}
}

// SetLastPersisted records a committed snapshot range.
func (v *VBucket) SetLastPersisted(seqno, snapStart, snapEnd uint64) {
	for {
		cur := v.lastPersistedSeqno.Load()
		if seqno <= cur || v.lastPersistedSeqno.CompareAndSwap(cur, seqno) {
			break
		}
	}
	v.persistedSnapStart.Store(snapStart)
	v.persistedSnapEnd.Store(snapEnd)
}

// PersistenceCallback settles one flushed entry: the stored value is
// marked clean, or unlinked entirely for persisted deletions.
func (v *VBucket) PersistenceCallback(e checkpoint.Entry) {
	v.stats.DiskQueueSize.Dec()
	if e.Item == nil {
		return
	}
	v.ht.WithKeyLock(e.Item.Key, func(lk hashtable.KeyLock) {
		sv := lk.Find(true, false)
		if sv == nil || sv.Temp || sv.BySeqno != e.BySeqno {
			// A newer mutation owns the stored value now.
			return
		}
		if e.Op == checkpoint.OpDeletion {
			// The tombstone is safe on disk; drop the in-memory copy.
			lk.Release(sv)
			return
		}
		sv.MarkClean()
	})
}

// RestoreFromDisk loads a warmed-up item into the hash table without
// dirtying it. Used only by warmup.
func (v *VBucket) RestoreFromDisk(itm *types.Item, withValue bool) bool {
	if itm.Deleted {
		return false
	}
	ok := true
	v.ht.WithKeyLock(itm.Key, func(lk hashtable.KeyLock) {
		if sv := lk.Find(true, false); sv != nil {
			if !sv.Resident && withValue && !sv.Dirty {
				lk.RestoreValue(sv, itm)
			}
			return
		}
		if sv := lk.Insert(itm, withValue); sv == nil {
			ok = false
		} else {
			sv.MarkClean()
		}
	})
	return ok
}

// NotifyAllPendingWith completes every parked cookie; used when the
// vbucket is deleted out from under them.
func (v *VBucket) NotifyAllPendingWith(status types.Status) {
	v.notifyPendingOps(status)
	v.notifyAllBGFetches(status)
}

func (v *VBucket) notifyAllBGFetches(status types.Status) {
	v.bgMu.Lock()
	queue := v.bgQueue
	v.bgQueue = make(map[string]*BGFetchReq)
	v.bgMu.Unlock()
	for _, req := range queue {
		for _, c := range req.Cookies {
			c.NotifyIOComplete(status)
		}
		v.stats.BGFetchWaiting.Dec()
	}
}

// queueBGFetch registers a cookie for a background fetch of key. Must be
// called with the key's stripe held so the temp placeholder and the queue
// entry stay consistent.
func (v *VBucket) queueBGFetch(key string, c cookie.Cookie, metaOnly bool) {
	v.bgMu.Lock()
	req, ok := v.bgQueue[key]
	if !ok {
		req = &BGFetchReq{MetaOnly: metaOnly, Start: v.now()}
		v.bgQueue[key] = req
		v.stats.BGFetchWaiting.Inc()
	}
	if !metaOnly {
		// A value fetch satisfies meta waiters too.
		req.MetaOnly = false
	}
	if c != nil {
		req.Cookies = append(req.Cookies, c)
	}
	v.bgMu.Unlock()

	if v.notifyBG != nil {
		v.notifyBG(v.ID)
	}
}

// RequeueBGFetch puts a taken fetch request back after a failed getMulti
// so its cookies are completed on a later pass.
func (v *VBucket) RequeueBGFetch(key string, req *BGFetchReq) {
	v.bgMu.Lock()
	defer v.bgMu.Unlock()
	if existing, ok := v.bgQueue[key]; ok {
		existing.Cookies = append(existing.Cookies, req.Cookies...)
		if !req.MetaOnly {
			existing.MetaOnly = false
		}
		return
	}
	// The waiting counter still covers this request; it is only settled
	// by completion or vbucket teardown.
	v.bgQueue[key] = req
}

// TakeBGFetchQueue snapshots and clears the outstanding fetches.
func (v *VBucket) TakeBGFetchQueue() map[string]*BGFetchReq {
	v.bgMu.Lock()
	defer v.bgMu.Unlock()
	q := v.bgQueue
	v.bgQueue = make(map[string]*BGFetchReq)
	return q
}

// HasPendingBGFetches reports whether fetches are queued.
func (v *VBucket) HasPendingBGFetches() bool {
	v.bgMu.Lock()
	defer v.bgMu.Unlock()
	return len(v.bgQueue) > 0
}

// CompleteBGFetch restores a fetched item into the hash table and wakes
// the waiting cookies.
func (v *VBucket) CompleteBGFetch(key string, req *BGFetchReq, ctx *kvstore.FetchCtx) {
	v.ht.WithKeyLock(key, func(lk hashtable.KeyLock) {
		sv := lk.Find(true, false)
		if sv == nil {
			return
		}
		switch {
		case sv.Temp:
			if ctx.Status == types.StatusSuccess && ctx.Item != nil {
				if req.MetaOnly {
					lk.RestoreMeta(sv, ctx.Item)
					v.stats.BGMetaFetched.Inc()
				} else {
					lk.RestoreValue(sv, ctx.Item)
					v.stats.BGFetched.Inc()
				}
			} else {
				// Confirmed absent; leave a one-shot marker the next
				// access resolves to KeyNotFound.
				sv.Deleted = true
			}
		case !sv.Resident && !sv.Dirty:
			if ctx.Status == types.StatusSuccess && ctx.Item != nil && !req.MetaOnly {
				lk.RestoreValue(sv, ctx.Item)
				v.stats.BGFetched.Inc()
			}
		}
	})

	v.stats.BGFetchWaiting.Dec()
	for _, c := range req.Cookies {
		c.NotifyIOComplete(types.StatusSuccess)
	}
}
