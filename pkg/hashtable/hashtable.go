package hashtable

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/cuemby/burrow/pkg/stats"
	"github.com/cuemby/burrow/pkg/types"
)

// MutationStatus is the outcome of HashTable.Set.
type MutationStatus int

const (
	WasClean MutationStatus = iota
	WasDirty
	NotFound
	InvalidCas
	IsLocked
	NoMem
	NeedBgFetch
)

// AddStatus is the outcome of HashTable.Add.
type AddStatus int

const (
	AddSuccess AddStatus = iota
	AddExists
	AddNoMem
	AddTmpAndBgFetch
	AddBgFetch
	AddUnDel
)

// growthFactor and shrinkFactor bound the load factor before the resizer
// steps in.
const (
	growthFactor = 3
	shrinkFactor = 4
)

// primeSizes are the bucket-array sizes a resize chooses from.
var primeSizes = []int{
	3, 769, 3079, 12289, 49157, 196613, 786433, 3145739, 12582917, 50331653,
}

// Config parameterizes a HashTable.
type Config struct {
	InitialSize int
	NumLocks    int
	Policy      types.EvictionPolicy
	// MemUsed is the bucket-wide memory counter; may be nil in tests.
	MemUsed *stats.Counter
	// MaxMem is the hard allocation ceiling; zero means unlimited.
	MaxMem int64
}

// HashTable is a lock-striped chained hash table of StoredValues. A stripe
// mutex guards the hash buckets whose index is congruent to it modulo the
// stripe count; resize takes every stripe.
type HashTable struct {
	policy  types.EvictionPolicy
	memUsed *stats.Counter
	maxMem  int64

	locks []sync.Mutex

	// size and buckets change only with all stripes held.
	size    atomic.Int64
	buckets []*StoredValue

	initialSize int

	NumItems            stats.Counter
	NumNonResidentItems stats.Counter
	NumDeletedItems     stats.Counter
	NumTempItems        stats.Counter
	NumTotalItems       stats.Counter
	MemSize             stats.Counter

	datatypeCounts [8]stats.Counter

	visitors atomic.Int64
}

// New creates a hash table.
func New(cfg Config) *HashTable {
	size := cfg.InitialSize
	if size <= 0 {
		size = primeSizes[2]
	}
	nlocks := cfg.NumLocks
	if nlocks <= 0 {
		nlocks = 16
	}
	if nlocks > size {
		nlocks = size
	}
	ht := &HashTable{
		policy:      cfg.Policy,
		memUsed:     cfg.MemUsed,
		maxMem:      cfg.MaxMem,
		locks:       make([]sync.Mutex, nlocks),
		buckets:     make([]*StoredValue, size),
		initialSize: size,
	}
	ht.size.Store(int64(size))
	return ht
}

// Size returns the current bucket-array size.
func (ht *HashTable) Size() int { return int(ht.size.Load()) }

// Policy returns the eviction policy the table was built with.
func (ht *HashTable) Policy() types.EvictionPolicy { return ht.policy }

func hashKey(key string) uint64 { return xxhash.Sum64String(key) }

// KeyLock is a held stripe lock scoped to one key. All methods must be
// called before Unlock via WithKeyLock's callback.
type KeyLock struct {
	ht     *HashTable
	key    string
	hash   uint64
	bucket int
	lock   int
}

// WithKeyLock runs fn with the stripe covering key held. The lock is
// released on every exit path, including panics.
func (ht *HashTable) WithKeyLock(key string, fn func(lk KeyLock)) {
	h := hashKey(key)
	for {
		size := ht.size.Load()
		bucket := int(h % uint64(size))
		lock := bucket % len(ht.locks)
		ht.locks[lock].Lock()
		if ht.size.Load() != size {
			// Raced a resize; the bucket index is stale.
			ht.locks[lock].Unlock()
			continue
		}
		func() {
			defer ht.locks[lock].Unlock()
			fn(KeyLock{ht: ht, key: key, hash: h, bucket: bucket, lock: lock})
		}()
		return
	}
}

// Find walks the chain for the lock's key. Deleted values are only
// returned when wantsDeleted is set; temp placeholders, including deleted
// ones, are returned regardless. trackRef refreshes the NRU bit.
func (lk KeyLock) Find(wantsDeleted, trackRef bool) *StoredValue {
	for sv := lk.ht.buckets[lk.bucket]; sv != nil; sv = sv.next {
		if sv.Key != lk.key {
			continue
		}
		if sv.Deleted && !wantsDeleted && !sv.Temp {
			return nil
		}
		if trackRef && !sv.Deleted {
			sv.Referenced()
		}
		return sv
	}
	return nil
}

// HasMemoryFor reports whether the table may allocate sz more bytes.
func (ht *HashTable) HasMemoryFor(sz int64) bool {
	if ht.maxMem <= 0 || ht.memUsed == nil {
		return true
	}
	return ht.memUsed.Load()+sz <= ht.maxMem
}

func (ht *HashTable) chargeMem(n int64) {
	if n < 0 {
		ht.releaseMem(-n)
		return
	}
	ht.MemSize.Add(n)
	if ht.memUsed != nil {
		ht.memUsed.Add(n)
	}
}

func (ht *HashTable) releaseMem(n int64) {
	ht.MemSize.Sub(n)
	if ht.memUsed != nil {
		ht.memUsed.Sub(n)
	}
}

// Insert links a new stored value for the item. The caller has verified
// absence. Returns nil when the memory ceiling is hit.
func (lk KeyLock) Insert(itm *types.Item, resident bool) *StoredValue {
	sv := &StoredValue{
		Key:      itm.Key,
		CAS:      itm.CAS,
		RevSeqno: itm.RevSeqno,
		BySeqno:  itm.BySeqno,
		Flags:    itm.Flags,
		Expiry:   itm.Expiry,
		Datatype: itm.Datatype,
		NRU:      InitialNRU,
		Deleted:  itm.Deleted,
		Resident: resident,
	}
	if resident {
		sv.Value = itm.Value
	}
	if !lk.ht.HasMemoryFor(sv.Size()) {
		return nil
	}
	sv.next = lk.ht.buckets[lk.bucket]
	lk.ht.buckets[lk.bucket] = sv
	lk.ht.chargeMem(sv.Size())

	lk.ht.NumItems.Inc()
	if itm.Deleted {
		lk.ht.NumDeletedItems.Inc()
	} else {
		lk.ht.NumTotalItems.Inc()
	}
	if !resident {
		lk.ht.NumNonResidentItems.Inc()
	}
	lk.ht.datatypeCounts[itm.Datatype&0x07].Inc()
	return sv
}

// InsertTemp links a temp placeholder used while a background fetch is in
// flight. Find returns temp items like any other value; callers tell
// them apart by the Temp flag.
func (lk KeyLock) InsertTemp() *StoredValue {
	sv := &StoredValue{
		Key:      lk.key,
		NRU:      MaxNRU,
		Temp:     true,
		Resident: false,
	}
	if !lk.ht.HasMemoryFor(sv.Size()) {
		return nil
	}
	sv.next = lk.ht.buckets[lk.bucket]
	lk.ht.buckets[lk.bucket] = sv
	lk.ht.chargeMem(sv.Size())
	lk.ht.NumTempItems.Inc()
	return sv
}

// Apply overwrites the stored value's data and metadata with the item's,
// adjusting counters for the old state.
func (lk KeyLock) Apply(sv *StoredValue, itm *types.Item) {
	old := sv.Size()
	wasDeleted := sv.Deleted
	wasResident := sv.Resident
	wasTemp := sv.Temp

	lk.ht.datatypeCounts[sv.Datatype&0x07].Dec()

	sv.Value = itm.Value
	sv.CAS = itm.CAS
	sv.RevSeqno = itm.RevSeqno
	sv.BySeqno = itm.BySeqno
	sv.Flags = itm.Flags
	sv.Expiry = itm.Expiry
	sv.Datatype = itm.Datatype
	sv.Deleted = itm.Deleted
	sv.Resident = true
	sv.Temp = false
	sv.LockExpiry = time.Time{}

	lk.ht.chargeMem(sv.Size() - old)
	lk.ht.datatypeCounts[itm.Datatype&0x07].Inc()

	if wasTemp {
		// Restored from disk; alive items are already counted in
		// NumTotalItems. A confirmed-absent marker overwritten by a new
		// mutation is a genuinely new item.
		lk.ht.NumTempItems.Dec()
		lk.ht.NumItems.Inc()
		if itm.Deleted {
			lk.ht.NumDeletedItems.Inc()
		} else if wasDeleted {
			lk.ht.NumTotalItems.Inc()
		}
	}
	if wasDeleted && !itm.Deleted && !wasTemp {
		lk.ht.NumDeletedItems.Dec()
		lk.ht.NumTotalItems.Inc()
	}
	if !wasDeleted && itm.Deleted && !wasTemp {
		lk.ht.NumDeletedItems.Inc()
		lk.ht.NumTotalItems.Dec()
	}
	if !wasResident && !wasTemp {
		lk.ht.NumNonResidentItems.Dec()
	}
}

// SoftDelete turns the value into a tombstone: the blob is dropped, the
// deleted flag set. Metadata mutation (revSeqno, seqno, cas) is the
// caller's responsibility.
func (lk KeyLock) SoftDelete(sv *StoredValue) {
	if sv.Deleted {
		return
	}
	old := sv.Size()
	if !sv.Resident {
		lk.ht.NumNonResidentItems.Dec()
	}
	sv.Value = nil
	sv.Deleted = true
	sv.Resident = true
	sv.LockExpiry = time.Time{}
	lk.ht.releaseMem(old - sv.Size())
	lk.ht.NumDeletedItems.Inc()
	lk.ht.NumTotalItems.Dec()
}

// Release unlinks the stored value from the chain and hands ownership to
// the caller. All counters are settled here, so the receiver may simply
// drop the value.
func (lk KeyLock) Release(sv *StoredValue) *StoredValue {
	prev := (*StoredValue)(nil)
	for cur := lk.ht.buckets[lk.bucket]; cur != nil; cur = cur.next {
		if cur == sv {
			if prev == nil {
				lk.ht.buckets[lk.bucket] = cur.next
			} else {
				prev.next = cur.next
			}
			cur.next = nil
			lk.ht.accountUnlink(cur)
			return cur
		}
		prev = cur
	}
	return nil
}

func (ht *HashTable) accountUnlink(sv *StoredValue) {
	ht.releaseMem(sv.Size())
	if sv.Temp {
		ht.NumTempItems.Dec()
		return
	}
	ht.NumItems.Dec()
	ht.datatypeCounts[sv.Datatype&0x07].Dec()
	if sv.Deleted {
		ht.NumDeletedItems.Dec()
	}
	if !sv.Resident {
		ht.NumNonResidentItems.Dec()
	}
}

// Set implements the table-level mutation contract: locate the key, verify
// cas and lock state, and apply the item.
func (ht *HashTable) Set(itm *types.Item) MutationStatus {
	status := NotFound
	ht.WithKeyLock(itm.Key, func(lk KeyLock) {
		sv := lk.Find(true, false)
		now := time.Now()
		if sv != nil && !sv.Temp {
			if sv.IsLocked(now) && (itm.CAS == 0 || itm.CAS != sv.CAS) {
				status = IsLocked
				return
			}
			if itm.CAS != 0 && itm.CAS != sv.CAS {
				status = InvalidCas
				return
			}
			if sv.Dirty {
				status = WasDirty
			} else {
				status = WasClean
			}
			lk.Apply(sv, itm)
			sv.MarkDirty()
			return
		}
		if itm.CAS != 0 {
			if ht.policy == types.FullEviction {
				status = NeedBgFetch
			} else {
				status = NotFound
			}
			return
		}
		if nsv := lk.Insert(itm, true); nsv == nil {
			status = NoMem
		} else {
			nsv.MarkDirty()
			status = WasClean
		}
	})
	return status
}

// Add implements the table-level add contract.
func (ht *HashTable) Add(itm *types.Item) AddStatus {
	status := AddSuccess
	ht.WithKeyLock(itm.Key, func(lk KeyLock) {
		sv := lk.Find(true, false)
		switch {
		case sv != nil && sv.Temp:
			status = AddBgFetch
		case sv != nil && !sv.Deleted:
			status = AddExists
		case sv != nil && sv.Deleted:
			lk.Apply(sv, itm)
			sv.MarkDirty()
			status = AddUnDel
		default:
			if ht.policy == types.FullEviction {
				if tmp := lk.InsertTemp(); tmp == nil {
					status = AddNoMem
				} else {
					status = AddTmpAndBgFetch
				}
				return
			}
			if nsv := lk.Insert(itm, true); nsv == nil {
				status = AddNoMem
			} else {
				nsv.MarkDirty()
				status = AddSuccess
			}
		}
	})
	return status
}

// RestoreValue completes a background value fetch: the item's value and
// metadata replace the non-resident or temp placeholder.
func (lk KeyLock) RestoreValue(sv *StoredValue, itm *types.Item) {
	lk.Apply(sv, itm)
	sv.MarkClean()
	sv.NRU = InitialNRU
}

// RestoreMeta completes a metadata-only background fetch into a temp item.
func (lk KeyLock) RestoreMeta(sv *StoredValue, itm *types.Item) {
	sv.CAS = itm.CAS
	sv.RevSeqno = itm.RevSeqno
	sv.BySeqno = itm.BySeqno
	sv.Flags = itm.Flags
	sv.Expiry = itm.Expiry
	sv.Datatype = itm.Datatype
	sv.Deleted = itm.Deleted
}

// EjectLocked evicts the stored value according to the table's policy.
// Must be called with the value's stripe held (inside WithKeyLock or a
// visitor callback). Dirty, locked and temp items are never ejected.
func (ht *HashTable) EjectLocked(lk KeyLock, sv *StoredValue) bool {
	now := time.Now()
	if sv.Dirty || sv.Temp || sv.IsLocked(now) || sv.Deleted {
		return false
	}
	switch ht.policy {
	case types.FullEviction:
		// Release settles every counter except NumTotalItems, so the
		// item remains counted as resident on disk.
		return lk.Release(sv) != nil
	default:
		if !sv.Resident {
			return false
		}
		ht.releaseMem(int64(len(sv.Value)))
		sv.Value = nil
		sv.Resident = false
		ht.NumNonResidentItems.Inc()
		return true
	}
}
