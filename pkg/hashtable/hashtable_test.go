package hashtable

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/stats"
	"github.com/cuemby/burrow/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTable(policy types.EvictionPolicy) *HashTable {
	return New(Config{InitialSize: 769, NumLocks: 4, Policy: policy})
}

func item(key, value string) *types.Item {
	return &types.Item{Key: key, Value: []byte(value), CAS: 0, RevSeqno: 1, BySeqno: 1}
}

func findSV(ht *HashTable, key string, wantsDeleted bool) *StoredValue {
	var sv *StoredValue
	ht.WithKeyLock(key, func(lk KeyLock) {
		sv = lk.Find(wantsDeleted, false)
	})
	return sv
}

func TestSetAndFind(t *testing.T) {
	ht := newTable(types.ValueOnly)

	status := ht.Set(item("k1", "v1"))
	assert.Equal(t, WasClean, status)
	assert.Equal(t, int64(1), ht.NumItems.Load())
	assert.Equal(t, int64(1), ht.NumTotalItems.Load())

	sv := findSV(ht, "k1", false)
	require.NotNil(t, sv)
	assert.Equal(t, []byte("v1"), sv.Value)
	assert.True(t, sv.Dirty)

	// Second set on the dirty value reports it was dirty.
	assert.Equal(t, WasDirty, ht.Set(item("k1", "v2")))
	assert.Equal(t, int64(1), ht.NumItems.Load())
}

func TestSetCASChecks(t *testing.T) {
	ht := newTable(types.ValueOnly)
	require.Equal(t, WasClean, ht.Set(item("k", "v")))

	sv := findSV(ht, "k", false)
	sv.CAS = 100
	sv.MarkClean()

	wrong := item("k", "v2")
	wrong.CAS = 99
	assert.Equal(t, InvalidCas, ht.Set(wrong))

	right := item("k", "v2")
	right.CAS = 100
	assert.Equal(t, WasClean, ht.Set(right))

	missing := item("nope", "v")
	missing.CAS = 1
	assert.Equal(t, NotFound, ht.Set(missing))
}

func TestSetCASMissFullEvictionNeedsBgFetch(t *testing.T) {
	ht := newTable(types.FullEviction)
	missing := item("nope", "v")
	missing.CAS = 1
	assert.Equal(t, NeedBgFetch, ht.Set(missing))
}

func TestSetLockedItem(t *testing.T) {
	ht := newTable(types.ValueOnly)
	require.Equal(t, WasClean, ht.Set(item("k", "v")))

	sv := findSV(ht, "k", false)
	sv.CAS = 7
	sv.LockExpiry = time.Now().Add(time.Minute)

	noCas := item("k", "v2")
	assert.Equal(t, IsLocked, ht.Set(noCas))

	withCas := item("k", "v2")
	withCas.CAS = 7
	assert.Equal(t, WasDirty, ht.Set(withCas))
	assert.False(t, findSV(ht, "k", false).IsLocked(time.Now()), "matching cas mutation unlocks")
}

func TestAddSemantics(t *testing.T) {
	ht := newTable(types.ValueOnly)

	assert.Equal(t, AddSuccess, ht.Add(item("k", "v")))
	assert.Equal(t, AddExists, ht.Add(item("k", "v2")))
}

func TestAddOnTombstoneIsUnDel(t *testing.T) {
	ht := newTable(types.ValueOnly)
	require.Equal(t, AddSuccess, ht.Add(item("k", "v")))

	var rev uint64
	ht.WithKeyLock("k", func(lk KeyLock) {
		sv := lk.Find(false, false)
		require.NotNil(t, sv)
		rev = sv.RevSeqno
		lk.SoftDelete(sv)
		sv.RevSeqno = rev + 1
	})
	assert.Equal(t, int64(1), ht.NumDeletedItems.Load())

	revive := item("k", "v2")
	revive.RevSeqno = rev + 2
	assert.Equal(t, AddUnDel, ht.Add(revive))
	assert.Equal(t, int64(0), ht.NumDeletedItems.Load())

	sv := findSV(ht, "k", false)
	require.NotNil(t, sv)
	assert.False(t, sv.Deleted)
	assert.Equal(t, rev+2, sv.RevSeqno)
}

func TestSoftDeleteCounters(t *testing.T) {
	ht := newTable(types.ValueOnly)
	require.Equal(t, WasClean, ht.Set(item("k", "somevalue")))
	before := ht.MemSize.Load()

	ht.WithKeyLock("k", func(lk KeyLock) {
		lk.SoftDelete(lk.Find(false, false))
	})

	assert.Equal(t, int64(1), ht.NumItems.Load(), "tombstone stays chained")
	assert.Equal(t, int64(1), ht.NumDeletedItems.Load())
	assert.Equal(t, int64(0), ht.NumTotalItems.Load())
	assert.Less(t, ht.MemSize.Load(), before, "the blob is released")
	assert.Nil(t, findSV(ht, "k", false), "a plain find skips tombstones")
	assert.NotNil(t, findSV(ht, "k", true))
}

func TestValueEjection(t *testing.T) {
	ht := newTable(types.ValueOnly)
	require.Equal(t, WasClean, ht.Set(item("k", "v")))
	sv := findSV(ht, "k", false)

	// Dirty items must never be ejected.
	ht.WithKeyLock("k", func(lk KeyLock) {
		assert.False(t, ht.EjectLocked(lk, sv))
	})

	sv.MarkClean()
	ht.WithKeyLock("k", func(lk KeyLock) {
		assert.True(t, ht.EjectLocked(lk, sv))
	})

	assert.False(t, sv.Resident)
	assert.Nil(t, sv.Value)
	assert.Equal(t, int64(1), ht.NumItems.Load(), "metadata stays resident")
	assert.Equal(t, int64(1), ht.NumNonResidentItems.Load())
}

func TestFullEjection(t *testing.T) {
	ht := newTable(types.FullEviction)
	require.Equal(t, WasClean, ht.Set(item("k", "v")))
	sv := findSV(ht, "k", false)
	sv.MarkClean()

	ht.WithKeyLock("k", func(lk KeyLock) {
		assert.True(t, ht.EjectLocked(lk, sv))
	})

	assert.Nil(t, findSV(ht, "k", true), "fully ejected item leaves the table")
	assert.Equal(t, int64(0), ht.NumItems.Load())
	assert.Equal(t, int64(1), ht.NumTotalItems.Load(), "still counted as on-disk")
}

func TestLockedItemNotEjected(t *testing.T) {
	ht := newTable(types.ValueOnly)
	require.Equal(t, WasClean, ht.Set(item("k", "v")))
	sv := findSV(ht, "k", false)
	sv.MarkClean()
	sv.LockExpiry = time.Now().Add(time.Minute)

	ht.WithKeyLock("k", func(lk KeyLock) {
		assert.False(t, ht.EjectLocked(lk, sv))
	})
	assert.True(t, sv.Resident)
}

func TestReleaseTransfersOwnership(t *testing.T) {
	ht := newTable(types.ValueOnly)
	require.Equal(t, WasClean, ht.Set(item("k", "v")))
	memBefore := ht.MemSize.Load()
	require.Positive(t, memBefore)

	var released *StoredValue
	ht.WithKeyLock("k", func(lk KeyLock) {
		released = lk.Release(lk.Find(false, false))
	})

	require.NotNil(t, released)
	assert.Equal(t, "k", released.Key)
	assert.Nil(t, findSV(ht, "k", true))
	assert.Equal(t, int64(0), ht.NumItems.Load())
	assert.Zero(t, ht.MemSize.Load(), "counters settle at release time")
}

func TestResizePreservesItems(t *testing.T) {
	ht := New(Config{InitialSize: 3, NumLocks: 2, Policy: types.ValueOnly})
	for i := 0; i < 500; i++ {
		require.Equal(t, WasClean, ht.Set(item(fmt.Sprintf("key-%d", i), "v")))
	}

	require.True(t, ht.Resize(769))
	assert.Equal(t, 769, ht.Size())
	assert.Equal(t, int64(500), ht.NumItems.Load())
	for i := 0; i < 500; i++ {
		assert.NotNil(t, findSV(ht, fmt.Sprintf("key-%d", i), false))
	}
}

func TestResizeWithConcurrentInserts(t *testing.T) {
	ht := New(Config{InitialSize: 3, NumLocks: 4, Policy: types.ValueOnly})

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 250; i++ {
				ht.Set(item(fmt.Sprintf("key-%d-%d", g, i), "v"))
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, size := range []int{769, 3079, 769} {
			ht.Resize(size)
			time.Sleep(time.Millisecond)
		}
	}()
	wg.Wait()

	assert.Equal(t, int64(1000), ht.NumItems.Load(), "resize must not lose or duplicate items")
	for g := 0; g < 4; g++ {
		for i := 0; i < 250; i++ {
			require.NotNil(t, findSV(ht, fmt.Sprintf("key-%d-%d", g, i), false))
		}
	}
}

func TestResizeIfNeededGrows(t *testing.T) {
	ht := New(Config{InitialSize: 3, NumLocks: 2, Policy: types.ValueOnly})
	for i := 0; i < 100; i++ {
		ht.Set(item(fmt.Sprintf("key-%d", i), "v"))
	}
	assert.True(t, ht.ResizeIfNeeded())
	assert.Greater(t, ht.Size(), 3)
}

// countingVisitor pauses every `chunk` items.
type countingVisitor struct {
	count int
	chunk int
	seen  map[string]bool
}

func (v *countingVisitor) Visit(lk KeyLock, sv *StoredValue) bool {
	v.seen[sv.Key] = true
	v.count++
	return v.count%v.chunk != 0
}

func TestPauseResumeVisitCoversTable(t *testing.T) {
	ht := newTable(types.ValueOnly)
	for i := 0; i < 200; i++ {
		require.Equal(t, WasClean, ht.Set(item(fmt.Sprintf("key-%d", i), "v")))
	}

	v := &countingVisitor{chunk: 17, seen: make(map[string]bool)}
	pos := Position{}
	for i := 0; i < 1000; i++ {
		next, done := ht.PauseResumeVisit(v, pos)
		if done {
			break
		}
		pos = next
	}
	assert.GreaterOrEqual(t, len(v.seen), 200, "every item visited at least once")
}

func TestPauseResumeVisitRestartsAfterResize(t *testing.T) {
	ht := New(Config{InitialSize: 769, NumLocks: 4, Policy: types.ValueOnly})
	for i := 0; i < 50; i++ {
		ht.Set(item(fmt.Sprintf("key-%d", i), "v"))
	}

	v := &countingVisitor{chunk: 10, seen: make(map[string]bool)}
	pos, done := ht.PauseResumeVisit(v, Position{})
	require.False(t, done)
	require.True(t, ht.Resize(3079))

	// Resuming against a resized table restarts from the beginning.
	v2 := &countingVisitor{chunk: 1 << 30, seen: make(map[string]bool)}
	_, done = ht.PauseResumeVisit(v2, pos)
	assert.True(t, done)
	assert.Len(t, v2.seen, 50)
}

func TestMemoryCeiling(t *testing.T) {
	var memUsed stats.Counter
	memUsed.Add(100)
	ht := New(Config{InitialSize: 769, NumLocks: 4, Policy: types.ValueOnly, MemUsed: &memUsed, MaxMem: 1})
	assert.Equal(t, NoMem, ht.Set(item("k", "v")))
}
