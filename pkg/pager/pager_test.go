package pager

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/checkpoint"
	"github.com/cuemby/burrow/pkg/hashtable"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/stats"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/vbucket"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newVB(t *testing.T, st *stats.EngineStats, policy types.EvictionPolicy) *vbucket.VBucket {
	t.Helper()
	return vbucket.New(0, types.VBActive, vbucket.Config{
		HTSize:             769,
		HTLocks:            4,
		Policy:             policy,
		MaxCheckpointItems: 1000,
		MemUsed:            &st.MemUsed,
	}, st, nil)
}

func markAllClean(vb *vbucket.VBucket) {
	entries, _, _, _ := vb.Checkpoints().ItemsForCursor(checkpoint.PersistenceCursor, 0)
	for _, e := range entries {
		vb.PersistenceCallback(e)
	}
}

func TestItemPagerEjectsColdCleanItems(t *testing.T) {
	st := stats.New()
	vb := newVB(t, st, types.ValueOnly)
	for i := 0; i < 100; i++ {
		_, status := vb.Set(&types.Item{Key: fmt.Sprintf("key-%d", i), Value: []byte("somevalue")}, 0, nil)
		require.Equal(t, types.StatusSuccess, status)
	}
	markAllClean(vb)

	p := NewItemPager(func() []*vbucket.VBucket { return []*vbucket.VBucket{vb} },
		&st.MemUsed, 0, 0, 40, st)

	// First passes age items toward the NRU ceiling; a later pass ejects.
	var ejected int64
	for i := 0; i < hashtable.MaxNRU+1; i++ {
		ejected += p.pageVBucket(vb)
	}
	assert.Equal(t, int64(100), ejected)
	assert.Equal(t, int64(100), vb.HashTable().NumNonResidentItems.Load())
	assert.Equal(t, int64(100), st.NumValueEjects.Load())
}

func TestItemPagerSkipsDirtyItems(t *testing.T) {
	st := stats.New()
	vb := newVB(t, st, types.ValueOnly)
	for i := 0; i < 10; i++ {
		vb.Set(&types.Item{Key: fmt.Sprintf("key-%d", i), Value: []byte("v")}, 0, nil)
	}
	// Still dirty: nothing may be ejected, no matter how cold.
	p := NewItemPager(func() []*vbucket.VBucket { return []*vbucket.VBucket{vb} },
		&st.MemUsed, 0, 0, 40, st)
	for i := 0; i < hashtable.MaxNRU+2; i++ {
		p.pageVBucket(vb)
	}
	assert.Equal(t, int64(0), vb.HashTable().NumNonResidentItems.Load())
}

func TestItemPagerSkipsLockedItems(t *testing.T) {
	st := stats.New()
	vb := newVB(t, st, types.ValueOnly)
	vb.Set(&types.Item{Key: "locked", Value: []byte("v")}, 0, nil)
	markAllClean(vb)
	res := vb.GetLocked("locked", time.Minute, nil)
	require.Equal(t, types.StatusSuccess, res.Status)

	p := NewItemPager(func() []*vbucket.VBucket { return []*vbucket.VBucket{vb} },
		&st.MemUsed, 0, 0, 40, st)
	for i := 0; i < hashtable.MaxNRU+2; i++ {
		p.pageVBucket(vb)
	}
	assert.Equal(t, int64(0), vb.HashTable().NumNonResidentItems.Load())
}

func TestAccessRefreshKeepsItemsWarm(t *testing.T) {
	st := stats.New()
	vb := newVB(t, st, types.ValueOnly)
	vb.Set(&types.Item{Key: "hot", Value: []byte("v")}, 0, nil)
	markAllClean(vb)

	p := NewItemPager(func() []*vbucket.VBucket { return []*vbucket.VBucket{vb} },
		&st.MemUsed, 0, 0, 40, st)
	for i := 0; i < hashtable.MaxNRU; i++ {
		p.pageVBucket(vb)
		// A read between passes resets the NRU bit.
		require.Equal(t, types.StatusSuccess, vb.Get("hot", nil, true).Status)
	}
	assert.Equal(t, int64(0), vb.HashTable().NumNonResidentItems.Load(),
		"recently used items survive the pager")
}

func TestExpiryPagerSweepsExpired(t *testing.T) {
	st := stats.New()
	vb := newVB(t, st, types.ValueOnly)

	past := uint32(time.Now().Add(-time.Minute).Unix())
	for i := 0; i < 10; i++ {
		vb.Set(&types.Item{Key: fmt.Sprintf("expired-%d", i), Value: []byte("v"), Expiry: past}, 0, nil)
	}
	for i := 0; i < 5; i++ {
		vb.Set(&types.Item{Key: fmt.Sprintf("fresh-%d", i), Value: []byte("v")}, 0, nil)
	}

	p := NewExpiryPager(func() []*vbucket.VBucket { return []*vbucket.VBucket{vb} },
		time.Hour, -1, st)
	swept := p.sweepVBucket(vb)

	assert.Equal(t, 10, swept)
	assert.Equal(t, int64(10), st.ExpiredPager.Load())
	assert.Equal(t, int64(10), st.ActiveExpired.Load())
	for i := 0; i < 5; i++ {
		assert.Equal(t, types.StatusSuccess, vb.Get(fmt.Sprintf("fresh-%d", i), nil, false).Status)
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, types.StatusKeyNotFound, vb.Get(fmt.Sprintf("expired-%d", i), nil, false).Status)
	}
}

func TestExpiryPagerInitialRunTime(t *testing.T) {
	st := stats.New()
	p := NewExpiryPager(func() []*vbucket.VBucket { return nil }, time.Hour, 2, st)
	d := p.initialSleep()
	assert.Positive(t, d)
	assert.LessOrEqual(t, d, 24*time.Hour)
}
