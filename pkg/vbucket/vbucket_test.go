package vbucket

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/checkpoint"
	"github.com/cuemby/burrow/pkg/cookie"
	"github.com/cuemby/burrow/pkg/hashtable"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/stats"
	"github.com/cuemby/burrow/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newVB(t *testing.T, state types.VBState, policy types.EvictionPolicy) (*VBucket, *stats.EngineStats) {
	t.Helper()
	st := stats.New()
	cfg := Config{
		HTSize:             769,
		HTLocks:            4,
		Policy:             policy,
		MaxCheckpointItems: 1000,
		GetlDefaultTimeout: 15 * time.Second,
		GetlMaxTimeout:     30 * time.Second,
		BloomEnabled:       true,
		BloomFPProb:        0.01,
	}
	return New(0, state, cfg, st, nil), st
}

func testItem(key, value string) *types.Item {
	return &types.Item{Key: key, VB: 0, Value: []byte(value)}
}

func TestSetGetRoundTrip(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)

	cas, status := vb.Set(testItem("k1", "v1"), 0, nil)
	require.Equal(t, types.StatusSuccess, status)
	require.NotZero(t, cas)

	res := vb.Get("k1", nil, true)
	require.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, []byte("v1"), res.Item.Value)
	assert.Equal(t, cas, res.Item.CAS)
}

func TestMutationPipelineInvariants(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)

	var lastSeqno, lastCAS uint64
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i%10)
		cas, status := vb.Set(testItem(key, "v"), 0, nil)
		require.Equal(t, types.StatusSuccess, status)
		assert.Greater(t, cas, lastCAS, "CAS increases with every mutation")
		assert.Greater(t, vb.HighSeqno(), lastSeqno, "bySeqno increases with every mutation")
		lastCAS = cas
		lastSeqno = vb.HighSeqno()
	}
	assert.Equal(t, uint64(100), vb.HighSeqno())
}

func TestRevSeqnoMonotonicPerKey(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)

	var lastRev uint64
	for i := 0; i < 5; i++ {
		_, status := vb.Set(testItem("k", fmt.Sprintf("v%d", i)), 0, nil)
		require.Equal(t, types.StatusSuccess, status)
		res := vb.Get("k", nil, false)
		require.Equal(t, types.StatusSuccess, res.Status)
		assert.Greater(t, res.Item.RevSeqno, lastRev)
		lastRev = res.Item.RevSeqno
	}
	assert.Equal(t, uint64(5), lastRev)
}

func TestCASMismatch(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)
	cas, _ := vb.Set(testItem("k", "v"), 0, nil)

	_, status := vb.Set(testItem("k", "v2"), cas+1, nil)
	assert.Equal(t, types.StatusKeyExists, status)

	_, status = vb.Set(testItem("k", "v2"), cas, nil)
	assert.Equal(t, types.StatusSuccess, status)

	_, status = vb.Set(testItem("absent", "v"), 12345, nil)
	assert.Equal(t, types.StatusKeyNotFound, status)
}

func TestAddSemantics(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)

	_, status := vb.Add(testItem("k", "v"), nil)
	require.Equal(t, types.StatusSuccess, status)

	_, status = vb.Add(testItem("k", "v2"), nil)
	assert.Equal(t, types.StatusKeyExists, status)
}

func TestAddOnTombstoneRevives(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)
	vb.Set(testItem("k", "v"), 0, nil)

	res := vb.Get("k", nil, false)
	revBefore := res.Item.RevSeqno

	_, status := vb.Delete("k", 0, nil)
	require.Equal(t, types.StatusSuccess, status)

	_, status = vb.Add(testItem("k", "v2"), nil)
	require.Equal(t, types.StatusSuccess, status, "add on an in-table tombstone succeeds")

	res = vb.Get("k", nil, false)
	require.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, revBefore+2, res.Item.RevSeqno, "delete then undelete advance the revision")
}

func TestReplaceSemantics(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)

	_, status := vb.Replace(testItem("k", "v"), 0, nil)
	assert.Equal(t, types.StatusKeyNotFound, status)

	vb.Set(testItem("k", "v"), 0, nil)
	_, status = vb.Replace(testItem("k", "v2"), 0, nil)
	assert.Equal(t, types.StatusSuccess, status)
}

func TestDeleteSemantics(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)

	_, status := vb.Delete("absent", 0, nil)
	assert.Equal(t, types.StatusKeyNotFound, status)

	cas, _ := vb.Set(testItem("k", "v"), 0, nil)
	_, status = vb.Delete("k", cas+1, nil)
	assert.Equal(t, types.StatusKeyExists, status)

	delCas, status := vb.Delete("k", cas, nil)
	require.Equal(t, types.StatusSuccess, status)
	assert.Greater(t, delCas, cas)

	res := vb.Get("k", nil, false)
	assert.Equal(t, types.StatusKeyNotFound, res.Status)
}

func TestExpiryOnAccess(t *testing.T) {
	vb, st := newVB(t, types.VBActive, types.ValueOnly)

	itm := testItem("e", "x")
	itm.Expiry = uint32(time.Now().Add(-time.Second).Unix())
	_, status := vb.Set(itm, 0, nil)
	require.Equal(t, types.StatusSuccess, status)

	seqnoBefore := vb.HighSeqno()
	res := vb.Get("e", nil, true)
	assert.Equal(t, types.StatusKeyNotFound, res.Status)
	assert.Equal(t, int64(1), st.ExpiredAccess.Load())
	assert.Equal(t, int64(1), st.ActiveExpired.Load())
	assert.Equal(t, seqnoBefore+1, vb.HighSeqno(), "expiry enqueues a deletion")

	// Second access does not double count.
	res = vb.Get("e", nil, true)
	assert.Equal(t, types.StatusKeyNotFound, res.Status)
	assert.Equal(t, int64(1), st.ExpiredAccess.Load())
}

func TestGetLockedAndUnlock(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)
	vb.Set(testItem("k", "v"), 0, nil)

	res := vb.GetLocked("k", 50*time.Millisecond, nil)
	require.Equal(t, types.StatusSuccess, res.Status)
	lockCAS := res.Item.CAS

	// A second GETL while locked fails.
	assert.Equal(t, types.StatusLocked, vb.GetLocked("k", 50*time.Millisecond, nil).Status)

	// Mutations without the holder's cas fail.
	_, status := vb.Set(testItem("k", "v2"), 0, nil)
	assert.Equal(t, types.StatusLocked, status)
	_, status = vb.Set(testItem("k", "v2"), lockCAS+99, nil)
	assert.Equal(t, types.StatusLocked, status)

	// The holder's cas mutates and implicitly unlocks.
	_, status = vb.Set(testItem("k", "v2"), lockCAS, nil)
	assert.Equal(t, types.StatusSuccess, status)
}

func TestLockExpiresOnItsOwn(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)
	vb.Set(testItem("k", "v"), 0, nil)

	res := vb.GetLocked("k", 30*time.Millisecond, nil)
	require.Equal(t, types.StatusSuccess, res.Status)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, types.StatusSuccess, vb.GetLocked("k", 30*time.Millisecond, nil).Status,
		"GETL succeeds after the lock timeout elapses")
}

func TestUnlock(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)
	vb.Set(testItem("k", "v"), 0, nil)

	assert.Equal(t, types.StatusTempFailure, vb.Unlock("k", 1, nil), "unlock of an unlocked key")

	res := vb.GetLocked("k", time.Second, nil)
	require.Equal(t, types.StatusSuccess, res.Status)

	assert.Equal(t, types.StatusLocked, vb.Unlock("k", res.Item.CAS+1, nil))
	assert.Equal(t, types.StatusSuccess, vb.Unlock("k", res.Item.CAS, nil))

	_, status := vb.Set(testItem("k", "v2"), 0, nil)
	assert.Equal(t, types.StatusSuccess, status, "unlocked key accepts plain mutations")
}

func TestGetAndTouch(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)
	vb.Set(testItem("k", "v"), 0, nil)

	newExp := uint32(time.Now().Add(time.Hour).Unix())
	res := vb.GetAndTouch("k", newExp, nil)
	require.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, []byte("v"), res.Item.Value)

	got := vb.Get("k", nil, false)
	assert.Equal(t, newExp, got.Item.Expiry)
}

func TestSetWithMetaConflictResolution(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)
	vb.Set(testItem("k", "local"), 0, nil)
	res := vb.Get("k", nil, false)
	localRev := res.Item.RevSeqno

	seqnoBefore := vb.HighSeqno()

	// Losing metadata is conflict-resolved away.
	loser := testItem("k", "remote-old")
	loser.RevSeqno = 0
	loser.CAS = 1
	status := vb.SetWithMeta(loser, false, nil)
	assert.Equal(t, types.StatusKeyExists, status)
	assert.Equal(t, seqnoBefore, vb.HighSeqno(), "a skipped mutation does not advance the high seqno")
	assert.Equal(t, []byte("local"), vb.Get("k", nil, false).Item.Value)

	// Winning metadata is applied with its revision preserved.
	winner := testItem("k", "remote-new")
	winner.RevSeqno = localRev + 10
	winner.CAS = uint64(time.Now().UnixNano())
	status = vb.SetWithMeta(winner, false, nil)
	require.Equal(t, types.StatusSuccess, status)

	got := vb.Get("k", nil, false)
	assert.Equal(t, []byte("remote-new"), got.Item.Value)
	assert.Equal(t, localRev+10, got.Item.RevSeqno)
	assert.Equal(t, winner.CAS, got.Item.CAS, "incoming CAS is preserved")
}

func TestSetWithMetaForceBypassesConflict(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)
	vb.Set(testItem("k", "local"), 0, nil)

	loser := testItem("k", "forced")
	loser.RevSeqno = 0
	loser.CAS = 1
	status := vb.SetWithMeta(loser, true, nil)
	require.Equal(t, types.StatusSuccess, status)
	assert.Equal(t, []byte("forced"), vb.Get("k", nil, false).Item.Value)
}

func TestDelWithMeta(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)
	vb.Set(testItem("k", "v"), 0, nil)
	res := vb.Get("k", nil, false)

	status := vb.DelWithMeta("k", types.ItemMeta{RevSeqno: res.Item.RevSeqno + 5, CAS: res.Item.CAS + 1}, false, nil)
	require.Equal(t, types.StatusSuccess, status)
	assert.Equal(t, types.StatusKeyNotFound, vb.Get("k", nil, false).Status)

	meta := vb.GetMeta("k", nil)
	require.Equal(t, types.StatusSuccess, meta.Status)
	assert.True(t, meta.Deleted)
	assert.Equal(t, res.Item.RevSeqno+5, meta.Meta.RevSeqno)
}

func TestStateGates(t *testing.T) {
	tests := []struct {
		name     string
		state    types.VBState
		expected types.Status
	}{
		{"replica rejects", types.VBReplica, types.StatusNotMyVBucket},
		{"dead rejects", types.VBDead, types.StatusNotMyVBucket},
		{"pending blocks", types.VBPending, types.StatusWouldBlock},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vb, _ := newVB(t, tt.state, types.ValueOnly)
			_, status := vb.Set(testItem("k", "v"), 0, nil)
			assert.Equal(t, tt.expected, status)
			res := vb.Get("k", nil, false)
			assert.Equal(t, tt.expected, res.Status)
		})
	}
}

func TestPendingCookieNotifiedOnActivate(t *testing.T) {
	vb, _ := newVB(t, types.VBPending, types.ValueOnly)

	c := cookie.NewWaiter()
	_, status := vb.Set(testItem("p", "q"), 0, c)
	require.Equal(t, types.StatusWouldBlock, status)

	require.Equal(t, types.StatusSuccess, vb.SetState(types.VBActive, false))
	got, ok := c.Wait(time.Second)
	require.True(t, ok, "cookie must be notified on activation")
	assert.Equal(t, types.StatusSuccess, got)

	_, status = vb.Set(testItem("p", "q"), 0, nil)
	assert.Equal(t, types.StatusSuccess, status)
}

func TestPendingCookieNotifiedOnDeath(t *testing.T) {
	vb, _ := newVB(t, types.VBPending, types.ValueOnly)

	c := cookie.NewWaiter()
	_, status := vb.Set(testItem("p", "q"), 0, c)
	require.Equal(t, types.StatusWouldBlock, status)

	require.Equal(t, types.StatusSuccess, vb.SetState(types.VBDead, false))
	got, ok := c.Wait(time.Second)
	require.True(t, ok)
	assert.Equal(t, types.StatusNotMyVBucket, got)

	// Exactly once: a second notification would be dropped by the cookie,
	// so a repeated wait times out.
	_, ok = c.Wait(50 * time.Millisecond)
	assert.False(t, ok)
}

func TestStateTransitionCreatesFailoverEntry(t *testing.T) {
	vb, _ := newVB(t, types.VBReplica, types.ValueOnly)
	before := vb.Failover().Top()

	require.Equal(t, types.StatusSuccess, vb.SetState(types.VBActive, false))
	after := vb.Failover().Top()
	assert.NotEqual(t, before.UUID, after.UUID, "activation pushes a failover entry")

	// A transfer keeps the lineage.
	vb2, _ := newVB(t, types.VBReplica, types.ValueOnly)
	before2 := vb2.Failover().Top()
	require.Equal(t, types.StatusSuccess, vb2.SetState(types.VBActive, true))
	assert.Equal(t, before2, vb2.Failover().Top())
}

func TestIllegalTransition(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)
	require.Equal(t, types.StatusSuccess, vb.SetState(types.VBDead, false))
	assert.Equal(t, types.StatusInvalidArgument, vb.SetState(types.VBActive, false))
}

func TestInvariantHighSeqnoVsPersisted(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)
	for i := 0; i < 10; i++ {
		vb.Set(testItem(fmt.Sprintf("key-%d", i), "v"), 0, nil)
	}
	assert.GreaterOrEqual(t, vb.HighSeqno(), vb.LastPersistedSeqno())
	assert.GreaterOrEqual(t, vb.LastPersistedSeqno(), vb.PurgeSeqno())
}

func TestPersistenceCallbackCleansValue(t *testing.T) {
	vb, st := newVB(t, types.VBActive, types.ValueOnly)
	vb.Set(testItem("k", "v"), 0, nil)

	entries, snap, _, err := vb.Checkpoints().ItemsForCursor(checkpoint.PersistenceCursor, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	vb.PersistenceCallback(entries[0])
	vb.SetLastPersisted(entries[0].BySeqno, snap.Start, snap.End)

	res := vb.Get("k", nil, false)
	require.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, uint64(1), vb.LastPersistedSeqno())
	_ = st
}

func TestPersistenceCallbackDropsPersistedTombstone(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)
	vb.Set(testItem("k", "v"), 0, nil)
	vb.Delete("k", 0, nil)

	entries, _, _, err := vb.Checkpoints().ItemsForCursor(checkpoint.PersistenceCursor, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1, "set then delete dedupes to the tombstone")
	require.Equal(t, checkpoint.OpDeletion, entries[0].Op)

	vb.PersistenceCallback(entries[0])
	assert.Equal(t, int64(0), vb.HashTable().NumItems.Load(), "persisted tombstone leaves memory")
}

func TestPersistenceCallbackSkipsNewerMutation(t *testing.T) {
	vb, _ := newVB(t, types.VBActive, types.ValueOnly)
	vb.Set(testItem("k", "v1"), 0, nil)

	entries, _, _, err := vb.Checkpoints().ItemsForCursor(checkpoint.PersistenceCursor, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// A newer mutation lands before the callback fires.
	vb.Set(testItem("k", "v2"), 0, nil)
	vb.PersistenceCallback(entries[0])

	dirty := false
	vb.HashTable().WithKeyLock("k", func(lk hashtable.KeyLock) {
		sv := lk.Find(true, false)
		require.NotNil(t, sv)
		dirty = sv.Dirty
	})
	assert.True(t, dirty, "the newer unpersisted revision stays dirty")
}
