package bgfetcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/checkpoint"
	"github.com/cuemby/burrow/pkg/cookie"
	"github.com/cuemby/burrow/pkg/kvstore"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/stats"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/cuemby/burrow/pkg/vbucket"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newHarness(t *testing.T) (*BGFetcher, *vbucket.VBucket, *stats.EngineStats) {
	t.Helper()
	kv, err := kvstore.NewBoltKVStore(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	st := stats.New()
	vb := vbucket.New(0, types.VBActive, vbucket.Config{
		HTSize:             769,
		HTLocks:            4,
		Policy:             types.FullEviction,
		MaxCheckpointItems: 1000,
		BloomEnabled:       true,
		BloomFPProb:        0.01,
	}, st, nil)

	b := New(0, kv, func(id types.VBucketID) *vbucket.VBucket {
		if id == 0 {
			return vb
		}
		return nil
	}, 0, st)
	vb.SetNotifiers(nil, b.NotifyBGEvent)

	// Persist one document, then evict it.
	_, status := vb.Set(&types.Item{Key: "k", VB: 0, Value: []byte("payload")}, 0, nil)
	require.Equal(t, types.StatusSuccess, status)
	entries, _, _, err := vb.Checkpoints().ItemsForCursor(checkpoint.PersistenceCursor, 0)
	require.NoError(t, err)
	require.NoError(t, kv.Begin(0))
	for _, e := range entries {
		require.NoError(t, kv.Set(e.Item))
	}
	require.NoError(t, kv.Commit())
	for _, e := range entries {
		vb.PersistenceCallback(e)
	}
	require.Equal(t, types.StatusSuccess, vb.EvictKey("k"))
	return b, vb, st
}

func TestFetchCompletesCookie(t *testing.T) {
	b, vb, st := newHarness(t)

	c := cookie.NewWaiter()
	res := vb.Get("k", c, false)
	require.Equal(t, types.StatusWouldBlock, res.Status)
	require.True(t, vb.HasPendingBGFetches())

	require.True(t, b.Run())

	notified, ok := c.Wait(time.Second)
	require.True(t, ok)
	assert.Equal(t, types.StatusSuccess, notified)
	assert.False(t, vb.HasPendingBGFetches())
	assert.Equal(t, int64(1), st.BGFetched.Load())

	res = vb.Get("k", nil, false)
	require.Equal(t, types.StatusSuccess, res.Status)
	assert.Equal(t, []byte("payload"), res.Item.Value)
}

func TestFetchMissingKeyResolvesNotFound(t *testing.T) {
	b, vb, _ := newHarness(t)

	// Force a fetch for a key the bloom filter cannot reject but that is
	// absent from disk.
	vb.Filter().Add("ghost")
	c := cookie.NewWaiter()
	res := vb.Get("ghost", c, false)
	require.Equal(t, types.StatusWouldBlock, res.Status)

	require.True(t, b.Run())
	notified, ok := c.Wait(time.Second)
	require.True(t, ok)
	assert.Equal(t, types.StatusSuccess, notified)

	// The retried read resolves to KeyNotFound.
	res = vb.Get("ghost", nil, false)
	assert.Equal(t, types.StatusKeyNotFound, res.Status)
}

func TestBucketCreationRequeues(t *testing.T) {
	b, vb, _ := newHarness(t)
	vb.SetBucketCreation(true)

	c := cookie.NewWaiter()
	res := vb.Get("k", c, false)
	require.Equal(t, types.StatusWouldBlock, res.Status)

	require.True(t, b.Run())
	_, ok := c.Wait(50 * time.Millisecond)
	assert.False(t, ok, "fetch deferred while the file is pending creation")

	vb.SetBucketCreation(false)
	require.True(t, b.Run())
	notified, ok := c.Wait(time.Second)
	require.True(t, ok)
	assert.Equal(t, types.StatusSuccess, notified)
}
