package checkpoint

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func entry(key string, seqno uint64) *types.Item {
	return &types.Item{Key: key, BySeqno: seqno, Value: []byte("v")}
}

func TestQueueAndDrain(t *testing.T) {
	m := NewManager(0, 0, 100)

	for i := uint64(1); i <= 5; i++ {
		m.QueueDirty(entry(fmt.Sprintf("key-%d", i), i), OpMutation)
	}
	assert.Equal(t, 5, m.ItemsRemaining(PersistenceCursor))

	items, snap, ckptID, err := m.ItemsForCursor(PersistenceCursor, 0)
	require.NoError(t, err)
	require.Len(t, items, 5)
	assert.Equal(t, uint64(1), ckptID)
	assert.Equal(t, uint64(5), snap.End)

	// Drained in seqno order.
	for i, e := range items {
		assert.Equal(t, uint64(i+1), e.BySeqno)
	}
	assert.Equal(t, 0, m.ItemsRemaining(PersistenceCursor))
}

func TestDedupWithinOpenCheckpoint(t *testing.T) {
	m := NewManager(0, 0, 100)

	m.QueueDirty(entry("k", 1), OpMutation)
	fresh := m.QueueDirty(entry("k", 2), OpMutation)
	assert.False(t, fresh, "second revision supersedes the queued one")

	items, _, _, err := m.ItemsForCursor(PersistenceCursor, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, uint64(2), items[0].BySeqno)
}

func TestNoDedupAcrossConsumedEntries(t *testing.T) {
	m := NewManager(0, 0, 100)

	m.QueueDirty(entry("k", 1), OpMutation)
	items, _, _, err := m.ItemsForCursor(PersistenceCursor, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)

	fresh := m.QueueDirty(entry("k", 2), OpMutation)
	assert.True(t, fresh, "a consumed entry is not superseded")

	items, _, _, err = m.ItemsForCursor(PersistenceCursor, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, uint64(2), items[0].BySeqno)
}

func TestCheckpointRotation(t *testing.T) {
	m := NewManager(0, 0, 3)

	for i := uint64(1); i <= 10; i++ {
		m.QueueDirty(entry(fmt.Sprintf("key-%d", i), i), OpMutation)
	}
	assert.Greater(t, m.NumCheckpoints(), 1, "exceeding max items closes checkpoints")

	items, _, _, err := m.ItemsForCursor(PersistenceCursor, 0)
	require.NoError(t, err)
	assert.Len(t, items, 10, "the cursor crosses checkpoint boundaries")
}

func TestLimitStopsDrain(t *testing.T) {
	m := NewManager(0, 0, 100)
	for i := uint64(1); i <= 10; i++ {
		m.QueueDirty(entry(fmt.Sprintf("key-%d", i), i), OpMutation)
	}

	items, _, _, err := m.ItemsForCursor(PersistenceCursor, 4)
	require.NoError(t, err)
	assert.Len(t, items, 4)

	items, _, _, err = m.ItemsForCursor(PersistenceCursor, 0)
	require.NoError(t, err)
	assert.Len(t, items, 6)
}

func TestRemoveClosedUnreferencedCheckpoints(t *testing.T) {
	m := NewManager(0, 0, 2)
	for i := uint64(1); i <= 8; i++ {
		m.QueueDirty(entry(fmt.Sprintf("key-%d", i), i), OpMutation)
	}
	before := m.NumCheckpoints()
	require.Greater(t, before, 2)

	// Nothing can be removed while the persistence cursor is behind.
	assert.Equal(t, 0, m.RemoveClosedUnreferencedCheckpoints())

	_, _, _, err := m.ItemsForCursor(PersistenceCursor, 0)
	require.NoError(t, err)
	removed := m.RemoveClosedUnreferencedCheckpoints()
	assert.Greater(t, removed, 0)
	assert.Equal(t, before-removed, m.NumCheckpoints())
}

func TestReplicationCursor(t *testing.T) {
	m := NewManager(0, 0, 100)
	require.NoError(t, m.RegisterCursor("replica-1"))
	assert.Error(t, m.RegisterCursor("replica-1"), "duplicate cursor refused")

	m.QueueDirty(entry("k", 1), OpMutation)

	items, _, _, err := m.ItemsForCursor("replica-1", 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	// Independent cursors see the same entries.
	items, _, _, err = m.ItemsForCursor(PersistenceCursor, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)

	assert.Error(t, m.UnregisterCursor(PersistenceCursor))
	assert.NoError(t, m.UnregisterCursor("replica-1"))
}

func TestDeletionEntries(t *testing.T) {
	m := NewManager(0, 0, 100)
	m.QueueDirty(entry("k", 1), OpMutation)
	tomb := entry("k", 2)
	tomb.Deleted = true
	m.QueueDirty(tomb, OpDeletion)

	items, _, _, err := m.ItemsForCursor(PersistenceCursor, 0)
	require.NoError(t, err)
	require.Len(t, items, 1, "deletion supersedes the mutation in the open checkpoint")
	assert.Equal(t, OpDeletion, items[0].Op)
}
